package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTP upserts records with PUT {baseURL}/uploads/{trackingID}/status.
type HTTP struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewHTTP creates an HTTP recorder using the default retrying client.
func NewHTTP(baseURL, accessToken string, logger log.Logger) *HTTP {
	return NewHTTPWithClient(retryhttp.NewClient(logger), baseURL, accessToken, logger)
}

// NewHTTPWithClient ...
func NewHTTPWithClient(client *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *HTTP {
	return &HTTP{
		httpClient:  client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// Upsert ...
func (c *HTTP) Upsert(ctx context.Context, trackingID string, record Record) error {
	apiURL := fmt.Sprintf("%s/uploads/%s/status", c.baseURL, url.PathEscape(trackingID))

	body, err := json.Marshal(record)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, apiURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upsert status of %s: %w", trackingID, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return unwrapError(resp)
	}

	c.logger.Debugf("Status of %s set to %s", trackingID, record.Status)
	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
