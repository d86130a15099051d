package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Delivery policy of the webhook.
const (
	WebhookRetryMax     = 5
	WebhookRetryWaitMin = time.Second
	WebhookRetryWaitMax = 30 * time.Second

	defaultWebhookQueueSize = 256
)

// Webhook posts messages as JSON to an HTTP endpoint from a background goroutine.
// Messages published while the queue is full are dropped.
type Webhook struct {
	url         string
	accessToken string
	httpClient  *retryablehttp.Client
	logger      log.Logger

	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewWebhook starts a webhook publisher. Close must be called to flush pending messages.
func NewWebhook(url, accessToken string, logger log.Logger) *Webhook {
	client := retryhttp.NewClient(logger)
	client.RetryMax = WebhookRetryMax
	client.RetryWaitMin = WebhookRetryWaitMin
	client.RetryWaitMax = WebhookRetryWaitMax

	return NewWebhookWithClient(client, url, accessToken, logger, defaultWebhookQueueSize)
}

// NewWebhookWithClient ...
func NewWebhookWithClient(client *retryablehttp.Client, url, accessToken string, logger log.Logger, queueSize int) *Webhook {
	if queueSize < 1 {
		queueSize = 1
	}
	w := &Webhook{
		url:         url,
		accessToken: accessToken,
		httpClient:  client,
		logger:      logger,
		queue:       make(chan Message, queueSize),
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// Publish ...
func (w *Webhook) Publish(name Name, e Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	select {
	case w.queue <- NewMessage(name, e):
	default:
		w.logger.Warnf("Webhook queue is full, dropping %s message of %s", name, e.TrackingID)
	}
}

// Close stops accepting messages and waits until the queued ones are sent.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	<-w.done
}

func (w *Webhook) run() {
	defer close(w.done)
	for msg := range w.queue {
		if err := w.send(msg); err != nil {
			w.logger.Warnf("Failed to deliver %s message of %s: %s", msg.Type, msg.Data.TrackingID, err)
		}
	}
}

func (w *Webhook) send(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, w.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-type", "application/json")
	if w.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", w.accessToken))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			w.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorResp, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
	}
	return nil
}
