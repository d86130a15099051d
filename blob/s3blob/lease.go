package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/google/uuid"
)

// marker is the lease record stored under <key>.lease.
// It also carries the id of the pending multipart upload so another process can resume it.
type marker struct {
	LeaseID   string    `json:"lease_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	UploadID  string    `json:"upload_id,omitempty"`
}

func (m marker) activeAt(now time.Time) bool {
	return m.LeaseID != "" && now.Before(m.ExpiresAt)
}

// AcquireLease writes a fresh lease marker, inheriting the pending multipart upload of a previous holder.
func (o *Object) AcquireLease(ctx context.Context, duration time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, _, err := o.readMarker(ctx)
	if err != nil {
		return "", err
	}
	if current.activeAt(o.now()) {
		return "", blob.ErrLeaseAlreadyPresent
	}

	m := marker{
		LeaseID:   uuid.NewString(),
		ExpiresAt: o.now().Add(duration),
		UploadID:  current.UploadID,
	}
	if err := o.writeMarker(ctx, m); err != nil {
		return "", err
	}

	o.lease = m
	if o.uploadID != m.UploadID {
		o.uploadID = m.UploadID
		o.etags = map[int32]string{}
	}
	return m.LeaseID, nil
}

// BreakLease clears the lease of the marker, keeping the pending upload.
func (o *Object) BreakLease(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, found, err := o.readMarker(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	o.lease = marker{}
	return o.writeMarker(ctx, marker{UploadID: current.UploadID})
}

// ReleaseLease ...
func (o *Object) ReleaseLease(ctx context.Context, leaseID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, found, err := o.readMarker(ctx)
	if err != nil {
		return err
	}
	if !found || current.LeaseID == "" {
		return blob.ErrLeaseMissing
	}
	if current.LeaseID != leaseID {
		return blob.ErrLeaseMismatch
	}

	o.lease = marker{}
	if current.UploadID == "" {
		return o.deleteMarker(ctx)
	}
	return o.writeMarker(ctx, marker{UploadID: current.UploadID})
}

// LeaseState reports Leased while the marker holds a lease, expired or not.
func (o *Object) LeaseState(ctx context.Context) (blob.LeaseState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, _, err := o.readMarker(ctx)
	if err != nil {
		return blob.Unleased, err
	}
	if current.LeaseID != "" {
		return blob.Leased, nil
	}
	return blob.Unleased, nil
}

func (o *Object) checkLocalLease(leaseID string) error {
	switch {
	case o.lease.LeaseID == "":
		return blob.ErrLeaseMissing
	case o.lease.LeaseID != leaseID:
		return blob.ErrLeaseMismatch
	case !o.now().Before(o.lease.ExpiresAt):
		return blob.ErrLeaseExpired
	}
	return nil
}

func (o *Object) checkRemoteLease(ctx context.Context, leaseID string) error {
	current, found, err := o.readMarker(ctx)
	if err != nil {
		return err
	}
	switch {
	case !found || current.LeaseID == "":
		return blob.ErrLeaseMissing
	case current.LeaseID != leaseID:
		return blob.ErrLeaseMismatch
	case !o.now().Before(current.ExpiresAt):
		return blob.ErrLeaseExpired
	}
	return nil
}

func (o *Object) markerKey() string {
	return o.key + leaseMarkerSuffix
}

func (o *Object) readMarker(ctx context.Context) (marker, bool, error) {
	var m marker
	found := false
	err := retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := o.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.markerKey()),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, true
			}
			return fmt.Errorf("get lease marker: %w", err), false
		}
		defer resp.Body.Close() //nolint:errcheck

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read lease marker: %w", err), false
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse lease marker: %w", err), true
		}
		found = true
		return nil, true
	})
	return m, found, err
}

func (o *Object) writeMarker(ctx context.Context, m marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal lease marker: %w", err)
	}

	return retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(o.bucket),
			Key:           aws.String(o.markerKey()),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(leaseMarkerMediaType),
		})
		if err != nil {
			return fmt.Errorf("put lease marker: %w", err), false
		}
		return nil, true
	})
}

func (o *Object) deleteMarker(ctx context.Context) error {
	return retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.markerKey()),
		})
		if err != nil {
			return fmt.Errorf("delete lease marker: %w", err), false
		}
		return nil, true
	})
}
