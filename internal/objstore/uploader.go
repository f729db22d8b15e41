// Package objstore uploads artifacts to the object storage gateway over
// HTTP. The call contract matches the storage collaborator: bytes in, public
// URL out.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrUploadFailed wraps any terminal upload failure.
var ErrUploadFailed = errors.New("object upload failed")

const uploadAttempts = 3

// Uploader stores one named object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, name, contentType string) (string, error)
}

// HTTPUploader implements Uploader against an S3-compatible HTTP gateway
// with presigned-style PUT semantics.
type HTTPUploader struct {
	baseURL string
	bucket  string
	client  *http.Client
}

func NewHTTPUploader(baseURL, bucket string, timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		baseURL: baseURL,
		bucket:  bucket,
		client:  &http.Client{Timeout: timeout},
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, data []byte, name, contentType string) (string, error) {
	target := fmt.Sprintf("%s/%s/%s", u.baseURL, u.bucket, name)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", contentType)
			req.ContentLength = int64(len(data))

			resp, err := u.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("storage returned status %d", resp.StatusCode)
			}
			if resp.StatusCode >= 300 {
				return retry.Unrecoverable(fmt.Errorf("storage rejected upload with status %d", resp.StatusCode))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uploadAttempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}

	return target, nil
}
