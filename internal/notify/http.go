package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	sendTimeout   = 10 * time.Second
	retryAttempts = 2
	retryWait     = 500 * time.Millisecond
	retryMaxWait  = 3 * time.Second
)

type httpClient struct {
	rc *resty.Client
}

func newHTTPClient(baseURL string) *httpClient {
	rc := resty.New().
		SetTimeout(sendTimeout).
		SetRetryCount(retryAttempts).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(isRetryable)
	if baseURL != "" {
		rc.SetBaseURL(baseURL)
	}
	return &httpClient{rc: rc}
}

// isRetryable retries transport errors, rate limits and server errors.
func isRetryable(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == 429 || code >= 500
}

func (c *httpClient) postJSON(ctx context.Context, url string, payload any) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 1024 {
			body = body[:1024]
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), body)
	}
	return nil
}
