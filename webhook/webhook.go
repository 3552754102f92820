package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Event types.
const (
	EventBatchCompleted = "batch.completed"
)

// SignatureHeader carries the HMAC-SHA256 of the body as "sha256=<hex>".
const SignatureHeader = "X-Evidence-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string      `json:"type"`
	JobID     string      `json:"job_id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Options tunes delivery retries.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds each attempt.
	Timeout time.Duration
}

// DefaultOptions retries three times between 1s and 30s.
var DefaultOptions = Options{
	RetryMax:     3,
	RetryWaitMin: 1 * time.Second,
	RetryWaitMax: 30 * time.Second,
	Timeout:      10 * time.Second,
}

// Client delivers webhook events, retrying connection errors and 5xx/429
// responses with exponential backoff.
type Client struct {
	http    *retryablehttp.Client
	pending sync.WaitGroup
}

// NewClient creates a webhook client.
func NewClient(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = slog.Default()
	return &Client{http: rc}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
func (c *Client) Deliver(ctx context.Context, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Evidence-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliverAsync sends a webhook event in the background and logs the outcome.
func (c *Client) DeliverAsync(url, secret string, event *Event) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := c.Deliver(ctx, url, secret, event); err != nil {
			slog.Error("webhook delivery failed",
				"url", url,
				"event", event.Type,
				"job_id", event.JobID,
				"error", err,
			)
			return
		}
		slog.Info("webhook delivered",
			"url", url,
			"event", event.Type,
			"job_id", event.JobID,
		)
	}()
}

// Wait blocks until every DeliverAsync call has finished or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
