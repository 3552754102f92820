package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// BrowserbaseOptions configures the Browserbase provider.
type BrowserbaseOptions struct {
	APIKey         string
	ProjectID      string
	BaseURL        string
	RequestTimeout time.Duration
}

// Browserbase creates remote sessions through the Browserbase REST API.
type Browserbase struct {
	client    *resty.Client
	projectID string
}

// NewBrowserbase creates a Browserbase provider.
func NewBrowserbase(opts BrowserbaseOptions) *Browserbase {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("X-BB-API-Key", opts.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "evidence/1.0")

	return &Browserbase{client: client, projectID: opts.ProjectID}
}

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
}

type releaseSessionRequest struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e *apiError) String() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Create starts a remote session.
func (b *Browserbase) Create(ctx context.Context) (*Session, error) {
	var (
		out    Session
		apiErr apiError
	)
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(createSessionRequest{ProjectID: b.projectID}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/sessions")
	if err != nil {
		return nil, fmt.Errorf("browserbase: create session: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("browserbase: create session: HTTP %d: %s", resp.StatusCode(), apiErr.String())
	}
	if out.ID == "" || out.ConnectURL == "" {
		return nil, fmt.Errorf("browserbase: create session: response missing id or connectUrl")
	}

	slog.Debug("browserbase session created", "session", out.ID)
	return &out, nil
}

// Release asks Browserbase to end the session. Browserbase also reclaims
// sessions on its own timeout, so callers may treat failures as best-effort.
func (b *Browserbase) Release(ctx context.Context, id string) error {
	var apiErr apiError
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(releaseSessionRequest{ProjectID: b.projectID, Status: "REQUEST_RELEASE"}).
		SetError(&apiErr).
		Post("/v1/sessions/{id}")
	if err != nil {
		return fmt.Errorf("browserbase: release session %s: %w", id, err)
	}
	if resp.IsError() {
		return fmt.Errorf("browserbase: release session %s: HTTP %d: %s", id, resp.StatusCode(), apiErr.String())
	}

	slog.Debug("browserbase session released", "session", id)
	return nil
}
