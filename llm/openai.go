package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/use-agent/evidence/models"
)

// MaxAnchors is the most anchors a selection may return.
const MaxAnchors = 4

// Params configures the OpenAI-compatible endpoint.
type Params struct {
	APIKey  string
	Model   string
	BaseURL string // e.g. "https://api.openai.com/v1"
	Timeout time.Duration
}

// Client picks anchors from page text with an OpenAI-compatible chat
// completion API.
type Client struct {
	http  *resty.Client
	model string
}

// NewClient creates a new LLM client.
func NewClient(p Params) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(p.BaseURL, "/")).
		SetAuthToken(p.APIKey).
		SetHeader("Content-Type", "application/json")
	if p.Timeout > 0 {
		c.SetTimeout(p.Timeout)
	}
	return &Client{http: c, model: p.Model}
}

// chatRequest is the OpenAI chat completion request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the minimal OpenAI chat completion response we need.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatErrorResponse captures an API error from the LLM provider.
type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// anchorSelection is the JSON object the model is told to produce.
type anchorSelection struct {
	SelectedAnchors []string `json:"selected_anchors"`
}

// SelectAnchors asks the model which candidates best match description.
// The result holds at most MaxAnchors non-blank strings, best first.
func (c *Client) SelectAnchors(ctx context.Context, description string, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(description, candidates)},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var chatResp chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(reqBody).
		SetResult(&chatResp).
		Post("/chat/completions")
	if err != nil {
		return nil, models.NewCaptureError(models.ErrCodeLLMFailure, "LLM request failed", err)
	}

	// Handle error status codes.
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyLLMError(resp.StatusCode(), resp.Body())
	}

	if len(chatResp.Choices) == 0 {
		return nil, models.NewCaptureError(models.ErrCodeLLMFailure, "LLM returned no choices", nil)
	}

	return parseSelection(chatResp.Choices[0].Message.Content)
}

// parseSelection decodes the model output and bounds it.
func parseSelection(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var sel anchorSelection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return nil, models.NewCaptureError(models.ErrCodeLLMFailure, "LLM returned invalid JSON", err)
	}

	out := make([]string, 0, MaxAnchors)
	for _, a := range sel.SelectedAnchors {
		if strings.TrimSpace(a) == "" {
			continue
		}
		out = append(out, a)
		if len(out) == MaxAnchors {
			break
		}
	}
	return out, nil
}

const systemPrompt = `You match natural-language descriptions of page elements to text that is actually present on the page.

Rules:
- Choose between 0 and 4 strings from the numbered candidate list, best match first.
- Copy each chosen string EXACTLY as written in the list. Never invent, shorten or paraphrase.
- If nothing matches, return an empty list.
- Return ONLY a JSON object of the form {"selected_anchors": ["..."]}.`

// buildUserPrompt numbers the candidates so the model can refer to them.
func buildUserPrompt(description string, candidates []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target element: %s\n\nCandidates:\n", description)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}

// classifyLLMError maps HTTP status codes to appropriate error codes.
func classifyLLMError(statusCode int, body []byte) *models.CaptureError {
	var errResp chatErrorResponse
	msg := "LLM API error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return models.NewCaptureError(models.ErrCodeLLMAuthFailure, msg, nil)
	case statusCode == http.StatusTooManyRequests:
		return models.NewCaptureError(models.ErrCodeLLMRateLimited, msg, nil)
	default:
		return models.NewCaptureError(models.ErrCodeLLMFailure, fmt.Sprintf("LLM API returned %d: %s", statusCode, msg), nil)
	}
}
