package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/use-agent/evidence/models"
)

func main() {
	apiURL := os.Getenv("EVIDENCE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("EVIDENCE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "EVIDENCE_API_KEY is required")
		os.Exit(1)
	}

	client := newAPIClient(apiURL, apiKey)

	s := server.NewMCPServer(
		"evidence",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	captureTool := mcp.NewTool("capture_evidence",
		mcp.WithDescription("Screenshot the element of a web page that matches a natural-language description. Returns paths to element, context, viewport and full-page PNGs; degrades to generic captures when the element cannot be found."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The page holding the evidence"),
		),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("What to capture, e.g. 'the table of quarterly revenue'"),
		),
		mcp.WithString("scene_id",
			mcp.Required(),
			mcp.Description("Identifier used in artifact file names (letters, digits, '-' and '_')"),
		),
		mcp.WithNumber("padding",
			mcp.Description("Margin in pixels around the element (default 20)"),
		),
	)
	s.AddTool(captureTool, handleCaptureEvidence(client))

	scenesTool := mcp.NewTool("capture_scenes",
		mcp.WithDescription("Capture evidence for several scenes in parallel. Each scene is tried against its URL first, then its fallbacks."),
		mcp.WithArray("scenes",
			mcp.Required(),
			mcp.Description("List of {id, description, url, fallback_urls?} objects"),
		),
	)
	s.AddTool(scenesTool, handleCaptureScenes(client))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// newAPIClient returns a resty client authenticated against the evidence API.
func newAPIClient(apiURL, apiKey string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetHeader("X-API-Key", apiKey).
		SetTimeout(150 * time.Second)
}

func handleCaptureEvidence(client *resty.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}
		description, err := request.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError("description is required"), nil
		}
		sceneID, err := request.RequireString("scene_id")
		if err != nil {
			return mcp.NewToolResultError("scene_id is required"), nil
		}

		req := models.CaptureRequest{URL: url, Description: description, SceneID: sceneID}
		if p := request.GetInt("padding", -1); p >= 0 {
			req.Padding = &p
		}

		var result models.CaptureResult
		var apiErr models.ErrorResponse
		resp, err := client.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&result).
			SetError(&apiErr).
			Post("/api/v1/capture")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("API request failed: %v", err)), nil
		}

		// 422 carries a failed CaptureResult, not an ErrorResponse.
		if resp.StatusCode() == http.StatusUnprocessableEntity {
			if err := json.Unmarshal(resp.Body(), &result); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
			}
		} else if resp.IsError() {
			msg := resp.Status()
			if apiErr.Error != nil {
				msg = fmt.Sprintf("[%s] %s", apiErr.Error.Code, apiErr.Error.Message)
			}
			return mcp.NewToolResultError(msg), nil
		}

		if result.Status == models.StatusFailed {
			return mcp.NewToolResultError(renderResult(&result)), nil
		}
		return mcp.NewToolResultText(renderResult(&result)), nil
	}
}

func handleCaptureScenes(client *resty.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		raw, ok := args["scenes"]
		if !ok {
			return mcp.NewToolResultError("scenes is required"), nil
		}
		scenes, err := decodeScenes(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var accepted models.BatchResponse
		var apiErr models.ErrorResponse
		resp, err := client.R().
			SetContext(ctx).
			SetBody(models.BatchRequest{Scenes: scenes}).
			SetResult(&accepted).
			SetError(&apiErr).
			Post("/api/v1/batch/capture")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch request failed: %v", err)), nil
		}
		if resp.IsError() || accepted.ID == "" {
			msg := "batch job creation failed"
			if apiErr.Error != nil {
				msg = fmt.Sprintf("[%s] %s", apiErr.Error.Code, apiErr.Error.Message)
			}
			return mcp.NewToolResultError(msg), nil
		}

		status, err := pollBatch(ctx, client, accepted.ID, 2*time.Second)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling batch job failed: %v", err)), nil
		}
		return mcp.NewToolResultText(renderBatch(status)), nil
	}
}

// pollBatch polls the batch endpoint until status is no longer
// "processing" or ctx is cancelled.
func pollBatch(ctx context.Context, client *resty.Client, id string, every time.Duration) (*models.BatchStatusResponse, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var status models.BatchStatusResponse
			resp, err := client.R().
				SetContext(ctx).
				SetResult(&status).
				Get("/api/v1/batch/" + id)
			if err != nil {
				return nil, fmt.Errorf("poll request failed: %w", err)
			}
			if resp.IsError() {
				return nil, fmt.Errorf("poll returned %s", resp.Status())
			}
			if status.Status != "processing" {
				return &status, nil
			}
		}
	}
}
