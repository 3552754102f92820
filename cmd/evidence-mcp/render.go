package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/use-agent/evidence/models"
)

// decodeScenes converts the loosely typed tool argument into batch scenes.
func decodeScenes(raw any) ([]models.BatchScene, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("scenes: %w", err)
	}
	var scenes []models.BatchScene
	if err := json.Unmarshal(b, &scenes); err != nil {
		return nil, fmt.Errorf("scenes must be an array of {id, description, url} objects: %w", err)
	}
	if len(scenes) == 0 {
		return nil, fmt.Errorf("scenes must not be empty")
	}
	return scenes, nil
}

// renderResult formats a capture bundle for the model, most precise
// artifact first.
func renderResult(r *models.CaptureResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s (%d ms)\n", r.Status, r.TimingMs)
	if r.ElementSelector != "" {
		fmt.Fprintf(&sb, "Element: %s\n", r.ElementSelector)
	}
	if r.AnchorTextFound != "" {
		fmt.Fprintf(&sb, "Anchor: %q via %s\n", r.AnchorTextFound, r.StrategyUsed)
	}
	if r.ErrorCode != "" {
		fmt.Fprintf(&sb, "Error: [%s] %s\n", r.ErrorCode, r.ErrorMessage)
	}

	arts := r.Artifacts()
	if len(arts) > 0 {
		sb.WriteString("\nArtifacts:\n")
		for _, v := range models.Variants {
			if p, ok := arts[v]; ok {
				fmt.Fprintf(&sb, "- %s: %s\n", v, p)
			}
		}
	}
	return sb.String()
}

// renderBatch formats a finished batch job.
func renderBatch(s *models.BatchStatusResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s: %s (%d/%d completed)\n\n", s.ID, s.Status, s.Completed, s.Total)
	for _, ev := range s.Results {
		switch {
		case ev.Result != nil:
			fmt.Fprintf(&sb, "--- [%s] %s from %s ---\n%s\n", ev.SceneID, ev.State, ev.SourceURL, renderResult(ev.Result))
		case ev.Reason != "":
			fmt.Fprintf(&sb, "--- [%s] %s: %s ---\n\n", ev.SceneID, ev.State, ev.Reason)
		default:
			fmt.Fprintf(&sb, "--- [%s] %s ---\n\n", ev.SceneID, ev.State)
		}
	}
	return sb.String()
}
