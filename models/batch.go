package models

import "fmt"

// BatchRequest is the payload for POST /api/v1/batch/capture.
type BatchRequest struct {
	// Scenes is the list of scenes to capture evidence for. Required.
	Scenes []BatchScene `json:"scenes" binding:"required,min=1,max=100,dive"`

	// OutputDir overrides the default artifact directory for every scene.
	OutputDir string `json:"output_dir,omitempty"`

	// Timeout is the per-URL capture deadline in seconds.
	Timeout int `json:"timeout,omitempty" binding:"omitempty,min=1,max=120"`

	// Padding is the element padding in pixels for every scene.
	Padding *int `json:"padding,omitempty" binding:"omitempty,min=0,max=500"`

	WebhookURL    string `json:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// Validate checks scene ids: each must be a valid, unique scene id since
// artifacts are named after it.
func (r *BatchRequest) Validate() error {
	seen := make(map[string]struct{}, len(r.Scenes))
	for _, s := range r.Scenes {
		if !ValidSceneID(s.ID) {
			return NewCaptureError(ErrCodeInvalidInput,
				fmt.Sprintf("scene id %q must match %s", s.ID, sceneIDPattern), nil)
		}
		if _, dup := seen[s.ID]; dup {
			return NewCaptureError(ErrCodeInvalidInput, fmt.Sprintf("duplicate scene id %q", s.ID), nil)
		}
		seen[s.ID] = struct{}{}
	}
	if r.Padding != nil && *r.Padding < 0 {
		return NewCaptureError(ErrCodeInvalidInput, "padding must not be negative", nil)
	}
	return nil
}

// BatchScene is one investigated scene: a ranked primary URL plus fallbacks.
type BatchScene struct {
	ID           string   `json:"id" binding:"required"`
	Description  string   `json:"description" binding:"required"`
	URL          string   `json:"url" binding:"required,url"`
	Credibility  float64  `json:"credibility,omitempty"`
	FallbackURLs []string `json:"fallback_urls,omitempty" binding:"omitempty,dive,url"`
}

// BatchResponse is the immediate response for POST /api/v1/batch/capture.
type BatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// SceneEvidence is the API view of a scene's evidence state.
type SceneEvidence struct {
	SceneID   string         `json:"scene_id"`
	State     string         `json:"state"` // "not_investigated", "investigated", "captured", "failed"
	SourceURL string         `json:"source_url,omitempty"`
	Result    *CaptureResult `json:"result,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// BatchStatusResponse is the response for GET /api/v1/batch/:id.
type BatchStatusResponse struct {
	ID        string           `json:"id"`
	Status    string           `json:"status"`
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
	Results   []*SceneEvidence `json:"results,omitempty"`
}

// BatchJob tracks an in-progress batch capture operation.
type BatchJob struct {
	ID            string
	Status        string // "processing", "completed", "failed", "partial"
	Total         int
	Completed     int
	Results       []*SceneEvidence
	CreatedAt     int64 // unix timestamp
	WebhookURL    string
	WebhookSecret string
}
