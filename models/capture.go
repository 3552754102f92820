package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// CaptureRequest is the payload for POST /api/v1/capture. Once defaults
// are applied it is treated as immutable for the lifetime of the capture.
type CaptureRequest struct {
	// URL is the page holding the evidence. Required.
	URL string `json:"url" binding:"required,url"`

	// Description is the natural-language description of the target element. Required.
	Description string `json:"description" binding:"required"`

	// SceneID names the artifacts: {output_dir}/scene_{id}_{variant}.png. Required.
	SceneID string `json:"scene_id" binding:"required"`

	// OutputDir is where PNG artifacts are written.
	// Default: EVIDENCE_CAPTURE_OUTPUT_DIR.
	OutputDir string `json:"output_dir,omitempty"`

	// Timeout is the overall capture deadline in seconds.
	// Default: 30. Max: 120.
	Timeout int `json:"timeout,omitempty" binding:"omitempty,min=1,max=120"`

	// Padding is the margin in pixels added around the element for the
	// element_padded and context variants. Default: 20.
	Padding *int `json:"padding,omitempty" binding:"omitempty,min=0,max=500"`

	// MaxAge enables the result cache when > 0 (milliseconds).
	MaxAge int `json:"max_age,omitempty"`
}

var sceneIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSceneID reports whether id is safe to embed in artifact file names.
func ValidSceneID(id string) bool {
	return sceneIDPattern.MatchString(id)
}

// Defaults applies default values to unset fields.
func (r *CaptureRequest) Defaults(outputDir string, timeout time.Duration, padding int) {
	if r.OutputDir == "" {
		r.OutputDir = outputDir
	}
	if r.Timeout == 0 {
		r.Timeout = int(timeout.Seconds())
	}
	if r.Padding == nil {
		p := padding
		r.Padding = &p
	}
}

// Validate checks the fields that struct tags cannot express.
func (r *CaptureRequest) Validate() error {
	if !sceneIDPattern.MatchString(r.SceneID) {
		return NewCaptureError(ErrCodeInvalidInput,
			fmt.Sprintf("scene_id %q must match %s", r.SceneID, sceneIDPattern), nil)
	}
	if r.Padding != nil && *r.Padding < 0 {
		return NewCaptureError(ErrCodeInvalidInput, "padding must not be negative", nil)
	}
	return nil
}

// TimeoutDuration returns the overall deadline as a time.Duration.
func (r *CaptureRequest) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// PaddingPx returns the padding in pixels (0 when unset).
func (r *CaptureRequest) PaddingPx() int {
	if r.Padding == nil {
		return 0
	}
	return *r.Padding
}

// Status is the outcome of one capture request.
type Status string

const (
	// StatusSuccess means an element-specific bounding box was found and captured.
	StatusSuccess Status = "success"
	// StatusPartial means only the generic viewport/fullpage captures exist.
	StatusPartial Status = "partial"
	// StatusFailed means no capture exists at all.
	StatusFailed Status = "failed"
)

// Variant identifies one screenshot artifact.
type Variant string

const (
	VariantFullPage      Variant = "fullpage"
	VariantViewport      Variant = "viewport"
	VariantElementPadded Variant = "element_padded"
	VariantElementTight  Variant = "element_tight"
	VariantContext       Variant = "context"
)

// Variants lists every artifact variant in fallback-chain order, most
// precise first.
var Variants = []Variant{
	VariantElementPadded,
	VariantElementTight,
	VariantContext,
	VariantViewport,
	VariantFullPage,
}

// ArtifactPath returns {dir}/scene_{id}_{variant}.png.
func ArtifactPath(dir, sceneID string, v Variant) string {
	return filepath.Join(dir, fmt.Sprintf("scene_%s_%s.png", sceneID, v))
}

// CaptureResult is the bundle produced by one capture request. Empty
// strings mean the artifact or field is absent.
type CaptureResult struct {
	Status Status `json:"status"`

	ElementPaddedPath string `json:"element_padded_path,omitempty"`
	ElementTightPath  string `json:"element_tight_path,omitempty"`
	ContextPath       string `json:"context_path,omitempty"`
	ViewportPath      string `json:"viewport_path,omitempty"`
	FullPagePath      string `json:"fullpage_path,omitempty"`

	ElementSelector string `json:"element_selector,omitempty"`
	AnchorTextFound string `json:"anchor_text_found,omitempty"`
	StrategyUsed    string `json:"strategy_used,omitempty"`

	TimingMs     int64  `json:"timing_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	// CacheStatus is "hit" or "miss" when the API cache was consulted.
	CacheStatus string `json:"cache_status,omitempty"`
}

// NewCaptureResult returns the initial lifecycle state: failed, no timing.
func NewCaptureResult() *CaptureResult {
	return &CaptureResult{Status: StatusFailed}
}

// SetArtifact records the file path of a successfully written variant.
func (r *CaptureResult) SetArtifact(v Variant, path string) {
	switch v {
	case VariantFullPage:
		r.FullPagePath = path
	case VariantViewport:
		r.ViewportPath = path
	case VariantElementPadded:
		r.ElementPaddedPath = path
	case VariantElementTight:
		r.ElementTightPath = path
	case VariantContext:
		r.ContextPath = path
	}
}

// Artifact returns the path recorded for v, or "".
func (r *CaptureResult) Artifact(v Variant) string {
	switch v {
	case VariantFullPage:
		return r.FullPagePath
	case VariantViewport:
		return r.ViewportPath
	case VariantElementPadded:
		return r.ElementPaddedPath
	case VariantElementTight:
		return r.ElementTightPath
	case VariantContext:
		return r.ContextPath
	}
	return ""
}

// Artifacts returns the recorded paths keyed by variant.
func (r *CaptureResult) Artifacts() map[Variant]string {
	out := make(map[Variant]string, len(Variants))
	for _, v := range Variants {
		if p := r.Artifact(v); p != "" {
			out[v] = p
		}
	}
	return out
}

// Fail records err as the result's error code and message. The status is
// left untouched: whether the request ends failed or partial depends on
// which captures already succeeded.
func (r *CaptureResult) Fail(err error) {
	ce := AsCaptureError(err)
	r.ErrorCode = ce.Code
	r.ErrorMessage = ce.Message
	if ce.Err != nil {
		r.ErrorMessage += ": " + ce.Err.Error()
	}
}
