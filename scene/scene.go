// Package scene carries per-scene evidence through the capture pipeline as
// an explicit variant rather than free-text notes.
package scene

import "github.com/use-agent/evidence/models"

// Evidence is the evidence state of a scene. It is one of NotInvestigated,
// Investigated, Captured or Failed.
type Evidence interface {
	isEvidence()
}

// NotInvestigated means no source has been found for the scene yet.
type NotInvestigated struct{}

// Investigated holds the ranked sources found by an upstream stage.
type Investigated struct {
	URL         string
	Credibility float64
	Fallbacks   []string
}

// Captured holds the bundle produced from SourceURL.
type Captured struct {
	SourceURL string
	Bundle    *models.CaptureResult
}

// Failed records why no usable evidence exists.
type Failed struct {
	Reason string
}

func (NotInvestigated) isEvidence() {}
func (Investigated) isEvidence()    {}
func (Captured) isEvidence()        {}
func (Failed) isEvidence()          {}

// View state names.
const (
	StateNotInvestigated = "not_investigated"
	StateInvestigated    = "investigated"
	StateCaptured        = "captured"
	StateFailed          = "failed"
)

// Scene is a unit of the storyboard that may need visual evidence.
type Scene struct {
	ID          string
	Description string
	Evidence    Evidence
}

// View renders a scene's evidence for API responses.
func View(s *Scene) *models.SceneEvidence {
	v := &models.SceneEvidence{SceneID: s.ID}
	switch e := s.Evidence.(type) {
	case Investigated:
		v.State = StateInvestigated
		v.SourceURL = e.URL
	case Captured:
		v.State = StateCaptured
		v.SourceURL = e.SourceURL
		v.Result = e.Bundle
	case Failed:
		v.State = StateFailed
		v.Reason = e.Reason
	default:
		v.State = StateNotInvestigated
	}
	return v
}
