package models

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status   string `json:"status"` // "healthy" or "degraded"
	Uptime   string `json:"uptime"`
	InFlight int    `json:"in_flight"`
	MaxSlots int    `json:"max_slots"`
	Version  string `json:"version"`
}
