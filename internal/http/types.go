package http

import (
	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/workflow"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status      string          `json:"status"`
	Version     string          `json:"version,omitempty"`
	Session     string          `json:"session"`
	Workflow    *workflow.State `json:"workflow,omitempty"`
	Phase       string          `json:"current_phase,omitempty"`
	Outstanding []string        `json:"outstanding,omitempty"`
	Complete    bool            `json:"complete"`
	Counts      StatusCounts    `json:"counts"`
}

// StatusCounts summarizes the history archive. -1 means unknown.
type StatusCounts struct {
	Archived  int `json:"archived"`
	Completed int `json:"completed"`
}

// HistoryResponse is the response body for GET /api/v1/history.
type HistoryResponse struct {
	Workflows []*archive.Record `json:"workflows"`
}

// ValidateRequest is the request body for POST /api/v1/validate.
type ValidateRequest struct {
	Paths  []string `json:"paths"`
	Strict bool     `json:"strict"`
	// Type applies to paths the registry cannot resolve.
	Type string `json:"type,omitempty"`
}
