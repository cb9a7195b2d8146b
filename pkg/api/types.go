package api

import (
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

// PaginationResult contains pagination metadata.
type PaginationResult struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status      string              `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
	Deployments []DeploymentSummary `json:"deployments"`
}

// DeploymentSummary describes a deployment and how far it has indexed.
type DeploymentSummary struct {
	Name        string    `json:"name"`
	ID          int64     `json:"id"`
	Hash        string    `json:"hash"`
	ChainType   string    `json:"chain_type"`
	Network     string    `json:"network"`
	Status      string    `json:"status"`
	Failure     string    `json:"failure,omitempty"`
	Running     bool      `json:"running"`
	BlockNumber *uint64   `json:"block_number,omitempty"`
	BlockHash   string    `json:"block_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ManifestResponse is returned after a manifest is stored.
type ManifestResponse struct {
	Hash string `json:"hash"`
}

// CreateIndexerRequest registers a deployment.
type CreateIndexerRequest struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// DeploymentLocatorResponse identifies a created deployment.
type DeploymentLocatorResponse struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
	Hash string `json:"hash"`
}

// EntitiesResponse is a page of entities.
type EntitiesResponse struct {
	Entities   []store.Entity   `json:"entities"`
	Pagination PaginationResult `json:"pagination"`
}

// MaintenanceResponse describes the sqlite maintenance passes run so far.
type MaintenanceResponse struct {
	Enabled   bool              `json:"enabled"`
	LastRun   *time.Time        `json:"last_run,omitempty"`
	Runs      uint64            `json:"runs"`
	LastError string            `json:"last_error,omitempty"`
	Steps     []MaintenanceStep `json:"steps"`
}

// MaintenanceStep is one step of the last maintenance pass.
type MaintenanceStep struct {
	Name       string `json:"name"`
	Skipped    bool   `json:"skipped"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
