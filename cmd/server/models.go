package main

import (
	"github.com/liamcoop/tariffrules/batch"
)

// API request and response models

// BatchRequest is the body of every /evaluate/batch* endpoint
type BatchRequest struct {
	Requests []batch.Request `json:"requests" validate:"required"`
} // @name BatchRequest

// ErrorResponse represents an error response
type ErrorResponse struct {
	Detail string `json:"detail" example:"Rules file not found"`
	Kind   string `json:"kind,omitempty" example:"pool"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status" example:"healthy"`
	ModelSource string `json:"modelSource" example:"file:rules/energy_tariff_calculation.json"`
	CachePolicy string `json:"cachePolicy" example:"reload"`
	PoolWorkers int    `json:"poolWorkers" example:"8"`
	Error       string `json:"error,omitempty"`
} // @name HealthResponse

// ReloadResponse is returned after the cached model is invalidated
type ReloadResponse struct {
	Status  string `json:"status" example:"reloaded"`
	Model   string `json:"model" example:"energy_tariff_calculation"`
	Version string `json:"version,omitempty" example:"1"`
	Rules   int    `json:"rules" example:"6"`
} // @name ReloadResponse
