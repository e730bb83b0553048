// Package enrich extracts structured handling and risk information from a
// listing's free text. The primary backend asks a local LLM; the keyword
// scanner serves as the always-available fallback and as the sole provider
// when no model is configured.
package enrich

import (
	"context"

	"github.com/shareloop/shareloop/internal/model"
)

// Status reports how an enrichment result was produced.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Result is the structured output of enrichment.
type Result struct {
	NormalizedCategory   model.Category   `json:"normalizedCategory,omitempty"`
	ExtractedCategories  []model.Category `json:"extractedCategories,omitempty"`
	HandlingRequirements []string         `json:"handlingRequirements,omitempty"`
	RiskScore            float64          `json:"riskScore"`
	RiskFlags            []string         `json:"riskFlags,omitempty"`
	Confidence           float64          `json:"confidence"`
	Status               Status           `json:"status"`
}

// Provider enriches a listing. Implementations must respect ctx cancellation;
// the orchestrator imposes a hard timeout around every call.
type Provider interface {
	Enrich(ctx context.Context, listing *model.SurplusListing) (Result, error)
}
