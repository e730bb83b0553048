package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shareloop/shareloop/internal/model"
)

// LLM asks a local Ollama-compatible server to classify the listing. On any
// failure it falls back to the keyword scanner and marks the result degraded,
// so enrichment as a whole never fails.
type LLM struct {
	baseURL    string
	modelName  string
	httpClient *http.Client
	logger     *slog.Logger
	fallback   Keyword
}

// NewLLM creates an LLM provider. Model should be an instruct model available
// on the server, e.g. "llama3.1:8b".
func NewLLM(baseURL, modelName string, timeout time.Duration, logger *slog.Logger) *LLM {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &LLM{
		baseURL:    baseURL,
		modelName:  modelName,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

const promptTemplate = `You classify surplus goods listings for a logistics platform.
Given the listing below, respond with ONLY a JSON object of the shape
{"category": string, "handlingRequirements": [string], "riskScore": number, "riskFlags": [string], "confidence": number}.
category must be one of: perishable_food, non_perishable_food, beverages, water, medical_supplies, hygiene_products, blankets, tents, clothing, baby_supplies, pet_supplies, cleaning_supplies.
riskScore is 0-100. handlingRequirements draw from: refrigeration, fragile, heavy.

Title: %s
Description: %s
Quality notes: %s
Declared category: %s
Requires refrigeration: %t`

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type llmVerdict struct {
	Category             string   `json:"category"`
	HandlingRequirements []string `json:"handlingRequirements"`
	RiskScore            float64  `json:"riskScore"`
	RiskFlags            []string `json:"riskFlags"`
	Confidence           float64  `json:"confidence"`
}

// Enrich classifies the listing via the model, falling back to keywords.
func (p *LLM) Enrich(ctx context.Context, listing *model.SurplusListing) (Result, error) {
	verdict, err := p.generate(ctx, listing)
	if err != nil {
		p.logger.Warn("enrich: llm degraded", "listing", listing.ID, "error", err)
		return p.fallback.Enrich(ctx, listing)
	}

	category := model.Category(verdict.Category)
	if !model.ValidCategory(category) {
		category = listing.Category
	}
	score := verdict.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Result{
		NormalizedCategory:   category,
		ExtractedCategories:  []model.Category{category},
		HandlingRequirements: verdict.HandlingRequirements,
		RiskScore:            score,
		RiskFlags:            verdict.RiskFlags,
		Confidence:           verdict.Confidence,
		Status:               StatusSuccess,
	}, nil
}

func (p *LLM) generate(ctx context.Context, listing *model.SurplusListing) (llmVerdict, error) {
	prompt := fmt.Sprintf(promptTemplate,
		listing.Title, listing.Description, listing.QualityNotes,
		listing.Category, listing.RequiresRefrigeration)

	body, err := json.Marshal(generateRequest{
		Model:  p.modelName,
		Prompt: prompt,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return llmVerdict{}, fmt.Errorf("enrich: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return llmVerdict{}, fmt.Errorf("enrich: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llmVerdict{}, fmt.Errorf("enrich: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return llmVerdict{}, fmt.Errorf("enrich: status %d: %s", resp.StatusCode, string(b))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return llmVerdict{}, fmt.Errorf("enrich: decode response: %w", err)
	}
	var verdict llmVerdict
	if err := json.Unmarshal([]byte(gr.Response), &verdict); err != nil {
		return llmVerdict{}, fmt.Errorf("enrich: parse model output: %w", err)
	}
	return verdict, nil
}
