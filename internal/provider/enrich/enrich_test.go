package enrich

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyword_HandlingFamilies(t *testing.T) {
	tests := []struct {
		name    string
		listing model.SurplusListing
		want    []string
	}{
		{
			name:    "refrigeration from description",
			listing: model.SurplusListing{Title: "milk crates", Description: "dairy, keep chilled"},
			want:    []string{"refrigeration"},
		},
		{
			name:    "fragile from title",
			listing: model.SurplusListing{Title: "glass jars of preserves"},
			want:    []string{"fragile"},
		},
		{
			name:    "heavy from notes",
			listing: model.SurplusListing{Title: "canned soup", QualityNotes: "full pallet, forklift needed"},
			want:    []string{"heavy"},
		},
		{
			name:    "declared refrigeration flag",
			listing: model.SurplusListing{Title: "mystery boxes", RequiresRefrigeration: true},
			want:    []string{"refrigeration"},
		},
		{
			name:    "no families",
			listing: model.SurplusListing{Title: "blankets"},
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Keyword{}.Enrich(context.Background(), &tt.listing)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got.HandlingRequirements)
			assert.Equal(t, StatusDegraded, got.Status)
		})
	}
}

func TestKeyword_RiskScore(t *testing.T) {
	l := &model.SurplusListing{
		Title:        "assorted produce",
		QualityNotes: "some items near expiry, two boxes damaged",
	}
	got, err := Keyword{}.Enrich(context.Background(), l)
	require.NoError(t, err)
	assert.InDelta(t, 45, got.RiskScore, 0.001, "near expiry (15) + damaged (30)")
	assert.ElementsMatch(t, []string{"near expiry", "damaged"}, got.RiskFlags)
}

func TestKeyword_RiskScoreCapped(t *testing.T) {
	l := &model.SurplusListing{
		Title:       "recall",
		Description: "expired damaged opened unlabeled recall",
	}
	got, err := Keyword{}.Enrich(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.RiskScore)
}

func TestKeyword_DeterministicOrdering(t *testing.T) {
	l := &model.SurplusListing{
		Title:       "damaged glass jars on a heavy pallet",
		Description: "expired dairy, some opened and unlabeled, recall notice",
	}
	first, err := Keyword{}.Enrich(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, []string{"fragile", "heavy", "refrigeration"}, first.HandlingRequirements)
	assert.Equal(t, []string{"damaged", "expired", "opened", "recall", "unlabeled"}, first.RiskFlags)

	for range 5 {
		again, err := Keyword{}.Enrich(context.Background(), l)
		require.NoError(t, err)
		assert.Equal(t, first.HandlingRequirements, again.HandlingRequirements)
		assert.Equal(t, first.RiskFlags, again.RiskFlags)
	}
}

func TestLLM_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json", req.Format)

		verdict := `{"category":"perishable_food","handlingRequirements":["refrigeration"],"riskScore":22,"riskFlags":["near expiry"],"confidence":0.9}`
		_ = json.NewEncoder(w).Encode(generateResponse{Response: verdict})
	}))
	defer srv.Close()

	p := NewLLM(srv.URL, "llama3.1:8b", time.Second, discard())
	got, err := p.Enrich(context.Background(), &model.SurplusListing{
		Title:    "yogurt cups",
		Category: model.CategoryPerishableFood,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, model.CategoryPerishableFood, got.NormalizedCategory)
	assert.Equal(t, 22.0, got.RiskScore)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestLLM_UnknownCategoryKeepsDeclared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{
			Response: `{"category":"gadgets","riskScore":-5,"confidence":0.5}`,
		})
	}))
	defer srv.Close()

	p := NewLLM(srv.URL, "m", time.Second, discard())
	got, err := p.Enrich(context.Background(), &model.SurplusListing{Category: model.CategoryClothing})
	require.NoError(t, err)
	assert.Equal(t, model.CategoryClothing, got.NormalizedCategory)
	assert.Equal(t, 0.0, got.RiskScore, "negative scores clamp to zero")
}

func TestLLM_FallsBackToKeyword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewLLM(srv.URL, "m", time.Second, discard())
	got, err := p.Enrich(context.Background(), &model.SurplusListing{
		Title:       "frozen vegetables",
		Description: "keep frozen",
		Category:    model.CategoryPerishableFood,
	})
	require.NoError(t, err, "enrichment never hard-fails")
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Contains(t, got.HandlingRequirements, "refrigeration")
}

func TestLLM_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewLLM(srv.URL, "m", 50*time.Millisecond, discard())
	start := time.Now()
	got, err := p.Enrich(context.Background(), &model.SurplusListing{Title: "water bottles"})
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Less(t, time.Since(start), time.Second)
}
