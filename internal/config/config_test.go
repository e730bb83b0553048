package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 50.0, cfg.MatchMaxRadiusMiles)
	assert.Equal(t, 5, cfg.MatchTopRecommendations)
	assert.InDelta(t, 1.0, cfg.MatchWeights.Sum(), 1e-9)
	assert.Equal(t, 2*time.Hour, cfg.ComplianceMaxRefrigerationWindow)
	assert.Equal(t, 24*time.Hour, cfg.ComplianceMinExpirationBuffer)
	assert.Equal(t, 100.0, cfg.ComplianceMaxDistanceMiles)
	assert.Equal(t, []string{"spoiled", "moldy", "damaged", "rotten", "contaminated"}, cfg.ComplianceBlockedKeywords)
	assert.Equal(t, 10*time.Second, cfg.GeocodeTimeout)
	assert.Equal(t, 30*time.Second, cfg.EnrichTimeout)
	assert.Equal(t, 730, cfg.AuditRetentionDays)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SHARELOOP_PORT", "9999")
	t.Setenv("SHARELOOP_MATCH_MAX_RADIUS_MILES", "25")
	t.Setenv("SHARELOOP_COMPLIANCE_BLOCKED_KEYWORDS", "bad, worse ,")
	t.Setenv("SHARELOOP_ENRICH_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 25.0, cfg.MatchMaxRadiusMiles)
	assert.Equal(t, []string{"bad", "worse"}, cfg.ComplianceBlockedKeywords)
	assert.Equal(t, 5*time.Second, cfg.EnrichTimeout)
}

func TestLoad_WeightsMustSumToOne(t *testing.T) {
	t.Setenv("SHARELOOP_MATCH_WEIGHT_DISTANCE", "0.9")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1")
}

func TestValidate_RejectsNonPositive(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.MatchTopRecommendations = 0
	assert.Error(t, cfg.Validate())
}
