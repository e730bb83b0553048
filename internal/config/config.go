// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Weights are the matching score weights; they must sum to 1.
type Weights struct {
	Distance    float64
	Time        float64
	Category    float64
	Capacity    float64
	Reliability float64
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Distance + w.Time + w.Category + w.Capacity + w.Reliability
}

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Storage. Empty DatabaseURL selects the in-memory store (dev/tests).
	DatabaseURL string

	// Event bus. Empty NATSURL disables the NATS mirror.
	NATSURL string

	// JWT settings.
	JWTSecret     string
	JWTExpiration time.Duration

	// Admin bootstrap.
	AdminAPIKey string

	// Matching.
	MatchMaxRadiusMiles     float64
	MatchTopRecommendations int
	MatchWeights            Weights

	// Compliance.
	ComplianceMaxRefrigerationWindow time.Duration
	ComplianceMinExpirationBuffer    time.Duration
	ComplianceMaxDistanceMiles       float64
	ComplianceBlockedKeywords        []string

	// Providers.
	GeocodeURL       string // empty: degraded centroid fallback only
	GeocodeTimeout   time.Duration
	RouteTimeout     time.Duration
	EnrichURL        string // empty: heuristic fallback only
	EnrichModel      string
	EnrichTimeout    time.Duration
	ProviderCacheTTL time.Duration

	// Audit.
	AuditRetentionDays int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel         string
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	ExpirySweepEvery time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("SHARELOOP_PORT", 8080),
		ReadTimeout:         envDuration("SHARELOOP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("SHARELOOP_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(envInt("SHARELOOP_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),

		DatabaseURL: envStr("DATABASE_URL", ""),
		NATSURL:     envStr("NATS_URL", ""),

		JWTSecret:     envStr("SHARELOOP_JWT_SECRET", ""),
		JWTExpiration: envDuration("SHARELOOP_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:   envStr("SHARELOOP_ADMIN_API_KEY", ""),

		MatchMaxRadiusMiles:     envFloat("SHARELOOP_MATCH_MAX_RADIUS_MILES", 50),
		MatchTopRecommendations: envInt("SHARELOOP_MATCH_TOP_RECOMMENDATIONS", 5),
		MatchWeights: Weights{
			Distance:    envFloat("SHARELOOP_MATCH_WEIGHT_DISTANCE", 0.30),
			Time:        envFloat("SHARELOOP_MATCH_WEIGHT_TIME", 0.25),
			Category:    envFloat("SHARELOOP_MATCH_WEIGHT_CATEGORY", 0.20),
			Capacity:    envFloat("SHARELOOP_MATCH_WEIGHT_CAPACITY", 0.15),
			Reliability: envFloat("SHARELOOP_MATCH_WEIGHT_RELIABILITY", 0.10),
		},

		ComplianceMaxRefrigerationWindow: envDuration("SHARELOOP_COMPLIANCE_MAX_REFRIGERATION_WINDOW", 2*time.Hour),
		ComplianceMinExpirationBuffer:    envDuration("SHARELOOP_COMPLIANCE_MIN_EXPIRATION_BUFFER", 24*time.Hour),
		ComplianceMaxDistanceMiles:       envFloat("SHARELOOP_COMPLIANCE_MAX_DISTANCE_MILES", 100),
		ComplianceBlockedKeywords: envList("SHARELOOP_COMPLIANCE_BLOCKED_KEYWORDS",
			[]string{"spoiled", "moldy", "damaged", "rotten", "contaminated"}),

		GeocodeURL:       envStr("SHARELOOP_GEOCODE_URL", ""),
		GeocodeTimeout:   envDuration("SHARELOOP_GEOCODE_TIMEOUT", 10*time.Second),
		RouteTimeout:     envDuration("SHARELOOP_ROUTE_TIMEOUT", 10*time.Second),
		EnrichURL:        envStr("SHARELOOP_ENRICH_URL", ""),
		EnrichModel:      envStr("SHARELOOP_ENRICH_MODEL", "llama3.1"),
		EnrichTimeout:    envDuration("SHARELOOP_ENRICH_TIMEOUT", 30*time.Second),
		ProviderCacheTTL: envDuration("SHARELOOP_PROVIDER_CACHE_TTL", 15*time.Minute),

		AuditRetentionDays: envInt("SHARELOOP_AUDIT_RETENTION_DAYS", 730),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "shareloop"),

		LogLevel:         envStr("SHARELOOP_LOG_LEVEL", "info"),
		RateLimitEnabled: envBool("SHARELOOP_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     envFloat("SHARELOOP_RATE_LIMIT_RPS", 10),
		RateLimitBurst:   envInt("SHARELOOP_RATE_LIMIT_BURST", 30),
		ExpirySweepEvery: envDuration("SHARELOOP_EXPIRY_SWEEP_EVERY", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants on the loaded configuration.
func (c Config) Validate() error {
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SHARELOOP_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MatchMaxRadiusMiles <= 0 {
		return fmt.Errorf("config: SHARELOOP_MATCH_MAX_RADIUS_MILES must be positive")
	}
	if c.MatchTopRecommendations <= 0 {
		return fmt.Errorf("config: SHARELOOP_MATCH_TOP_RECOMMENDATIONS must be positive")
	}
	if sum := c.MatchWeights.Sum(); math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("config: match weights must sum to 1, got %v", sum)
	}
	if c.ComplianceMaxDistanceMiles <= 0 {
		return fmt.Errorf("config: SHARELOOP_COMPLIANCE_MAX_DISTANCE_MILES must be positive")
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("config: SHARELOOP_AUDIT_RETENTION_DAYS must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: SHARELOOP_RATE_LIMIT_RPS and SHARELOOP_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
