// Package compliance gates matches on food-safety and logistics rules. Every
// rule always runs; only error-severity failures block. Rule ids are stable
// across releases, and RulesetVersion advances whenever the set changes.
package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shareloop/shareloop/internal/model"
)

// RulesetVersion identifies the active rule set in audit records.
const RulesetVersion = "2025-06"

// Config tunes the rule thresholds.
type Config struct {
	MaxRefrigerationWindow time.Duration
	MinExpirationBuffer    time.Duration
	MaxDistanceMiles       float64
	BlockedKeywords        []string
}

// DefaultBlockedKeywords is the stock QUAL-001 keyword set.
var DefaultBlockedKeywords = []string{"spoiled", "moldy", "damaged", "rotten", "contaminated"}

// Evaluation is the outcome of running all rules against one pair.
type Evaluation struct {
	Passed    bool                `json:"passed"`
	Checks    []model.CheckResult `json:"checks"`
	BlockedBy []string            `json:"blockedBy,omitempty"`
	Version   string              `json:"version"`
}

// Engine evaluates compliance rules.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine. Zero thresholds fall back to the defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxRefrigerationWindow == 0 {
		cfg.MaxRefrigerationWindow = 2 * time.Hour
	}
	if cfg.MinExpirationBuffer == 0 {
		cfg.MinExpirationBuffer = 24 * time.Hour
	}
	if cfg.MaxDistanceMiles == 0 {
		cfg.MaxDistanceMiles = 100
	}
	if len(cfg.BlockedKeywords) == 0 {
		cfg.BlockedKeywords = DefaultBlockedKeywords
	}
	return &Engine{cfg: cfg}
}

// refrigerationTokens satisfy REF-001's handling requirement check.
var refrigerationTokens = []string{"refrigeration", "refrigerated", "cold chain", "cold_chain", "chilled", "frozen"}

// Evaluate runs every rule. distanceMiles < 0 means the distance could not
// be computed and DIST-001 passes vacuously.
func (e *Engine) Evaluate(listing *model.SurplusListing, demand *model.DemandPost, distanceMiles float64, now time.Time) Evaluation {
	checks := []model.CheckResult{
		e.checkRefrigeration(listing),
		e.checkExpiration(listing, now),
		e.checkQualityNotes(listing),
		checkPickupWindow(listing, now),
		checkCapacity(listing, demand),
		e.checkDistance(distanceMiles),
	}

	ev := Evaluation{Passed: true, Checks: checks, Version: RulesetVersion}
	for _, c := range checks {
		if !c.Passed && c.Severity == model.SeverityError {
			ev.Passed = false
			ev.BlockedBy = append(ev.BlockedBy, c.RuleID)
		}
	}
	return ev
}

func (e *Engine) checkRefrigeration(l *model.SurplusListing) model.CheckResult {
	c := model.CheckResult{RuleID: "REF-001", RuleName: "Refrigeration", Severity: model.SeverityError, Passed: true}
	if !l.RequiresRefrigeration {
		c.Message = "refrigeration not required"
		return c
	}
	if l.PickupWindow.Duration() > e.cfg.MaxRefrigerationWindow {
		c.Passed = false
		c.Message = fmt.Sprintf("pickup window %s exceeds refrigeration limit %s",
			l.PickupWindow.Duration(), e.cfg.MaxRefrigerationWindow)
		return c
	}
	for _, req := range l.HandlingRequirements {
		lower := strings.ToLower(req)
		for _, tok := range refrigerationTokens {
			if strings.Contains(lower, tok) {
				c.Message = "refrigerated handling declared"
				return c
			}
		}
	}
	c.Passed = false
	c.Message = "requiresRefrigeration set but no refrigerated handling requirement declared"
	return c
}

func (e *Engine) checkExpiration(l *model.SurplusListing, now time.Time) model.CheckResult {
	c := model.CheckResult{RuleID: "EXP-001", RuleName: "Expiration", Severity: model.SeverityError, Passed: true}
	if l.ExpirationDate.IsZero() {
		c.Message = "no expiration date"
		return c
	}
	earliest := now.Add(e.cfg.MinExpirationBuffer)
	if l.ExpirationDate.Before(earliest) {
		c.Passed = false
		c.Message = fmt.Sprintf("expires %s, inside the %s safety buffer",
			l.ExpirationDate.Format(time.RFC3339), e.cfg.MinExpirationBuffer)
	}
	return c
}

func (e *Engine) checkQualityNotes(l *model.SurplusListing) model.CheckResult {
	c := model.CheckResult{RuleID: "QUAL-001", RuleName: "Quality notes", Severity: model.SeverityError, Passed: true}
	notes := strings.ToLower(l.QualityNotes)
	for _, kw := range e.cfg.BlockedKeywords {
		if kw != "" && strings.Contains(notes, strings.ToLower(kw)) {
			c.Passed = false
			c.Message = fmt.Sprintf("quality notes contain blocked keyword %q", kw)
			return c
		}
	}
	return c
}

func checkPickupWindow(l *model.SurplusListing, now time.Time) model.CheckResult {
	c := model.CheckResult{RuleID: "TIME-001", RuleName: "Pickup window", Severity: model.SeverityError, Passed: true}
	if l.PickupWindow.Start.Before(now) {
		c.Passed = false
		c.Message = "pickup window starts in the past"
	}
	return c
}

// lowUtilizationFloor is the utilization below which CAP-001 warns.
const lowUtilizationFloor = 0.2

func checkCapacity(l *model.SurplusListing, d *model.DemandPost) model.CheckResult {
	c := model.CheckResult{RuleID: "CAP-001", RuleName: "Capacity", Severity: model.SeverityError, Passed: true}
	if d.Capacity <= 0 || l.Quantity > d.Capacity {
		c.Passed = false
		c.Message = fmt.Sprintf("listing quantity %.1f exceeds demand capacity %.1f", l.Quantity, d.Capacity)
		return c
	}
	if l.Quantity/d.Capacity < lowUtilizationFloor {
		c.Severity = model.SeverityWarning
		c.Message = fmt.Sprintf("utilization %.0f%% is below %.0f%%",
			l.Quantity/d.Capacity*100, lowUtilizationFloor*100)
	}
	return c
}

func (e *Engine) checkDistance(distanceMiles float64) model.CheckResult {
	c := model.CheckResult{RuleID: "DIST-001", RuleName: "Distance", Severity: model.SeverityWarning, Passed: true}
	if distanceMiles < 0 {
		c.Message = "distance not computed"
		return c
	}
	if distanceMiles > e.cfg.MaxDistanceMiles {
		c.Passed = false
		c.Message = fmt.Sprintf("distance %.1f mi exceeds advisory limit %.0f mi",
			distanceMiles, e.cfg.MaxDistanceMiles)
	}
	return c
}

// ApproveOverride returns a copy of ev with failing checks annotated and the
// evaluation marked passed. The caller records the approver and justification
// on the match and in the audit log.
func ApproveOverride(ev Evaluation, justification string) Evaluation {
	out := Evaluation{Passed: true, Version: ev.Version}
	out.Checks = make([]model.CheckResult, len(ev.Checks))
	copy(out.Checks, ev.Checks)
	for i := range out.Checks {
		if !out.Checks[i].Passed {
			out.Checks[i].Message = strings.TrimSpace(out.Checks[i].Message) +
				fmt.Sprintf(" (overridden: %s)", justification)
		}
	}
	return out
}
