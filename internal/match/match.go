// Package match scores listing/demand pairs and ranks candidates. The engine
// is pure: it reads its inputs and a time snapshot, never storage, so a
// re-run over the same candidate set is deterministic.
package match

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/config"
	"github.com/shareloop/shareloop/internal/geo"
	"github.com/shareloop/shareloop/internal/model"
)

// Pair is one scored listing/demand combination.
type Pair struct {
	Listing       *model.SurplusListing
	Demand        *model.DemandPost
	Score         float64
	Breakdown     model.ScoreBreakdown
	DistanceMiles float64
}

// Engine filters, scores, and ranks candidate pairs.
type Engine struct {
	maxRadiusMiles float64
	topN           int
	weights        config.Weights
}

// NewEngine creates an engine with the given tuning.
func NewEngine(maxRadiusMiles float64, topN int, weights config.Weights) *Engine {
	return &Engine{maxRadiusMiles: maxRadiusMiles, topN: topN, weights: weights}
}

// matchable statuses for both sides of a pair.
func matchable(s model.EntityStatus) bool {
	return s == model.StatusPosted || s == model.StatusMatched
}

// Rank pairs every listing with every demand, filters, scores, and returns
// the top-N, deterministically ordered. profiles supplies reliability scores
// by user id and may be incomplete.
func (e *Engine) Rank(listings []*model.SurplusListing, demands []*model.DemandPost, profiles map[uuid.UUID]*model.UserProfile, now time.Time) []Pair {
	var pairs []Pair
	for _, l := range listings {
		for _, d := range demands {
			if p, ok := e.evaluate(l, d, profiles, now); ok {
				pairs = append(pairs, p)
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Score != pairs[j].Score {
			return pairs[i].Score > pairs[j].Score
		}
		if pairs[i].DistanceMiles != pairs[j].DistanceMiles {
			return pairs[i].DistanceMiles < pairs[j].DistanceMiles
		}
		return pairs[i].Listing.ID.String() < pairs[j].Listing.ID.String()
	})

	if len(pairs) > e.topN {
		pairs = pairs[:e.topN]
	}
	return pairs
}

// evaluate runs the filter and score stages for one pair.
func (e *Engine) evaluate(l *model.SurplusListing, d *model.DemandPost, profiles map[uuid.UUID]*model.UserProfile, now time.Time) (Pair, bool) {
	if !matchable(l.Status) || !matchable(d.Status) {
		return Pair{}, false
	}
	if l.Geohash == "" || d.Geohash == "" {
		return Pair{}, false
	}
	// Exactly at the radius the distance score is already zero, so the
	// boundary pair is filtered rather than ranked.
	distance := geo.HaversineMiles(l.Location, d.Location)
	if distance >= e.maxRadiusMiles {
		return Pair{}, false
	}

	breakdown := model.ScoreBreakdown{
		Distance:    e.distanceScore(distance),
		Time:        timeScore(l.PickupWindow, d.AcceptanceWindow),
		Category:    categoryScore(l.Category, d),
		Capacity:    capacityScore(l.Quantity, d.Capacity),
		Reliability: reliabilityScore(l.SupplierID, d.RecipientID, profiles),
	}

	raw := e.weights.Distance*breakdown.Distance +
		e.weights.Time*breakdown.Time +
		e.weights.Category*breakdown.Category +
		e.weights.Capacity*breakdown.Capacity +
		e.weights.Reliability*breakdown.Reliability

	return Pair{
		Listing:       l,
		Demand:        d,
		Score:         math.Round(raw*100*100) / 100,
		Breakdown:     breakdown,
		DistanceMiles: distance,
	}, true
}

// distanceScore is 1 at zero distance, 0 at or beyond the radius.
func (e *Engine) distanceScore(distanceMiles float64) float64 {
	if e.maxRadiusMiles <= 0 {
		return 0
	}
	return 1 - math.Min(distanceMiles, e.maxRadiusMiles)/e.maxRadiusMiles
}

// timeScore is the share of the pickup window covered by the acceptance
// window.
func timeScore(pickup, acceptance model.TimeWindow) float64 {
	pickupDur := pickup.Duration()
	if pickupDur <= 0 {
		return 0
	}
	score := float64(pickup.Overlap(acceptance)) / float64(pickupDur)
	return math.Min(math.Max(score, 0), 1)
}

// categoryScore is 1 for an exact category hit, 0.7 for a family hit.
func categoryScore(c model.Category, d *model.DemandPost) float64 {
	if d.AcceptsCategory(c) {
		return 1
	}
	family := model.FamilyOf(c)
	if family == "" {
		return 0
	}
	for _, dc := range d.Categories {
		if model.FamilyOf(dc) == family {
			return 0.7
		}
	}
	return 0
}

// utilizationKnee is the utilization above which capacity scores 1.
const utilizationKnee = 0.7

// capacityScore is 0 when the listing overflows the demand, 1 at or above
// the knee, linear below it.
func capacityScore(quantity, capacity float64) float64 {
	if capacity <= 0 || quantity > capacity {
		return 0
	}
	utilization := quantity / capacity
	if utilization >= utilizationKnee {
		return 1
	}
	return utilization / utilizationKnee
}

// reliabilityScore averages the loaded profiles' scores; 0.5 when neither
// side is loaded.
func reliabilityScore(supplierID, recipientID uuid.UUID, profiles map[uuid.UUID]*model.UserProfile) float64 {
	var sum float64
	var n int
	if p, ok := profiles[supplierID]; ok && p != nil {
		sum += p.ReliabilityScore / 100
		n++
	}
	if p, ok := profiles[recipientID]; ok && p != nil {
		sum += p.ReliabilityScore / 100
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}
