// Package metrics holds the per-entity metric record evaluated by rules.
package metrics

import (
	"math"
	"strings"
)

// NoRevenueROI is assigned to ROI in the budget path when an account has a
// revenue source, the entity spent money and no revenue was correlated to it.
const NoRevenueROI = -1e6

const (
	Spent       = "spent"
	Clicks      = "clicks"
	Shows       = "shows"
	Impressions = "impressions"
	Goals       = "goals"
	VKGoals     = "vk_goals"
	CTR         = "ctr"
	CPC         = "cpc"
	CR          = "cr"
	CostPerGoal = "cost_per_goal"
	CPA         = "cpa"
	ROI         = "roi"

	// VKPrefix marks extras taken from the "vk" metric group.
	VKPrefix = "vk_"
)

// Known reports whether name is one of the metrics the evaluator resolves
// without looking at upstream extras.
func Known(name string) bool {
	switch strings.ToLower(name) {
	case Spent, Clicks, Shows, Impressions, Goals, VKGoals, CTR, CPC, CR, CostPerGoal, CPA, ROI:
		return true
	}
	return false
}

// Record carries raw statistics for one banner or ad group. Derived metrics
// are computed on read and never stored.
type Record struct {
	Spent  float64
	Clicks int64
	Shows  int64
	Goals  float64

	// Optional upstream values; nil means not reported.
	VKGoals    *float64
	ReportedCR *float64
	ROI        *float64

	// Extra holds other upstream metrics by lowercase name.
	Extra map[string]float64
}

func (r Record) effectiveGoals() float64 {
	if r.VKGoals != nil && *r.VKGoals > 0 {
		return *r.VKGoals
	}
	return r.Goals
}

func (r Record) CTR() float64 {
	if r.Shows <= 0 {
		return 0
	}
	return float64(r.Clicks) / float64(r.Shows) * 100
}

func (r Record) CPC() float64 {
	if r.Clicks <= 0 {
		return math.Inf(1)
	}
	return r.Spent / float64(r.Clicks)
}

// CR prefers the upstream conversion rate when it is reported and nonzero.
func (r Record) CR() float64 {
	if r.ReportedCR != nil && *r.ReportedCR != 0 {
		return *r.ReportedCR
	}
	if r.Clicks <= 0 {
		return 0
	}
	return r.effectiveGoals() / float64(r.Clicks) * 100
}

func (r Record) CostPerGoal() float64 {
	g := r.effectiveGoals()
	if g <= 0 {
		return math.Inf(1)
	}
	return r.Spent / g
}

// Value resolves a metric by name. ok is false when the metric is absent,
// which makes any condition on it fail.
func (r Record) Value(name string) (value float64, ok bool) {
	name = strings.ToLower(name)
	switch name {
	case Spent:
		return r.Spent, true
	case Clicks:
		return float64(r.Clicks), true
	case Shows, Impressions:
		return float64(r.Shows), true
	case Goals:
		return r.effectiveGoals(), true
	case VKGoals:
		if r.VKGoals == nil {
			return 0, false
		}
		return *r.VKGoals, true
	case CTR:
		return r.CTR(), true
	case CPC:
		return r.CPC(), true
	case CR:
		return r.CR(), true
	case CostPerGoal, CPA:
		return r.CostPerGoal(), true
	case ROI:
		if r.ROI == nil {
			return 0, false
		}
		return *r.ROI, true
	}
	v, ok := r.Extra[name]
	return v, ok
}

// WithROI returns a copy carrying roi.
func (r Record) WithROI(roi float64) Record {
	r.ROI = &roi
	return r
}

// Snapshot is the record as stored with log entries. Infinite values are
// written as "inf" so the map stays JSON encodable.
func (r Record) Snapshot() map[string]interface{} {
	out := map[string]interface{}{
		Spent:       r.Spent,
		Clicks:      r.Clicks,
		Shows:       r.Shows,
		Goals:       r.effectiveGoals(),
		CTR:         r.CTR(),
		CPC:         finite(r.CPC()),
		CR:          r.CR(),
		CostPerGoal: finite(r.CostPerGoal()),
	}
	if r.VKGoals != nil {
		out[VKGoals] = *r.VKGoals
	}
	if r.ROI != nil {
		out[ROI] = *r.ROI
	}
	for k, v := range r.Extra {
		if _, exists := out[k]; !exists {
			out[k] = finite(v)
		}
	}
	return out
}

func finite(v float64) interface{} {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return nil
	}
	return v
}
