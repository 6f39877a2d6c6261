package rules

import (
	"sort"
	"strings"

	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
)

type Condition struct {
	Metric   string
	Operator Operator
	Value    float64
}

func (c Condition) Match(r metrics.Record) bool {
	actual, ok := r.Value(c.Metric)
	if !ok {
		return false
	}
	return Compare(actual, c.Operator, c.Value)
}

// Matches is true when every condition holds. An empty set never matches.
func Matches(r metrics.Record, conds []Condition) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

// Rule is an evaluable rule. ID and Name identify it in logs; Payload carries
// the caller's own rule value (budget settings, the stored document).
type Rule struct {
	ID           string
	Name         string
	Priority     int
	LookbackDays int
	Conditions   []Condition
	Payload      interface{}
}

// SortByPriority orders rules by descending priority, keeping input order on ties.
func SortByPriority(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
}

// FirstMatch returns the first rule in rs whose conditions all hold.
func FirstMatch(rs []Rule, r metrics.Record) (Rule, bool) {
	for _, rule := range rs {
		if Matches(r, rule.Conditions) {
			return rule, true
		}
	}
	return Rule{}, false
}

// References reports whether any condition reads metric.
func References(conds []Condition, metric string) bool {
	for _, c := range conds {
		if strings.EqualFold(c.Metric, metric) {
			return true
		}
	}
	return false
}

// AnyReferences reports whether any rule reads metric.
func AnyReferences(rs []Rule, metric string) bool {
	for _, r := range rs {
		if References(r.Conditions, metric) {
			return true
		}
	}
	return false
}

// MaxLookback returns the widest lookback window across rs, or def when none is set.
func MaxLookback(rs []Rule, def int) int {
	max := 0
	for _, r := range rs {
		if r.LookbackDays > max {
			max = r.LookbackDays
		}
	}
	if max == 0 {
		return def
	}
	return max
}
