package vkads

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	StatusActive  = "active"
	StatusBlocked = "blocked"
	StatusDeleted = "deleted"
)

// MassActionLimit is the largest id list banners/mass_action accepts.
const MassActionLimit = 200

// Number decodes values the API sends either as JSON numbers or decimal strings.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}

	s := string(b)
	if b[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid number %s: %w", s, err)
		}
		if unquoted == "" {
			*n = 0
			return nil
		}
		s = unquoted
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = Number(f)
	return nil
}

func (n Number) Float64() float64 {
	return float64(n)
}

type Banner struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	AdGroupID int64  `json:"ad_group_id"`
}

type AdGroup struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	AdPlanID       int64  `json:"ad_plan_id"`
	BudgetLimitDay Number `json:"budget_limit_day"`
}

type AdPlan struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type page[T any] struct {
	Count  int `json:"count"`
	Offset int `json:"offset"`
	Items  []T `json:"items"`
}

type StatsLevel string

const (
	LevelBanners  StatsLevel = "banners"
	LevelAdGroups StatsLevel = "ad_groups"
)

type BaseMetrics struct {
	Shows  Number `json:"shows"`
	Clicks Number `json:"clicks"`
	Goals  Number `json:"goals"`
	Spent  Number `json:"spent"`

	// Extra holds the group's other numeric fields by lowercase name.
	Extra map[string]float64 `json:"-"`
}

func (m *BaseMetrics) UnmarshalJSON(b []byte) error {
	type plain BaseMetrics
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	extra, err := numericExtras(b, "shows", "clicks", "goals", "spent")
	if err != nil {
		return err
	}
	*m = BaseMetrics(p)
	m.Extra = extra
	return nil
}

// VKMetrics holds the "vk" metric group; fields are nil when not reported.
type VKMetrics struct {
	Goals *Number `json:"goals"`
	CR    *Number `json:"cr"`

	Extra map[string]float64 `json:"-"`
}

func (m *VKMetrics) UnmarshalJSON(b []byte) error {
	type plain VKMetrics
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	extra, err := numericExtras(b, "goals", "cr")
	if err != nil {
		return err
	}
	*m = VKMetrics(p)
	m.Extra = extra
	return nil
}

// numericExtras collects the fields of a metric group other than known that
// decode as numbers. Nested objects and non-numeric values are skipped.
func numericExtras(b []byte, known ...string) (map[string]float64, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	var out map[string]float64
	for k, v := range raw {
		key := strings.ToLower(k)
		if slices.Contains(known, key) || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		var n Number
		if err := json.Unmarshal(v, &n); err != nil {
			continue
		}
		if out == nil {
			out = make(map[string]float64)
		}
		out[key] = float64(n)
	}
	return out, nil
}

type StatValues struct {
	Base BaseMetrics `json:"base"`
	VK   *VKMetrics  `json:"vk,omitempty"`
}

type StatRow struct {
	Date string `json:"date"`
	StatValues
}

type StatItem struct {
	ID    int64      `json:"id"`
	Rows  []StatRow  `json:"rows"`
	Total StatValues `json:"total"`
}

type statsResponse struct {
	Items []StatItem `json:"items"`
}

type CreatedBanner struct {
	ID int64 `json:"id"`
}

type CreatedAdGroup struct {
	ID      int64           `json:"id"`
	Banners []CreatedBanner `json:"banners"`
}

type CreatedAdPlan struct {
	ID       int64            `json:"id"`
	AdGroups []CreatedAdGroup `json:"ad_groups"`
}

type BudgetChange struct {
	AdGroupID int64
	OldBudget float64
	NewBudget float64
	Applied   bool
}
