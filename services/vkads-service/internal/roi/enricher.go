// Package roi joins LeadsTech revenue into VK Ads metric records.
package roi

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/leadstech"
	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
)

// Mode selects how a missing revenue correlation is represented.
type Mode int

const (
	// ModeStrict leaves ROI absent so ROI conditions fail.
	ModeStrict Mode = iota
	// ModeBudget marks spending entities without revenue with metrics.NoRevenueROI.
	ModeBudget
)

type Fetcher interface {
	Rows(ctx context.Context, q leadstech.RowsQuery) ([]leadstech.Row, error)
}

type Enricher struct {
	fetcher       Fetcher
	subFields     []string
	idsPerRequest int
}

func NewEnricher(f Fetcher, subFields []string, idsPerRequest int) *Enricher {
	if len(subFields) == 0 {
		subFields = []string{"sub4", "sub5"}
	}
	if idsPerRequest <= 0 || idsPerRequest > 50 {
		idsPerRequest = 50
	}
	return &Enricher{fetcher: f, subFields: subFields, idsPerRequest: idsPerRequest}
}

// Revenue sums revenue per entity ID read from the configured sub fields.
// With ids the tracker is queried with OR filters of at most idsPerRequest
// values per sub field; without ids every row of the label is read.
func (e *Enricher) Revenue(ctx context.Context, label string, rng stats.DateRange, ids []int64) (map[int64]float64, error) {
	out := make(map[int64]float64)
	if label == "" {
		return out, nil
	}

	if len(ids) == 0 {
		rows, err := e.fetcher.Rows(ctx, leadstech.RowsQuery{Label: label, DateFrom: rng.From, DateTo: rng.To})
		if err != nil {
			return nil, fmt.Errorf("revenue for %s: %w", label, err)
		}
		for _, field := range e.subFields {
			e.accumulate(out, rows, field, nil)
		}
		return out, nil
	}

	for _, field := range e.subFields {
		for start := 0; start < len(ids); start += e.idsPerRequest {
			end := start + e.idsPerRequest
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[start:end]
			values := make([]string, len(chunk))
			wanted := make(map[int64]struct{}, len(chunk))
			for i, id := range chunk {
				values[i] = strconv.FormatInt(id, 10)
				wanted[id] = struct{}{}
			}

			rows, err := e.fetcher.Rows(ctx, leadstech.RowsQuery{
				Label:    label,
				DateFrom: rng.From,
				DateTo:   rng.To,
				SubField: field,
				Values:   values,
			})
			if err != nil {
				return nil, fmt.Errorf("revenue for %s by %s: %w", label, field, err)
			}
			e.accumulate(out, rows, field, wanted)
		}
	}

	logger.FromContext(ctx).Debug("Revenue collected",
		logger.Field{Key: "label", Value: label},
		logger.Field{Key: "entities", Value: len(out)})
	return out, nil
}

func (e *Enricher) accumulate(out map[int64]float64, rows []leadstech.Row, field string, wanted map[int64]struct{}) {
	for _, row := range rows {
		id, err := strconv.ParseInt(strings.TrimSpace(row.Sub(field)), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		out[id] += float64(row.Revenue)
	}
}

// Compute returns ROI percent for IDs that have revenue, appear in valid and
// spent money. spend comes from statistics that were already fetched.
func Compute(revenue map[int64]float64, spend map[int64]float64, valid map[int64]struct{}) map[int64]float64 {
	out := make(map[int64]float64)
	for id, rev := range revenue {
		if _, ok := valid[id]; !ok {
			continue
		}
		spent, ok := spend[id]
		if !ok || spent <= 0 {
			continue
		}
		out[id] = (rev - spent) / spent * 100
	}
	return out
}

// Spend extracts the spend of each record.
func Spend(records map[int64]metrics.Record) map[int64]float64 {
	out := make(map[int64]float64, len(records))
	for id, r := range records {
		out[id] = r.Spent
	}
	return out
}

// Valid is the set of IDs the statistics API returned.
func Valid(records map[int64]metrics.Record) map[int64]struct{} {
	out := make(map[int64]struct{}, len(records))
	for id := range records {
		out[id] = struct{}{}
	}
	return out
}

// Apply writes ROI into records in place. hasSource tells whether the account
// is linked to a revenue source at all; without one ROI is never set.
func Apply(records map[int64]metrics.Record, roi map[int64]float64, mode Mode, hasSource bool) {
	if !hasSource {
		return
	}
	for id, r := range records {
		if v, ok := roi[id]; ok {
			records[id] = r.WithROI(v)
			continue
		}
		if mode == ModeBudget && r.Spent > 0 {
			records[id] = r.WithROI(metrics.NoRevenueROI)
		}
	}
}

// Enrich fetches revenue for the records of one account and applies it.
func (e *Enricher) Enrich(ctx context.Context, label string, rng stats.DateRange, records map[int64]metrics.Record, mode Mode) error {
	if label == "" || len(records) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	revenue, err := e.Revenue(ctx, label, rng, ids)
	if err != nil {
		return err
	}
	Apply(records, Compute(revenue, Spend(records), Valid(records)), mode, true)
	return nil
}
