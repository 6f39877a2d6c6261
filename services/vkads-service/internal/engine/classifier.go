package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
	"github.com/grigta/vkads/services/vkads-service/internal/roi"
	"github.com/grigta/vkads/services/vkads-service/internal/rules"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

// Classification splits an account's banners into positive and negative
// sets. Only IDs are kept; metric records are dropped after evaluation.
type Classification struct {
	Positive    map[int64]struct{}
	Negative    map[int64]struct{}
	BannerGroup map[int64]int64
	Cancelled   bool
}

func newClassification() *Classification {
	return &Classification{
		Positive:    map[int64]struct{}{},
		Negative:    map[int64]struct{}{},
		BannerGroup: map[int64]int64{},
	}
}

func (c *Classification) IsPositive(id int64) bool {
	_, ok := c.Positive[id]
	return ok
}

// GroupBanners lists the classified banners of one ad group.
type GroupBanners struct {
	Positive []int64
	Negative []int64
}

func (c *Classification) Groups() map[int64]*GroupBanners {
	out := make(map[int64]*GroupBanners)
	for id, gid := range c.BannerGroup {
		g, ok := out[gid]
		if !ok {
			g = &GroupBanners{}
			out[gid] = g
		}
		if c.IsPositive(id) {
			g.Positive = append(g.Positive, id)
		} else {
			g.Negative = append(g.Negative, id)
		}
	}
	for _, g := range out {
		sort.Slice(g.Positive, func(i, j int) bool { return g.Positive[i] < g.Positive[j] })
		sort.Slice(g.Negative, func(i, j int) bool { return g.Negative[i] < g.Negative[j] })
	}
	return out
}

// Qualifying returns, in ascending order, the groups holding at least one
// positive banner.
func (c *Classification) Qualifying() []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for id := range c.Positive {
		gid := c.BannerGroup[id]
		if _, ok := seen[gid]; ok {
			continue
		}
		seen[gid] = struct{}{}
		out = append(out, gid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Classifier struct {
	batchSize int
}

func NewClassifier(batchSize int) *Classifier {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Classifier{batchSize: batchSize}
}

// Classify streams active and blocked banners through conds. When conds read
// ROI and the account has a revenue source, revenue is fetched once up front
// and banners without any revenue are negative without a statistics request.
// Banners the statistics response leaves out are negative.
// A cancelled run returns what was classified so far.
func (c *Classifier) Classify(ctx context.Context, t Target, conds []rules.Condition, rng stats.DateRange, cancel CancelFunc) (*Classification, error) {
	result := newClassification()
	log := logger.FromContext(ctx)

	spec := scanSpec{
		statuses:  []string{vkads.StatusActive, vkads.StatusBlocked},
		batchSize: c.batchSize,
		rng:       rng,
		cancel:    cancel,
	}

	if rules.References(conds, metrics.ROI) && t.revenueEnabled() {
		revenue, err := t.Revenue.Revenue(ctx, t.Label, rng, nil)
		if err != nil {
			return nil, fmt.Errorf("revenue pre-filter: %w", err)
		}
		spec.withROI = true
		spec.roiMode = roi.ModeStrict
		spec.prefilter = revenue
		log.Info("ROI pre-filter ready", logger.Field{Key: "banners_with_revenue", Value: len(revenue)})
	}

	summary, err := scanBanners(ctx, t, spec, func(ch chunk) error {
		for _, b := range ch.Excluded {
			result.Negative[b.ID] = struct{}{}
			result.BannerGroup[b.ID] = b.AdGroupID
		}
		for _, b := range ch.Banners {
			rec, ok := ch.Records[b.ID]
			if ok && rules.Matches(rec, conds) {
				result.Positive[b.ID] = struct{}{}
			} else {
				result.Negative[b.ID] = struct{}{}
			}
			result.BannerGroup[b.ID] = b.AdGroupID
		}
		log.Debug("Classified banner batch",
			logger.Field{Key: "batch", Value: ch.Index},
			logger.Field{Key: "positive", Value: len(result.Positive)},
			logger.Field{Key: "negative", Value: len(result.Negative)})
		return nil
	})
	if err != nil {
		return result, err
	}
	result.Cancelled = summary.Cancelled

	log.Info("Classification finished",
		logger.Field{Key: "banners", Value: summary.Listed},
		logger.Field{Key: "positive", Value: len(result.Positive)},
		logger.Field{Key: "negative", Value: len(result.Negative)},
		logger.Field{Key: "cancelled", Value: summary.Cancelled})
	return result, nil
}
