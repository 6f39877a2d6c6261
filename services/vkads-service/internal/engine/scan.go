package engine

import (
	"context"
	"errors"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
	"github.com/grigta/vkads/services/vkads-service/internal/roi"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

type scanSpec struct {
	statuses  []string
	batchSize int
	rng       stats.DateRange
	skip      map[int64]struct{}
	cancel    CancelFunc

	withROI bool
	roiMode roi.Mode
	// prefilter, when set, holds revenue per banner; banners outside it are
	// reported in Excluded without a statistics request.
	prefilter map[int64]float64
}

type chunk struct {
	Index    int
	Banners  []vkads.Banner
	Excluded []vkads.Banner
	Records  map[int64]metrics.Record
}

type scanSummary struct {
	Listed    int
	Skipped   int
	Cancelled bool
}

// scanBanners lists the account's banners and processes them in buffers of
// batchSize: each buffer gets its statistics fetched and is handed to fn
// before the next one is fetched. The listing is read completely first since
// fn may change banner statuses, which would shift offset pagination.
// Cancellation is polled once per buffer.
func scanBanners(ctx context.Context, t Target, spec scanSpec, fn func(chunk) error) (scanSummary, error) {
	if spec.batchSize <= 0 {
		spec.batchSize = 200
	}

	var summary scanSummary
	var listed []vkads.Banner
	err := t.API.ListBanners(ctx, vkads.BannerFilter{Statuses: spec.statuses}, func(page []vkads.Banner) error {
		for _, b := range page {
			summary.Listed++
			if _, skip := spec.skip[b.ID]; skip {
				summary.Skipped++
				continue
			}
			listed = append(listed, b)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	index := 0
	for start := 0; start < len(listed); start += spec.batchSize {
		end := start + spec.batchSize
		if end > len(listed) {
			end = len(listed)
		}
		if cancelled(ctx, spec.cancel) {
			summary.Cancelled = true
			return summary, nil
		}
		index++
		err := processChunk(ctx, t, spec, index, listed[start:end], fn)
		if errors.Is(err, errCancelled) {
			summary.Cancelled = true
			return summary, nil
		}
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func processChunk(ctx context.Context, t Target, spec scanSpec, index int, banners []vkads.Banner, fn func(chunk) error) error {
	c := chunk{Index: index}
	ids := make([]int64, 0, len(banners))
	for _, b := range banners {
		if spec.prefilter != nil {
			if _, ok := spec.prefilter[b.ID]; !ok {
				c.Excluded = append(c.Excluded, b)
				continue
			}
		}
		c.Banners = append(c.Banners, b)
		ids = append(ids, b.ID)
	}

	c.Records = make(map[int64]metrics.Record, len(ids))
	if len(ids) > 0 {
		err := t.Stats.Stream(ctx, vkads.LevelBanners, ids, spec.rng, func(b stats.Batch) error {
			for id, r := range b.Records {
				c.Records[id] = r
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if spec.withROI && t.revenueEnabled() && len(c.Records) > 0 {
		enrich(ctx, t, spec, ids, c.Records)
	}
	return fn(c)
}

// enrich joins revenue into records. A tracker failure leaves ROI absent for
// the whole chunk, so neither ROI conditions nor the no-revenue sentinel can
// fire on missing data.
func enrich(ctx context.Context, t Target, spec scanSpec, ids []int64, records map[int64]metrics.Record) {
	revenue := spec.prefilter
	if revenue == nil {
		var err error
		revenue, err = t.Revenue.Revenue(ctx, t.Label, spec.rng, ids)
		if err != nil {
			logger.FromContext(ctx).Warn("Revenue unavailable, evaluating without ROI",
				logger.Field{Key: "label", Value: t.Label}, logger.Err(err))
			return
		}
	}
	roi.Apply(records, roi.Compute(revenue, roi.Spend(records), roi.Valid(records)), spec.roiMode, true)
}
