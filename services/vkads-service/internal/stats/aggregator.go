// Package stats fetches VK Ads statistics in bounded batches and turns them
// into metric records.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/floats"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

// ErrStop, returned from a batch callback, ends the stream without error.
var ErrStop = errors.New("stats: stop streaming")

const dateLayout = "2006-01-02"

type Fetcher interface {
	Statistics(ctx context.Context, level vkads.StatsLevel, ids []int64, dateFrom, dateTo, metrics string) ([]vkads.StatItem, error)
}

type Config struct {
	BatchSize         int
	FallbackBatchSize int
	Delay             time.Duration
	Metrics           string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FallbackBatchSize <= 0 {
		c.FallbackBatchSize = 50
	}
	if c.FallbackBatchSize > c.BatchSize {
		c.FallbackBatchSize = c.BatchSize
	}
	if c.Metrics == "" {
		c.Metrics = "base,vk"
	}
	return c
}

// DateRange is an inclusive range of ISO dates.
type DateRange struct {
	From string
	To   string
}

// LookbackRange covers the last days days ending today.
func LookbackRange(days int, now time.Time) DateRange {
	if days <= 0 {
		days = 1
	}
	return DateRange{
		From: now.AddDate(0, 0, -(days - 1)).Format(dateLayout),
		To:   now.Format(dateLayout),
	}
}

type Batch struct {
	Index   int
	Total   int
	IDs     []int64
	Records map[int64]metrics.Record
}

type Aggregator struct {
	fetcher Fetcher
	cfg     Config
	limiter *rate.Limiter
}

func NewAggregator(f Fetcher, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Aggregator{fetcher: f, cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// Stream fetches ids batch by batch and hands each batch to fn before the
// next one is requested. Only one batch is held in memory. A 414 from the API
// switches the rest of the stream to the fallback batch size.
func (a *Aggregator) Stream(ctx context.Context, level vkads.StatsLevel, ids []int64, rng DateRange, fn func(Batch) error) error {
	ids = dedupe(ids)
	log := logger.FromContext(ctx)

	size := a.cfg.BatchSize
	index := 0
	for offset := 0; offset < len(ids); {
		end := offset + size
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[offset:end]
		total := index + int(math.Ceil(float64(len(ids)-offset)/float64(size)))

		records, err := a.fetch(ctx, level, chunk, rng)
		if errors.Is(err, vkads.ErrURITooLong) && size > a.cfg.FallbackBatchSize {
			log.Warn("Statistics request too long, switching to smaller batches",
				logger.Field{Key: "batch_size", Value: size},
				logger.Field{Key: "fallback_batch_size", Value: a.cfg.FallbackBatchSize})
			size = a.cfg.FallbackBatchSize
			continue
		}
		if err != nil {
			return fmt.Errorf("statistics batch %d/%d: %w", index+1, total, err)
		}

		index++
		if err := fn(Batch{Index: index, Total: total, IDs: chunk, Records: records}); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		offset = end
	}
	return nil
}

// Collect gathers records for all ids into one map.
func (a *Aggregator) Collect(ctx context.Context, level vkads.StatsLevel, ids []int64, rng DateRange) (map[int64]metrics.Record, error) {
	out := make(map[int64]metrics.Record, len(ids))
	err := a.Stream(ctx, level, ids, rng, func(b Batch) error {
		for id, r := range b.Records {
			out[id] = r
		}
		return nil
	})
	return out, err
}

func (a *Aggregator) fetch(ctx context.Context, level vkads.StatsLevel, ids []int64, rng DateRange) (map[int64]metrics.Record, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	items, err := a.fetcher.Statistics(ctx, level, ids, rng.From, rng.To, a.cfg.Metrics)
	if errors.Is(err, vkads.ErrMalformedResponse) {
		logger.FromContext(ctx).Error("Skipping statistics batch with malformed response",
			logger.Field{Key: "ids", Value: len(ids)}, logger.Err(err))
		return map[int64]metrics.Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	records := make(map[int64]metrics.Record, len(items))
	for _, item := range items {
		if _, ok := wanted[item.ID]; !ok {
			continue
		}
		records[item.ID] = ToRecord(item)
	}
	return records, nil
}

// ToRecord uses the period total and falls back to summing daily rows when
// the total is empty. Numeric fields beyond the known ones land in
// Record.Extra: base fields by name, vk fields as "vk_<name>".
func ToRecord(item vkads.StatItem) metrics.Record {
	base := item.Total.Base
	vk := item.Total.VK

	if base.Shows == 0 && base.Spent == 0 && base.Clicks == 0 && len(item.Rows) > 0 {
		r := sumRows(item.Rows)
		if vk != nil && vk.CR != nil {
			v := vk.CR.Float64()
			r.ReportedCR = &v
		}
		return r
	}

	r := metrics.Record{
		Spent:  base.Spent.Float64(),
		Clicks: int64(math.Round(base.Clicks.Float64())),
		Shows:  int64(math.Round(base.Shows.Float64())),
		Goals:  base.Goals.Float64(),
	}
	addExtras(&r, item.Total)
	if vk != nil {
		if vk.Goals != nil {
			v := vk.Goals.Float64()
			r.VKGoals = &v
		}
		if vk.CR != nil {
			v := vk.CR.Float64()
			r.ReportedCR = &v
		}
	}
	return r
}

// sumRows adds up daily rows. A conversion rate reported per day is combined
// weighted by the day's clicks.
func sumRows(rows []vkads.StatRow) metrics.Record {
	n := len(rows)
	shows, clicks := make([]float64, n), make([]float64, n)
	goals, spent := make([]float64, n), make([]float64, n)
	var vkGoals, crClicks, crWeighted []float64
	r := metrics.Record{}
	for i, row := range rows {
		shows[i] = row.Base.Shows.Float64()
		clicks[i] = row.Base.Clicks.Float64()
		goals[i] = row.Base.Goals.Float64()
		spent[i] = row.Base.Spent.Float64()
		if row.VK != nil && row.VK.Goals != nil {
			vkGoals = append(vkGoals, row.VK.Goals.Float64())
		}
		if row.VK != nil && row.VK.CR != nil {
			crClicks = append(crClicks, clicks[i])
			crWeighted = append(crWeighted, row.VK.CR.Float64()*clicks[i])
		}
		addExtras(&r, row.StatValues)
	}

	r.Spent = floats.Sum(spent)
	r.Clicks = int64(math.Round(floats.Sum(clicks)))
	r.Shows = int64(math.Round(floats.Sum(shows)))
	r.Goals = floats.Sum(goals)
	if len(vkGoals) > 0 {
		v := floats.Sum(vkGoals)
		r.VKGoals = &v
	}
	if total := floats.Sum(crClicks); total > 0 {
		v := floats.Sum(crWeighted) / total
		r.ReportedCR = &v
	}
	return r
}

// addExtras accumulates the extra fields of v into r.Extra.
func addExtras(r *metrics.Record, v vkads.StatValues) {
	add := func(key string, val float64) {
		if r.Extra == nil {
			r.Extra = make(map[string]float64)
		}
		r.Extra[key] += val
	}
	for k, val := range v.Base.Extra {
		add(k, val)
	}
	if v.VK != nil {
		for k, val := range v.VK.Extra {
			add(metrics.VKPrefix+k, val)
		}
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
