// Package engine evaluates rules against streamed banner statistics and
// performs the resulting VK Ads mutations.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

var errCancelled = errors.New("engine: run cancelled")

// AdsAPI is the part of the VK Ads client the engines drive. *vkads.Client
// satisfies it.
type AdsAPI interface {
	ListBanners(ctx context.Context, f vkads.BannerFilter, fn func([]vkads.Banner) error) error
	ListBannersRaw(ctx context.Context, f vkads.BannerFilter, fn func([]map[string]interface{}) error) error
	SetBannersStatus(ctx context.Context, ids []int64, status string) error
	DeleteBanner(ctx context.Context, id int64) error
	GetAdGroupFields(ctx context.Context, id int64, fields []string) (map[string]interface{}, error)
	CreateAdGroup(ctx context.Context, payload map[string]interface{}) (*vkads.CreatedAdGroup, error)
	GetAdPlan(ctx context.Context, id int64) (*vkads.AdPlan, error)
	GetAdPlanFields(ctx context.Context, id int64, fields []string) (map[string]interface{}, error)
	SetAdPlanStatus(ctx context.Context, id int64, status string) error
	CreateAdPlan(ctx context.Context, payload map[string]interface{}) (*vkads.CreatedAdPlan, error)
	ChangeAdGroupBudget(ctx context.Context, id int64, percent float64, increase bool, dryRun bool) (*vkads.BudgetChange, error)
}

// StatsStreamer is satisfied by *stats.Aggregator.
type StatsStreamer interface {
	Stream(ctx context.Context, level vkads.StatsLevel, ids []int64, rng stats.DateRange, fn func(stats.Batch) error) error
}

// RevenueSource is satisfied by *roi.Enricher.
type RevenueSource interface {
	Revenue(ctx context.Context, label string, rng stats.DateRange, ids []int64) (map[int64]float64, error)
}

// LogSink stores run logs. repository.LogRepository satisfies it.
type LogSink interface {
	InsertActionLogs(ctx context.Context, logs []models.ActionLog) error
	InsertBudgetLog(ctx context.Context, log models.BudgetChangeLog) error
	InsertScalingLog(ctx context.Context, log models.ScalingLog) error
}

// CancelFunc reports whether the run has been cancelled. Engines call it
// once per unit of work, never per mutation.
type CancelFunc func(ctx context.Context) bool

// Progress receives incremental task progress.
type Progress interface {
	Report(ctx context.Context, p models.TaskProgress)
}

type nopProgress struct{}

func (nopProgress) Report(context.Context, models.TaskProgress) {}

func progressOr(p Progress) Progress {
	if p == nil {
		return nopProgress{}
	}
	return p
}

func cancelled(ctx context.Context, fn CancelFunc) bool {
	return fn != nil && fn(ctx)
}

// Target is one account prepared for a run.
type Target struct {
	AccountID   string
	AccountName string
	UserID      string
	TaskID      string

	// Label and HasRevenueSource describe the LeadsTech link of the account.
	Label            string
	HasRevenueSource bool

	API     AdsAPI
	Stats   StatsStreamer
	Revenue RevenueSource
}

func (t Target) revenueEnabled() bool {
	return t.HasRevenueSource && t.Revenue != nil && t.Label != ""
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func appendError(errs []string, err error) []string {
	return append(errs, models.TruncateError(err.Error()))
}
