package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/roi"
	"github.com/grigta/vkads/services/vkads-service/internal/rules"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

const ActionDisable = "disable"

type DisableConfig struct {
	BatchSize           int
	MassActionBatchSize int
	DefaultLookbackDays int
}

type DisableEngine struct {
	cfg  DisableConfig
	logs LogSink
}

func NewDisableEngine(logs LogSink, cfg DisableConfig) *DisableEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MassActionBatchSize <= 0 || cfg.MassActionBatchSize > vkads.MassActionLimit {
		cfg.MassActionBatchSize = vkads.MassActionLimit
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = models.DefaultLookbackDays
	}
	return &DisableEngine{cfg: cfg, logs: logs}
}

type DisableRequest struct {
	Target    Target
	Rules     []rules.Rule
	Whitelist map[int64]struct{}
	DryRun    bool
	Now       time.Time
	Cancel    CancelFunc
	Progress  Progress
}

// Match is a banner over the limit of a disable rule.
type Match struct {
	BannerID   int64
	BannerName string
	AdGroupID  int64
	Rule       rules.Rule
	Record     metrics.Record
}

type DisableResult struct {
	Analyzed    int      `json:"analyzed"`
	Whitelisted int      `json:"whitelisted"`
	Matched     int      `json:"matched"`
	Disabled    int      `json:"disabled"`
	Failed      int      `json:"failed"`
	DryRun      bool     `json:"dry_run"`
	Cancelled   bool     `json:"cancelled"`
	Errors      []string `json:"errors,omitempty"`
}

func (r *DisableResult) add(o DisableResult) {
	r.Matched += o.Matched
	r.Disabled += o.Disabled
	r.Failed += o.Failed
	r.Cancelled = r.Cancelled || o.Cancelled
	r.Errors = append(r.Errors, o.Errors...)
}

func (e *DisableEngine) spec(req DisableRequest) scanSpec {
	return scanSpec{
		statuses:  []string{vkads.StatusActive},
		batchSize: e.cfg.BatchSize,
		rng:       stats.LookbackRange(rules.MaxLookback(req.Rules, e.cfg.DefaultLookbackDays), nowOr(req.Now)),
		skip:      req.Whitelist,
		cancel:    req.Cancel,
		withROI:   rules.AnyReferences(req.Rules, metrics.ROI),
		roiMode:   roi.ModeStrict,
	}
}

func evaluate(ch chunk, rs []rules.Rule) []Match {
	var out []Match
	for _, b := range ch.Banners {
		rec, ok := ch.Records[b.ID]
		if !ok {
			continue
		}
		if rule, ok := rules.FirstMatch(rs, rec); ok {
			out = append(out, Match{BannerID: b.ID, BannerName: b.Name, AdGroupID: b.AdGroupID, Rule: rule, Record: rec})
		}
	}
	return out
}

// Analyze returns every active, non-whitelisted banner matching a rule
// without mutating anything.
func (e *DisableEngine) Analyze(ctx context.Context, req DisableRequest) ([]Match, error) {
	rules.SortByPriority(req.Rules)
	var matches []Match
	_, err := scanBanners(ctx, req.Target, e.spec(req), func(ch chunk) error {
		matches = append(matches, evaluate(ch, req.Rules)...)
		return nil
	})
	return matches, err
}

// Apply disables matches in mass-action chunks. In dry run no call is made
// and every match is reported disabled. Each banner gets one log record.
func (e *DisableEngine) Apply(ctx context.Context, req DisableRequest, matches []Match) (DisableResult, error) {
	res := DisableResult{Matched: len(matches), DryRun: req.DryRun}
	progress := progressOr(req.Progress)
	log := logger.FromContext(ctx)
	t := req.Target

	for start := 0; start < len(matches); start += e.cfg.MassActionBatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if start > 0 && cancelled(ctx, req.Cancel) {
			res.Cancelled = true
			break
		}

		end := start + e.cfg.MassActionBatchSize
		if end > len(matches) {
			end = len(matches)
		}
		part := matches[start:end]

		var callErr error
		if !req.DryRun {
			ids := make([]int64, len(part))
			for i, m := range part {
				ids[i] = m.BannerID
			}
			callErr = t.API.SetBannersStatus(ctx, ids, vkads.StatusBlocked)
		}

		now := time.Now()
		entries := make([]models.ActionLog, len(part))
		for i, m := range part {
			entries[i] = models.ActionLog{
				UserID:      t.UserID,
				TaskID:      t.TaskID,
				AccountID:   t.AccountID,
				AccountName: t.AccountName,
				BannerID:    m.BannerID,
				AdGroupID:   m.AdGroupID,
				RuleID:      m.Rule.ID,
				RuleName:    m.Rule.Name,
				Action:      ActionDisable,
				Metrics:     m.Record.Snapshot(),
				DryRun:      req.DryRun,
				Success:     callErr == nil,
				CreatedAt:   now,
			}
			if callErr != nil {
				entries[i].Error = models.TruncateError(callErr.Error())
			}
		}
		if err := e.logs.InsertActionLogs(ctx, entries); err != nil {
			log.Error("Failed to write action logs", logger.Field{Key: "count", Value: len(entries)}, logger.Err(err))
		}

		p := models.TaskProgress{Completed: len(part)}
		if callErr != nil {
			res.Failed += len(part)
			res.Errors = appendError(res.Errors, fmt.Errorf("disable %d banners: %w", len(part), callErr))
			p.Failed = len(part)
			p.Errors = res.Errors[len(res.Errors)-1:]
			log.Error("Mass disable failed", logger.Field{Key: "banners", Value: len(part)}, logger.Err(callErr))
		} else {
			res.Disabled += len(part)
			p.Successful = len(part)
			log.Info("Banners disabled",
				logger.Field{Key: "banners", Value: len(part)},
				logger.Field{Key: "dry_run", Value: req.DryRun})
		}
		progress.Report(ctx, p)
	}
	return res, nil
}

// Run evaluates and disables batch by batch, so mutation of the first batch
// happens before later batches are fetched.
func (e *DisableEngine) Run(ctx context.Context, req DisableRequest) (DisableResult, error) {
	rules.SortByPriority(req.Rules)
	res := DisableResult{DryRun: req.DryRun}
	progress := progressOr(req.Progress)

	if len(req.Rules) == 0 {
		return res, nil
	}

	summary, err := scanBanners(ctx, req.Target, e.spec(req), func(ch chunk) error {
		res.Analyzed += len(ch.Banners)
		progress.Report(ctx, models.TaskProgress{
			CurrentStep: fmt.Sprintf("%s: disable batch %d", req.Target.AccountName, ch.Index),
		})

		part, err := e.Apply(ctx, req, evaluate(ch, req.Rules))
		res.add(part)
		if err != nil {
			return err
		}
		if part.Cancelled {
			return errCancelled
		}
		return nil
	})
	res.Whitelisted = summary.Skipped
	res.Cancelled = res.Cancelled || summary.Cancelled
	return res, err
}
