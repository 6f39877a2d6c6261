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

// BudgetAction is the Payload of a budget rule.
type BudgetAction struct {
	Percent  float64
	Increase bool
}

func (a BudgetAction) direction() models.ChangeDirection {
	if a.Increase {
		return models.DirectionIncrease
	}
	return models.DirectionDecrease
}

type BudgetConfig struct {
	BatchSize           int
	DefaultLookbackDays int
}

type BudgetEngine struct {
	cfg  BudgetConfig
	logs LogSink
}

func NewBudgetEngine(logs LogSink, cfg BudgetConfig) *BudgetEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = models.DefaultLookbackDays
	}
	return &BudgetEngine{cfg: cfg, logs: logs}
}

type BudgetRequest struct {
	Target    Target
	Rules     []rules.Rule
	Whitelist map[int64]struct{}
	DryRun    bool
	Now       time.Time
	Cancel    CancelFunc
	Progress  Progress
}

type BudgetResult struct {
	Analyzed  int      `json:"analyzed"`
	Matched   int      `json:"matched"`
	Changed   int      `json:"changed"`
	Unchanged int      `json:"unchanged"`
	Failed    int      `json:"failed"`
	DryRun    bool     `json:"dry_run"`
	Cancelled bool     `json:"cancelled"`
	Errors    []string `json:"errors,omitempty"`
}

type groupRule struct {
	group int64
	rule  string
}

// Run evaluates each active banner against the rules in priority order. The
// first banner of an ad group that matches a rule triggers one budget change
// for that (group, rule) pair; later matches of the pair are ignored. All
// rules share one statistics window, the widest lookback among them.
func (e *BudgetEngine) Run(ctx context.Context, req BudgetRequest) (BudgetResult, error) {
	rules.SortByPriority(req.Rules)
	res := BudgetResult{DryRun: req.DryRun}
	if len(req.Rules) == 0 {
		return res, nil
	}

	t := req.Target
	progress := progressOr(req.Progress)
	log := logger.FromContext(ctx)
	seen := make(map[groupRule]struct{})

	spec := scanSpec{
		statuses:  []string{vkads.StatusActive},
		batchSize: e.cfg.BatchSize,
		rng:       stats.LookbackRange(rules.MaxLookback(req.Rules, e.cfg.DefaultLookbackDays), nowOr(req.Now)),
		skip:      req.Whitelist,
		cancel:    req.Cancel,
		withROI:   rules.AnyReferences(req.Rules, metrics.ROI),
		roiMode:   roi.ModeBudget,
	}

	summary, err := scanBanners(ctx, t, spec, func(ch chunk) error {
		res.Analyzed += len(ch.Banners)
		progress.Report(ctx, models.TaskProgress{
			CurrentStep: fmt.Sprintf("%s: budget batch %d", t.AccountName, ch.Index),
		})

		for _, m := range evaluate(ch, req.Rules) {
			key := groupRule{group: m.AdGroupID, rule: m.Rule.ID}
			if _, done := seen[key]; done {
				continue
			}
			seen[key] = struct{}{}
			res.Matched++

			action, ok := m.Rule.Payload.(BudgetAction)
			if !ok {
				res.Failed++
				res.Errors = appendError(res.Errors, fmt.Errorf("rule %s has no budget action", m.Rule.Name))
				continue
			}

			entry := models.BudgetChangeLog{
				UserID:          t.UserID,
				TaskID:          t.TaskID,
				AccountID:       t.AccountID,
				AccountName:     t.AccountName,
				AdGroupID:       m.AdGroupID,
				BannerID:        m.BannerID,
				RuleID:          m.Rule.ID,
				RuleName:        m.Rule.Name,
				ChangePercent:   action.Percent,
				ChangeDirection: action.direction(),
				Metrics:         m.Record.Snapshot(),
				DryRun:          req.DryRun,
			}

			change, err := t.API.ChangeAdGroupBudget(ctx, m.AdGroupID, action.Percent, action.Increase, req.DryRun)
			if change != nil {
				entry.OldBudget = change.OldBudget
				entry.NewBudget = change.NewBudget
			}
			p := models.TaskProgress{Completed: 1}
			if err == nil && change != nil && change.NewBudget == change.OldBudget {
				res.Unchanged++
				log.Info("Budget left unchanged",
					logger.Field{Key: "ad_group_id", Value: m.AdGroupID},
					logger.Field{Key: "rule", Value: m.Rule.Name},
					logger.Field{Key: "budget", Value: change.OldBudget})
				progress.Report(ctx, p)
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				entry.Error = models.TruncateError(err.Error())
				res.Failed++
				res.Errors = appendError(res.Errors, fmt.Errorf("ad group %d: %w", m.AdGroupID, err))
				p.Failed = 1
				p.Errors = res.Errors[len(res.Errors)-1:]
				log.Error("Budget change failed", logger.Field{Key: "ad_group_id", Value: m.AdGroupID}, logger.Err(err))
			} else {
				entry.Success = true
				res.Changed++
				p.Successful = 1
				log.Info("Budget changed",
					logger.Field{Key: "ad_group_id", Value: m.AdGroupID},
					logger.Field{Key: "rule", Value: m.Rule.Name},
					logger.Field{Key: "old_budget", Value: entry.OldBudget},
					logger.Field{Key: "new_budget", Value: entry.NewBudget},
					logger.Field{Key: "dry_run", Value: req.DryRun})
			}
			if err := e.logs.InsertBudgetLog(ctx, entry); err != nil {
				log.Error("Failed to write budget log", logger.Err(err))
			}
			progress.Report(ctx, p)
		}
		return nil
	})
	res.Cancelled = summary.Cancelled
	return res, err
}
