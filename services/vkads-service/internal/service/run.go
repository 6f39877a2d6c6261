package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/repository"
)

const maxAnalysisMatches = 100

func newRunID() string {
	return uuid.NewString()
}

type run struct {
	cmd      RunCommand
	taskID   primitive.ObjectID
	progress *taskProgress
	token    *cancelToken
	now      time.Time

	cancelled bool
	errors    []string
}

func (r *run) isCancelled(ctx context.Context) bool {
	if !r.cancelled && r.token.Cancelled(ctx) {
		r.cancelled = true
	}
	return r.cancelled
}

// accountOutcome is one account's entry in the task result.
type accountOutcome struct {
	AccountID   string      `json:"account_id"`
	AccountName string      `json:"account_name"`
	Skipped     bool        `json:"skipped,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      interface{} `json:"result,omitempty"`
}

// ExecuteRun runs one task to its terminal status.
func (s *automationService) ExecuteRun(ctx context.Context, cmd RunCommand) error {
	taskID, err := taskIDOf(cmd)
	if err != nil {
		return err
	}
	if cmd.RunID == "" {
		cmd.RunID = newRunID()
	}

	ctx = logger.IntoContext(ctx, s.log.WithFields(logger.Fields{
		"run_id":  cmd.RunID,
		"task_id": cmd.TaskID,
		"user_id": cmd.UserID,
		"kind":    string(cmd.Kind),
		"service": "vkads-service",
	}))
	log := logger.FromContext(ctx)

	defer s.cancels.clear(taskID)
	if err := s.tasks.MarkRunning(ctx, taskID); err != nil {
		if errors.Is(err, models.ErrTaskFinished) {
			log.Info("Task is no longer pending, skipping run")
			return nil
		}
		return fmt.Errorf("mark task running: %w", err)
	}

	release, ok, err := s.locker.Acquire(ctx, lockKey(string(cmd.Kind), cmd.UserID, cmd.ConfigID), s.opts.LockTTL)
	if err != nil {
		s.finish(ctx, taskID, models.TaskFailed, map[string]interface{}{"error": err.Error()})
		return err
	}
	if !ok {
		log.Warn("Run skipped, another run holds the lock")
		s.finish(ctx, taskID, models.TaskFailed, map[string]interface{}{"error": ErrRunInProgress.Error()})
		return nil
	}
	defer release()

	started := time.Now()
	s.metrics.RunStarted(cmd.Kind)
	s.publish(ctx, EventRunStarted, RunEvent{
		TaskID: cmd.TaskID, RunID: cmd.RunID, UserID: cmd.UserID, Kind: cmd.Kind,
		Status: models.TaskRunning, DryRun: cmd.DryRun,
	})
	log.Info("Run started", logger.Field{Key: "dry_run", Value: cmd.DryRun})

	r := &run{
		cmd:      cmd,
		taskID:   taskID,
		progress: newTaskProgress(taskID, s.tasks),
		token:    newCancelToken(taskID, s.cancels, s.tasks, s.opts.CancelPollInterval),
		now:      started,
	}

	summary, runErr := s.dispatch(ctx, r)
	if summary == nil {
		summary = map[string]interface{}{}
	}

	var status models.TaskStatus
	switch {
	case runErr != nil:
		status = models.TaskFailed
		summary["error"] = models.TruncateError(runErr.Error())
		r.errors = append(r.errors, models.TruncateError(runErr.Error()))
	case r.cancelled:
		status = models.TaskCancelled
	default:
		attempted, successful := r.progress.counts()
		status = models.FinalStatus(attempted, successful)
	}
	summary["status"] = string(status)

	s.finish(ctx, taskID, status, summary)
	duration := time.Since(started)
	s.metrics.RunFinished(cmd.Kind, status, duration)
	s.publish(ctx, EventRunFinished, RunEvent{
		TaskID: cmd.TaskID, RunID: cmd.RunID, UserID: cmd.UserID, Kind: cmd.Kind,
		Status: status, DryRun: cmd.DryRun, Summary: summary, Errors: r.errors,
		Duration: duration.Round(time.Second).String(),
	})
	log.Info("Run finished",
		logger.Field{Key: "status", Value: string(status)},
		logger.Field{Key: "duration", Value: duration.String()})
	return runErr
}

// finish writes the outcome even when ctx is already cancelled.
func (s *automationService) finish(ctx context.Context, id primitive.ObjectID, status models.TaskStatus, result map[string]interface{}) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.tasks.Finish(fctx, id, status, result); err != nil {
		logger.FromContext(ctx).Error("Failed to finish task",
			logger.Field{Key: "task_id", Value: id.Hex()},
			logger.Field{Key: "status", Value: status},
			logger.Err(err))
	}
}

func (s *automationService) dispatch(ctx context.Context, r *run) (map[string]interface{}, error) {
	switch r.cmd.Kind {
	case models.RunDisable:
		return s.runDisable(ctx, r)
	case models.RunBudget:
		return s.runBudget(ctx, r)
	case models.RunScaling:
		return s.runScaling(ctx, r)
	case models.RunAnalysis:
		return s.runAnalysis(ctx, r)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrInvalidRunKind, r.cmd.Kind)
}

type runInputs struct {
	accounts  []*models.Account
	rules     []*models.Rule
	whitelist map[int64]struct{}
}

func (s *automationService) loadInputs(ctx context.Context, r *run, kind models.RuleKind) (*runInputs, error) {
	stored, err := s.rules.List(ctx, r.cmd.UserID, repository.RuleFilter{Kind: kind, EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if r.cmd.ConfigID != "" {
		var only []*models.Rule
		for _, rule := range stored {
			if rule.ID.Hex() == r.cmd.ConfigID {
				only = append(only, rule)
			}
		}
		stored = only
	}

	settings, err := s.settings.Get(ctx, r.cmd.UserID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	accounts, err := s.accounts.ListByUser(ctx, r.cmd.UserID)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	r.progress.setTotal(ctx, len(accounts))
	return &runInputs{accounts: accounts, rules: stored, whitelist: settings.WhitelistSet()}, nil
}

func (s *automationService) accountContext(ctx context.Context, account *models.Account) context.Context {
	return logger.With(ctx, logger.Fields{"account": account.Name, "account_id": account.ID.Hex()})
}

func (s *automationService) accountFailed(ctx context.Context, r *run, out *accountOutcome, err error) {
	msg := fmt.Sprintf("account %s: %v", out.AccountName, err)
	out.Error = models.TruncateError(err.Error())
	r.errors = append(r.errors, models.TruncateError(msg))
	r.progress.accountFailed(ctx, msg)
	s.metrics.AccountFailed(r.cmd.Kind)
	logger.FromContext(ctx).Error("Account step failed", logger.Err(err))
}

func (s *automationService) runDisable(ctx context.Context, r *run) (map[string]interface{}, error) {
	in, err := s.loadInputs(ctx, r, models.RuleKindDisable)
	if err != nil {
		return nil, err
	}

	var total engine.DisableResult
	outcomes := make([]accountOutcome, 0, len(in.accounts))
	for _, account := range in.accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.isCancelled(ctx) {
			break
		}
		out := accountOutcome{AccountID: account.ID.Hex(), AccountName: account.Name}
		rs := rulesFor(in.rules, account)
		if len(rs) == 0 {
			out.Skipped = true
			outcomes = append(outcomes, out)
			r.progress.accountDone(ctx, fmt.Sprintf("%s: no rules", account.Name))
			continue
		}

		actx := s.accountContext(ctx, account)
		res, err := s.disable.Run(actx, engine.DisableRequest{
			Target:    s.targets.Target(account, r.cmd.TaskID),
			Rules:     rs,
			Whitelist: in.whitelist,
			DryRun:    r.cmd.DryRun,
			Now:       r.now,
			Cancel:    r.token.Func(),
			Progress:  r.progress,
		})
		out.Result = res
		if err != nil {
			s.accountFailed(actx, r, &out, err)
		} else {
			r.progress.accountDone(ctx, fmt.Sprintf("%s: done", account.Name))
		}
		outcomes = append(outcomes, out)

		total.Analyzed += res.Analyzed
		total.Whitelisted += res.Whitelisted
		total.Matched += res.Matched
		total.Disabled += res.Disabled
		total.Failed += res.Failed
		r.errors = append(r.errors, res.Errors...)
		s.metrics.BannersDisabled(res.Disabled, r.cmd.DryRun)
		if res.Cancelled {
			r.cancelled = true
			break
		}
	}

	return map[string]interface{}{
		"accounts":    len(outcomes),
		"analyzed":    total.Analyzed,
		"whitelisted": total.Whitelisted,
		"matched":     total.Matched,
		"disabled":    total.Disabled,
		"failed":      total.Failed,
		"dry_run":     r.cmd.DryRun,
		"per_account": toDocuments(outcomes),
	}, nil
}

func (s *automationService) runBudget(ctx context.Context, r *run) (map[string]interface{}, error) {
	in, err := s.loadInputs(ctx, r, models.RuleKindBudget)
	if err != nil {
		return nil, err
	}

	var total engine.BudgetResult
	outcomes := make([]accountOutcome, 0, len(in.accounts))
	for _, account := range in.accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.isCancelled(ctx) {
			break
		}
		out := accountOutcome{AccountID: account.ID.Hex(), AccountName: account.Name}
		rs := rulesFor(in.rules, account)
		if len(rs) == 0 {
			out.Skipped = true
			outcomes = append(outcomes, out)
			r.progress.accountDone(ctx, fmt.Sprintf("%s: no rules", account.Name))
			continue
		}

		actx := s.accountContext(ctx, account)
		res, err := s.budget.Run(actx, engine.BudgetRequest{
			Target:    s.targets.Target(account, r.cmd.TaskID),
			Rules:     rs,
			Whitelist: in.whitelist,
			DryRun:    r.cmd.DryRun,
			Now:       r.now,
			Cancel:    r.token.Func(),
			Progress:  r.progress,
		})
		out.Result = res
		if err != nil {
			s.accountFailed(actx, r, &out, err)
		} else {
			r.progress.accountDone(ctx, fmt.Sprintf("%s: done", account.Name))
		}
		outcomes = append(outcomes, out)

		total.Analyzed += res.Analyzed
		total.Matched += res.Matched
		total.Changed += res.Changed
		total.Unchanged += res.Unchanged
		total.Failed += res.Failed
		r.errors = append(r.errors, res.Errors...)
		s.metrics.BudgetChanged(res.Changed, r.cmd.DryRun)
		if res.Cancelled {
			r.cancelled = true
			break
		}
	}

	return map[string]interface{}{
		"accounts":    len(outcomes),
		"analyzed":    total.Analyzed,
		"matched":     total.Matched,
		"changed":     total.Changed,
		"unchanged":   total.Unchanged,
		"failed":      total.Failed,
		"dry_run":     r.cmd.DryRun,
		"per_account": toDocuments(outcomes),
	}, nil
}

func (s *automationService) runScaling(ctx context.Context, r *run) (map[string]interface{}, error) {
	oid, err := repository.ParseID(r.cmd.ConfigID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.scaling.GetByID(ctx, r.cmd.UserID, oid)
	if err != nil {
		return nil, fmt.Errorf("load scaling config: %w", err)
	}
	accounts, err := s.accounts.ListByUser(ctx, r.cmd.UserID)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	r.progress.setTotal(ctx, len(accounts))

	opts := scalingOptions(cfg)
	state := engine.NewRunState()

	var total engine.ScalingResult
	outcomes := make([]accountOutcome, 0, len(accounts))
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.isCancelled(ctx) {
			break
		}
		out := accountOutcome{AccountID: account.ID.Hex(), AccountName: account.Name}
		if !cfg.AppliesTo(account.ID) {
			out.Skipped = true
			outcomes = append(outcomes, out)
			r.progress.accountDone(ctx, fmt.Sprintf("%s: not linked", account.Name))
			continue
		}

		actx := s.accountContext(ctx, account)
		res, err := s.scaler.Run(actx, engine.ScalingRequest{
			Target:   s.targets.Target(account, r.cmd.TaskID),
			Options:  opts,
			State:    state,
			DryRun:   r.cmd.DryRun,
			Now:      r.now,
			Cancel:   r.token.Func(),
			Progress: r.progress,
		})
		out.Result = res
		if err != nil {
			s.accountFailed(actx, r, &out, err)
		} else {
			r.progress.accountDone(ctx, fmt.Sprintf("%s: done", account.Name))
		}
		outcomes = append(outcomes, out)

		total.Positive += res.Positive
		total.Negative += res.Negative
		total.GroupsQualified += res.GroupsQualified
		total.GroupsDuplicated += res.GroupsDuplicated
		total.GroupsFailed += res.GroupsFailed
		total.BannersDuplicated += res.BannersDuplicated
		total.BannersDeleted += res.BannersDeleted
		total.CampaignsCreated += res.CampaignsCreated
		r.errors = append(r.errors, res.Errors...)
		s.metrics.GroupsDuplicated(res.GroupsDuplicated, r.cmd.DryRun)
		if res.Cancelled {
			r.cancelled = true
			break
		}
	}

	return map[string]interface{}{
		"accounts":           len(outcomes),
		"config":             cfg.Name,
		"positive":           total.Positive,
		"negative":           total.Negative,
		"qualified":          total.GroupsQualified,
		"duplicated":         total.GroupsDuplicated,
		"failed":             total.GroupsFailed,
		"banners_duplicated": total.BannersDuplicated,
		"banners_deleted":    total.BannersDeleted,
		"campaigns_created":  total.CampaignsCreated,
		"dry_run":            r.cmd.DryRun,
		"per_account":        toDocuments(outcomes),
	}, nil
}

type analysisMatch struct {
	BannerID   int64                  `json:"banner_id"`
	BannerName string                 `json:"banner_name"`
	AdGroupID  int64                  `json:"ad_group_id"`
	RuleID     string                 `json:"rule_id"`
	RuleName   string                 `json:"rule_name"`
	Metrics    map[string]interface{} `json:"metrics"`
}

type analysisResult struct {
	Matched int             `json:"matched"`
	Matches []analysisMatch `json:"matches,omitempty"`
}

// runAnalysis evaluates disable rules without mutating anything. Accounts
// run concurrently up to MaxConcurrentAccounts.
func (s *automationService) runAnalysis(ctx context.Context, r *run) (map[string]interface{}, error) {
	in, err := s.loadInputs(ctx, r, models.RuleKindDisable)
	if err != nil {
		return nil, err
	}

	outcomes := make([]accountOutcome, len(in.accounts))
	failures := make([]error, len(in.accounts))
	cancel := r.token.Func()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrentAccounts)
	for i, account := range in.accounts {
		i, account := i, account
		outcomes[i] = accountOutcome{AccountID: account.ID.Hex(), AccountName: account.Name}
		g.Go(func() error {
			if cancel(gctx) {
				return nil
			}
			rs := rulesFor(in.rules, account)
			if len(rs) == 0 {
				outcomes[i].Skipped = true
				r.progress.accountDone(gctx, fmt.Sprintf("%s: no rules", account.Name))
				return nil
			}
			matches, err := s.disable.Analyze(s.accountContext(gctx, account), engine.DisableRequest{
				Target:    s.targets.Target(account, r.cmd.TaskID),
				Rules:     rs,
				Whitelist: in.whitelist,
				Now:       r.now,
				Cancel:    cancel,
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures[i] = err
				return nil
			}

			res := analysisResult{Matched: len(matches)}
			for _, m := range matches {
				if len(res.Matches) == maxAnalysisMatches {
					break
				}
				res.Matches = append(res.Matches, analysisMatch{
					BannerID:   m.BannerID,
					BannerName: m.BannerName,
					AdGroupID:  m.AdGroupID,
					RuleID:     m.Rule.ID,
					RuleName:   m.Rule.Name,
					Metrics:    m.Record.Snapshot(),
				})
			}
			outcomes[i].Result = res
			r.progress.accountSucceeded(gctx, fmt.Sprintf("%s: %d matches", account.Name, len(matches)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matched := 0
	for i := range outcomes {
		if failures[i] != nil {
			s.accountFailed(s.accountContext(ctx, in.accounts[i]), r, &outcomes[i], failures[i])
			continue
		}
		if res, ok := outcomes[i].Result.(analysisResult); ok {
			matched += res.Matched
		}
	}
	r.isCancelled(ctx)

	return map[string]interface{}{
		"accounts":    len(outcomes),
		"matched":     matched,
		"per_account": toDocuments(outcomes),
	}, nil
}

// toDocuments turns outcomes into plain maps so the task result stores the
// same keys the API returns.
func toDocuments(outcomes []accountOutcome) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(outcomes))
	for _, o := range outcomes {
		raw, err := json.Marshal(o)
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err == nil {
			out = append(out, doc)
		}
	}
	return out
}
