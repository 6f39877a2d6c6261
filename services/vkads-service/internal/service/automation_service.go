package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/pkg/messaging"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/repository"
)

const (
	RunQueue           = "vkads.runs"
	EventsExchange     = "vkads.events"
	NotificationsQueue = "vkads.notifications"

	MessageRunRequested = "run.requested"
	EventRunStarted     = "run.started"
	EventRunFinished    = "run.finished"
)

var ErrRunInProgress = errors.New("a run with the same kind and config is already in progress")

// Topology declares the queues and exchanges the service uses.
func Topology() messaging.Topology {
	return messaging.Topology{
		Exchanges: map[string]string{EventsExchange: "topic"},
		Queues:    []string{RunQueue, NotificationsQueue},
		Bindings: []messaging.Binding{
			{Queue: NotificationsQueue, Exchange: EventsExchange, Key: EventRunFinished},
		},
		Prefetch: 1,
	}
}

type AutomationService interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	ListAccounts(ctx context.Context, userID string) ([]*models.Account, error)
	DeleteAccount(ctx context.Context, userID, id string) error

	CreateRule(ctx context.Context, rule *models.Rule) error
	ListRules(ctx context.Context, userID string, kind models.RuleKind) ([]*models.Rule, error)
	SetRuleEnabled(ctx context.Context, userID, id string, enabled bool) error
	DeleteRule(ctx context.Context, userID, id string) error

	CreateScalingConfig(ctx context.Context, cfg *models.ScalingConfig) error
	ListScalingConfigs(ctx context.Context, userID string) ([]*models.ScalingConfig, error)
	DeleteScalingConfig(ctx context.Context, userID, id string) error

	GetSettings(ctx context.Context, userID string) (*models.UserSettings, error)
	SetWhitelist(ctx context.Context, userID string, bannerIDs []int64) error
	SetTelegramChat(ctx context.Context, userID string, chatID int64) error

	StartRun(ctx context.Context, userID string, req RunRequest) (*models.Task, error)
	ExecuteRun(ctx context.Context, cmd RunCommand) error
	CancelTask(ctx context.Context, userID, taskID string) error
	GetTask(ctx context.Context, userID, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, userID string, limit int64) ([]*models.Task, error)
	TaskLogs(ctx context.Context, userID, taskID string, limit int64) (*TaskLogs, error)

	StartWorkers(ctx context.Context) error
	Wait()
}

type RunRequest struct {
	Kind     models.RunKind `json:"kind"`
	ConfigID string         `json:"config_id,omitempty"`
	DryRun   bool           `json:"dry_run"`
}

// RunCommand is the message a worker executes.
type RunCommand struct {
	TaskID   string         `json:"task_id"`
	RunID    string         `json:"run_id"`
	UserID   string         `json:"user_id"`
	Kind     models.RunKind `json:"kind"`
	ConfigID string         `json:"config_id,omitempty"`
	DryRun   bool           `json:"dry_run"`
}

type TaskLogs struct {
	Actions []models.ActionLog       `json:"actions,omitempty"`
	Budgets []models.BudgetChangeLog `json:"budgets,omitempty"`
	Scaling []models.ScalingLog      `json:"scaling,omitempty"`
}

type RunnerOptions struct {
	MaxConcurrentAccounts int
	CancelPollInterval    time.Duration
	LockTTL               time.Duration
}

// Dependencies groups everything the service is wired with. Messaging,
// Notifier and Locker are optional.
type Dependencies struct {
	Accounts repository.AccountRepository
	Rules    repository.RuleRepository
	Scaling  repository.ScalingConfigRepository
	Settings repository.SettingsRepository
	Tasks    repository.TaskRepository
	Logs     repository.LogRepository

	Targets   TargetFactory
	Disable   *engine.DisableEngine
	Budget    *engine.BudgetEngine
	Scaler    *engine.ScalingEngine
	Messaging messaging.Client
	Notifier  Notifier
	Locker    RunLocker
	Metrics   MetricsCollector
	Logger    logger.Logger
	Options   RunnerOptions
}

type automationService struct {
	accounts repository.AccountRepository
	rules    repository.RuleRepository
	scaling  repository.ScalingConfigRepository
	settings repository.SettingsRepository
	tasks    repository.TaskRepository
	logs     repository.LogRepository

	targets  TargetFactory
	disable  *engine.DisableEngine
	budget   *engine.BudgetEngine
	scaler   *engine.ScalingEngine
	mq       messaging.Client
	notifier Notifier
	locker   RunLocker
	metrics  MetricsCollector
	log      logger.Logger
	opts     RunnerOptions

	cancels *cancelRegistry
	running sync.WaitGroup
}

func NewAutomationService(d Dependencies) AutomationService {
	if d.Locker == nil {
		d.Locker = NewMemoryLocker()
	}
	if d.Logger == nil {
		d.Logger = logger.Default()
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Options.MaxConcurrentAccounts <= 0 {
		d.Options.MaxConcurrentAccounts = 5
	}
	if d.Options.CancelPollInterval <= 0 {
		d.Options.CancelPollInterval = 2 * time.Second
	}
	if d.Options.LockTTL <= 0 {
		d.Options.LockTTL = 2 * time.Hour
	}
	return &automationService{
		accounts: d.Accounts,
		rules:    d.Rules,
		scaling:  d.Scaling,
		settings: d.Settings,
		tasks:    d.Tasks,
		logs:     d.Logs,
		targets:  d.Targets,
		disable:  d.Disable,
		budget:   d.Budget,
		scaler:   d.Scaler,
		mq:       d.Messaging,
		notifier: d.Notifier,
		locker:   d.Locker,
		metrics:  d.Metrics,
		log:      d.Logger,
		opts:     d.Options,
		cancels:  newCancelRegistry(),
	}
}

func (s *automationService) CreateAccount(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	return s.accounts.Create(ctx, account)
}

func (s *automationService) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	return s.accounts.ListByUser(ctx, userID)
}

func (s *automationService) DeleteAccount(ctx context.Context, userID, id string) error {
	oid, err := repository.ParseID(id)
	if err != nil {
		return err
	}
	return s.accounts.Delete(ctx, userID, oid)
}

func (s *automationService) CreateRule(ctx context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.rules.Create(ctx, rule)
}

func (s *automationService) ListRules(ctx context.Context, userID string, kind models.RuleKind) ([]*models.Rule, error) {
	return s.rules.List(ctx, userID, repository.RuleFilter{Kind: kind})
}

func (s *automationService) SetRuleEnabled(ctx context.Context, userID, id string, enabled bool) error {
	oid, err := repository.ParseID(id)
	if err != nil {
		return err
	}
	return s.rules.SetEnabled(ctx, userID, oid, enabled)
}

func (s *automationService) DeleteRule(ctx context.Context, userID, id string) error {
	oid, err := repository.ParseID(id)
	if err != nil {
		return err
	}
	return s.rules.Delete(ctx, userID, oid)
}

func (s *automationService) CreateScalingConfig(ctx context.Context, cfg *models.ScalingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.scaling.Create(ctx, cfg)
}

func (s *automationService) ListScalingConfigs(ctx context.Context, userID string) ([]*models.ScalingConfig, error) {
	return s.scaling.List(ctx, userID)
}

func (s *automationService) DeleteScalingConfig(ctx context.Context, userID, id string) error {
	oid, err := repository.ParseID(id)
	if err != nil {
		return err
	}
	return s.scaling.Delete(ctx, userID, oid)
}

func (s *automationService) GetSettings(ctx context.Context, userID string) (*models.UserSettings, error) {
	return s.settings.Get(ctx, userID)
}

func (s *automationService) SetWhitelist(ctx context.Context, userID string, bannerIDs []int64) error {
	return s.settings.SetWhitelist(ctx, userID, bannerIDs)
}

func (s *automationService) SetTelegramChat(ctx context.Context, userID string, chatID int64) error {
	return s.settings.SetTelegramChatID(ctx, userID, chatID)
}

// StartRun records a pending task and hands it to a worker: through the run
// queue when messaging is configured, in-process otherwise.
func (s *automationService) StartRun(ctx context.Context, userID string, req RunRequest) (*models.Task, error) {
	kind, err := models.ParseRunKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	if kind == models.RunScaling {
		if req.ConfigID == "" {
			return nil, fmt.Errorf("%w: scaling runs need config_id", models.ErrInvalidScalingConfig)
		}
		oid, err := repository.ParseID(req.ConfigID)
		if err != nil {
			return nil, err
		}
		if _, err := s.scaling.GetByID(ctx, userID, oid); err != nil {
			return nil, err
		}
	}

	task := &models.Task{
		UserID:   userID,
		Kind:     kind,
		ConfigID: req.ConfigID,
		DryRun:   req.DryRun,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	cmd := RunCommand{
		TaskID:   task.ID.Hex(),
		RunID:    newRunID(),
		UserID:   userID,
		Kind:     kind,
		ConfigID: req.ConfigID,
		DryRun:   req.DryRun,
	}

	if s.mq != nil {
		msg, err := messaging.NewMessage(MessageRunRequested, cmd)
		if err != nil {
			return nil, err
		}
		if err := s.mq.PublishToQueue(RunQueue, msg); err != nil {
			s.finish(logger.IntoContext(ctx, s.log), task.ID, models.TaskFailed,
				map[string]interface{}{"error": models.TruncateError(err.Error())})
			return nil, fmt.Errorf("failed to enqueue run: %w", err)
		}
		return task, nil
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		if err := s.ExecuteRun(context.Background(), cmd); err != nil {
			s.log.Error("Run failed", logger.Field{Key: "task_id", Value: cmd.TaskID}, logger.Err(err))
		}
	}()
	return task, nil
}

func (s *automationService) CancelTask(ctx context.Context, userID, taskID string) error {
	oid, err := repository.ParseID(taskID)
	if err != nil {
		return err
	}
	if err := s.tasks.Cancel(ctx, userID, oid); err != nil {
		return err
	}
	s.cancels.set(oid)
	return nil
}

func (s *automationService) GetTask(ctx context.Context, userID, taskID string) (*models.Task, error) {
	oid, err := repository.ParseID(taskID)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.GetByID(ctx, oid)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, database.ErrNotFound
	}
	return task, nil
}

func (s *automationService) ListTasks(ctx context.Context, userID string, limit int64) ([]*models.Task, error) {
	return s.tasks.List(ctx, userID, limit)
}

func (s *automationService) TaskLogs(ctx context.Context, userID, taskID string, limit int64) (*TaskLogs, error) {
	task, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	out := &TaskLogs{}
	switch task.Kind {
	case models.RunDisable, models.RunAnalysis:
		out.Actions, err = s.logs.ActionLogsByTask(ctx, taskID, limit)
	case models.RunBudget:
		out.Budgets, err = s.logs.BudgetLogsByTask(ctx, taskID, limit)
	case models.RunScaling:
		out.Scaling, err = s.logs.ScalingLogsByTask(ctx, taskID, limit)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartWorkers consumes run commands and run events. It returns at once;
// consumers stop with ctx.
func (s *automationService) StartWorkers(ctx context.Context) error {
	if s.mq == nil {
		return nil
	}
	err := s.mq.ConsumeQueue(ctx, RunQueue, func(msg *messaging.Message) error {
		var cmd RunCommand
		if err := msg.Decode(&cmd); err != nil {
			return fmt.Errorf("decode run command: %w", err)
		}
		s.running.Add(1)
		defer s.running.Done()
		if err := s.ExecuteRun(ctx, cmd); err != nil {
			s.log.Error("Run failed", logger.Field{Key: "task_id", Value: cmd.TaskID}, logger.Err(err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", RunQueue, err)
	}

	if s.notifier != nil {
		if err := s.mq.ConsumeQueue(ctx, NotificationsQueue, s.handleRunFinished); err != nil {
			return fmt.Errorf("failed to consume %s: %w", NotificationsQueue, err)
		}
	}
	return nil
}

// Wait blocks until in-process runs have returned.
func (s *automationService) Wait() {
	s.running.Wait()
}

// publish sends a run event. Without messaging a finished run is announced
// to the notifier directly.
func (s *automationService) publish(ctx context.Context, eventType string, e RunEvent) {
	if s.mq == nil {
		if eventType == EventRunFinished && s.notifier != nil {
			if err := s.notifyRun(context.WithoutCancel(ctx), e); err != nil {
				logger.FromContext(ctx).Warn("Failed to notify run", logger.Err(err))
			}
		}
		return
	}
	msg, err := messaging.NewMessage(eventType, e)
	if err == nil {
		err = s.mq.PublishEvent(EventsExchange, eventType, msg)
	}
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to publish run event",
			logger.Field{Key: "event", Value: eventType}, logger.Err(err))
	}
}

func taskIDOf(cmd RunCommand) (primitive.ObjectID, error) {
	oid, err := repository.ParseID(cmd.TaskID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("run command %s: %w", cmd.RunID, err)
	}
	return oid, nil
}
