package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/pkg/messaging"
	"github.com/grigta/vkads/pkg/testutil"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/repository"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

const testUser = "user-1"

// MockAccountRepository is a mock implementation of AccountRepository
type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) Create(ctx context.Context, account *models.Account) error {
	args := m.Called(ctx, account)
	if args.Error(0) == nil {
		account.ID = primitive.NewObjectID()
	}
	return args.Error(0)
}

func (m *MockAccountRepository) GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.Account, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockAccountRepository) GetByName(ctx context.Context, userID, name string) (*models.Account, error) {
	args := m.Called(ctx, userID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockAccountRepository) ListByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Account), args.Error(1)
}

func (m *MockAccountRepository) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	return m.Called(ctx, userID, id).Error(0)
}

// MockRuleRepository is a mock implementation of RuleRepository
type MockRuleRepository struct {
	mock.Mock
}

func (m *MockRuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	args := m.Called(ctx, rule)
	if args.Error(0) == nil {
		rule.ID = primitive.NewObjectID()
	}
	return args.Error(0)
}

func (m *MockRuleRepository) GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.Rule, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Rule), args.Error(1)
}

func (m *MockRuleRepository) List(ctx context.Context, userID string, filter repository.RuleFilter) ([]*models.Rule, error) {
	args := m.Called(ctx, userID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Rule), args.Error(1)
}

func (m *MockRuleRepository) SetEnabled(ctx context.Context, userID string, id primitive.ObjectID, enabled bool) error {
	return m.Called(ctx, userID, id, enabled).Error(0)
}

func (m *MockRuleRepository) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	return m.Called(ctx, userID, id).Error(0)
}

// MockScalingConfigRepository is a mock implementation of ScalingConfigRepository
type MockScalingConfigRepository struct {
	mock.Mock
}

func (m *MockScalingConfigRepository) Create(ctx context.Context, cfg *models.ScalingConfig) error {
	args := m.Called(ctx, cfg)
	if args.Error(0) == nil {
		cfg.ID = primitive.NewObjectID()
	}
	return args.Error(0)
}

func (m *MockScalingConfigRepository) GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.ScalingConfig, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ScalingConfig), args.Error(1)
}

func (m *MockScalingConfigRepository) List(ctx context.Context, userID string) ([]*models.ScalingConfig, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ScalingConfig), args.Error(1)
}

func (m *MockScalingConfigRepository) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	return m.Called(ctx, userID, id).Error(0)
}

// MockSettingsRepository is a mock implementation of SettingsRepository
type MockSettingsRepository struct {
	mock.Mock
}

func (m *MockSettingsRepository) Get(ctx context.Context, userID string) (*models.UserSettings, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSettings), args.Error(1)
}

func (m *MockSettingsRepository) SetWhitelist(ctx context.Context, userID string, bannerIDs []int64) error {
	return m.Called(ctx, userID, bannerIDs).Error(0)
}

func (m *MockSettingsRepository) SetTelegramChatID(ctx context.Context, userID string, chatID int64) error {
	return m.Called(ctx, userID, chatID).Error(0)
}

// MockMessagingClient is a mock implementation of messaging.Client
type MockMessagingClient struct {
	mock.Mock
}

func (m *MockMessagingClient) SetupTopology(t messaging.Topology) error {
	return m.Called(t).Error(0)
}

func (m *MockMessagingClient) PublishToQueue(queueName string, message *messaging.Message) error {
	return m.Called(queueName, message).Error(0)
}

func (m *MockMessagingClient) PublishEvent(exchange, routingKey string, message *messaging.Message) error {
	return m.Called(exchange, routingKey, message).Error(0)
}

func (m *MockMessagingClient) ConsumeQueue(ctx context.Context, queueName string, handler func(*messaging.Message) error) error {
	return m.Called(ctx, queueName, handler).Error(0)
}

func (m *MockMessagingClient) Close() error {
	return m.Called().Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	return m.Called(ctx, chatID, text).Error(0)
}

// memTasks keeps tasks in memory with the same status rules as the Mongo
// repository.
type memTasks struct {
	mu        sync.Mutex
	tasks     map[primitive.ObjectID]*models.Task
	polls     int
	finishErr error
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[primitive.ObjectID]*models.Task)}
}

func (m *memTasks) Create(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.ID = primitive.NewObjectID()
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memTasks) GetByID(_ context.Context, id primitive.ObjectID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) List(_ context.Context, userID string, _ int64) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) Status(_ context.Context, id primitive.ObjectID) (models.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	t, ok := m.tasks[id]
	if !ok {
		return "", database.ErrNotFound
	}
	return t.Status, nil
}

func (m *memTasks) MarkRunning(_ context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskPending {
		return models.ErrTaskFinished
	}
	now := time.Now()
	t.Status = models.TaskRunning
	t.StartedAt = &now
	return nil
}

func (m *memTasks) UpdateProgress(_ context.Context, id primitive.ObjectID, p models.TaskProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return database.ErrNotFound
	}
	if p.Total != nil {
		t.Total = *p.Total
	}
	if p.CurrentStep != "" {
		t.CurrentStep = p.CurrentStep
	}
	t.Completed += p.Completed
	t.Successful += p.Successful
	t.Failed += p.Failed
	t.Errors = append(t.Errors, p.Errors...)
	return nil
}

func (m *memTasks) Finish(_ context.Context, id primitive.ObjectID, status models.TaskStatus, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return database.ErrNotFound
	}
	if t.Status == models.TaskPending || t.Status == models.TaskRunning {
		t.Status = status
	}
	now := time.Now()
	t.FinishedAt = &now
	t.Result = result
	return nil
}

func (m *memTasks) Cancel(_ context.Context, userID string, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID {
		return database.ErrNotFound
	}
	if t.Status.Terminal() {
		return models.ErrTaskFinished
	}
	t.Status = models.TaskCancelled
	return nil
}

func (m *memTasks) get(id primitive.ObjectID) models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

type memLogRepo struct {
	mu      sync.Mutex
	actions []models.ActionLog
	budgets []models.BudgetChangeLog
	scaling []models.ScalingLog
}

func (m *memLogRepo) InsertActionLogs(_ context.Context, logs []models.ActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, logs...)
	return nil
}

func (m *memLogRepo) InsertBudgetLog(_ context.Context, log models.BudgetChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets = append(m.budgets, log)
	return nil
}

func (m *memLogRepo) InsertScalingLog(_ context.Context, log models.ScalingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scaling = append(m.scaling, log)
	return nil
}

func (m *memLogRepo) ActionLogsByTask(_ context.Context, taskID string, _ int64) ([]models.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActionLog
	for _, l := range m.actions {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLogRepo) BudgetLogsByTask(_ context.Context, taskID string, _ int64) ([]models.BudgetChangeLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BudgetChangeLog
	for _, l := range m.budgets {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLogRepo) ScalingLogsByTask(_ context.Context, taskID string, _ int64) ([]models.ScalingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScalingLog
	for _, l := range m.scaling {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fixture struct {
	server   *testutil.MockVKAdsServer
	accounts *MockAccountRepository
	rules    *MockRuleRepository
	scaling  *MockScalingConfigRepository
	settings *MockSettingsRepository
	tasks    *memTasks
	logs     *memLogRepo
	deps     Dependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := testutil.NewMockVKAdsServer()
	server.Token = "tok-1"
	t.Cleanup(server.Close)

	f := &fixture{
		server:   server,
		accounts: new(MockAccountRepository),
		rules:    new(MockRuleRepository),
		scaling:  new(MockScalingConfigRepository),
		settings: new(MockSettingsRepository),
		tasks:    newMemTasks(),
		logs:     &memLogRepo{},
	}
	vkCfg := vkads.Config{
		BaseURL:        server.URL(),
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		MinDailyBudget: 100,
	}
	f.deps = Dependencies{
		Accounts: f.accounts,
		Rules:    f.rules,
		Scaling:  f.scaling,
		Settings: f.settings,
		Tasks:    f.tasks,
		Logs:     f.logs,
		Targets:  NewTargetFactory(server.Server.Client(), vkCfg, stats.Config{}, nil, nil),
		Disable:  engine.NewDisableEngine(f.logs, engine.DisableConfig{}),
		Budget:   engine.NewBudgetEngine(f.logs, engine.BudgetConfig{}),
		Scaler:   engine.NewScalingEngine(engine.NewClassifier(200), f.logs),
		Logger:   logger.Nop(),
		Options:  RunnerOptions{CancelPollInterval: time.Millisecond},
	}
	return f
}

func (f *fixture) service() *automationService {
	return NewAutomationService(f.deps).(*automationService)
}

func (f *fixture) account(name string) *models.Account {
	return &models.Account{ID: primitive.NewObjectID(), UserID: testUser, Name: name, APIToken: "tok-1"}
}

func (f *fixture) addBanner(id, group int64, clicks int64, spent float64) {
	f.server.AddBanner(testutil.MockBanner{
		ID:        id,
		Name:      "Banner",
		Status:    "active",
		AdGroupID: group,
		Content:   map[string]interface{}{"urls": map[string]interface{}{"primary": map[string]interface{}{"id": 1}}},
	})
	f.server.SetStats(id, testutil.MockStats{Shows: clicks * 100, Clicks: clicks, Spent: spent})
}

// pendingTask creates a task the way StartRun does and returns its command.
func (f *fixture) pendingTask(t *testing.T, kind models.RunKind, configID string, dryRun bool) RunCommand {
	t.Helper()
	task := &models.Task{UserID: testUser, Kind: kind, ConfigID: configID, DryRun: dryRun}
	if err := f.tasks.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return RunCommand{TaskID: task.ID.Hex(), RunID: "run-1", UserID: testUser, Kind: kind, ConfigID: configID, DryRun: dryRun}
}

func clicksRule(kind models.RuleKind, threshold float64) *models.Rule {
	r := &models.Rule{
		ID:           primitive.NewObjectID(),
		UserID:       testUser,
		Kind:         kind,
		Name:         "clicks",
		Enabled:      true,
		LookbackDays: 7,
		Conditions:   []models.Condition{{Metric: "clicks", Operator: "greater_than", Value: threshold}},
	}
	if kind == models.RuleKindBudget {
		r.ChangePercent = 10
		r.ChangeDirection = models.DirectionIncrease
	}
	return r
}
