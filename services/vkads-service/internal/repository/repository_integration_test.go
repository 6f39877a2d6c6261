//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/grigta/vkads/pkg/crypto"
	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/pkg/testutil"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type RepositoryIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	container *testutil.MongoDBContainer
	db        *database.MongoDB

	accounts AccountRepository
	rules    RuleRepository
	settings SettingsRepository
	tasks    TaskRepository
	logs     LogRepository
}

func (s *RepositoryIntegrationSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	var err error
	s.container, err = testutil.StartMongoContainer(s.ctx)
	s.Require().NoError(err, "Failed to start MongoDB container")

	s.db, err = database.NewMongoDB(s.ctx, database.MongoOptions{URI: s.container.URI, Database: s.container.DatabaseName})
	s.Require().NoError(err)
	s.Require().NoError(s.db.EnsureIndexes(s.ctx, Indexes()))

	enc, err := crypto.NewEncryptor("0123456789abcdef0123456789abcdef")
	s.Require().NoError(err)

	db := s.db.GetDatabase()
	s.accounts = NewAccountRepository(db, enc)
	s.rules = NewRuleRepository(db)
	s.settings = NewSettingsRepository(db)
	s.tasks = NewTaskRepository(db)
	s.logs = NewLogRepository(db)
}

func (s *RepositoryIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Close(context.Background())
	}
	s.cancel()
}

func TestRepositoryIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RepositoryIntegrationSuite))
}

func (s *RepositoryIntegrationSuite) TestAccountTokenEncrypted() {
	acc := &models.Account{UserID: "u1", Name: "cabinet", APIToken: "secret-token"}
	s.Require().NoError(s.accounts.Create(s.ctx, acc))
	s.Equal("secret-token", acc.APIToken)

	var raw struct {
		APIToken string `bson:"api_token"`
	}
	s.Require().NoError(s.db.GetDatabase().Collection(accountsCollection).
		FindOne(s.ctx, map[string]interface{}{"_id": acc.ID}).Decode(&raw))
	s.NotEqual("secret-token", raw.APIToken)

	got, err := s.accounts.GetByName(s.ctx, "u1", "cabinet")
	s.Require().NoError(err)
	s.Equal("secret-token", got.APIToken)

	_, err = s.accounts.GetByID(s.ctx, "other-user", acc.ID)
	s.ErrorIs(err, database.ErrNotFound)

	dup := &models.Account{UserID: "u1", Name: "cabinet", APIToken: "x"}
	s.ErrorIs(s.accounts.Create(s.ctx, dup), database.ErrDuplicate)
}

func (s *RepositoryIntegrationSuite) TestRulesOrderedByPriority() {
	for _, r := range []models.Rule{
		{UserID: "u2", Kind: models.RuleKindDisable, Name: "low", Priority: 1, Enabled: true},
		{UserID: "u2", Kind: models.RuleKindDisable, Name: "high", Priority: 10, Enabled: true},
		{UserID: "u2", Kind: models.RuleKindDisable, Name: "off", Priority: 50},
		{UserID: "u2", Kind: models.RuleKindBudget, Name: "budget", Priority: 5, Enabled: true},
	} {
		rule := r
		s.Require().NoError(s.rules.Create(s.ctx, &rule))
	}

	rules, err := s.rules.List(s.ctx, "u2", RuleFilter{Kind: models.RuleKindDisable, EnabledOnly: true})
	s.Require().NoError(err)
	s.Require().Len(rules, 2)
	s.Equal("high", rules[0].Name)
	s.Equal("low", rules[1].Name)
	s.Equal(models.DefaultLookbackDays, rules[0].LookbackDays)
}

func (s *RepositoryIntegrationSuite) TestWhitelist() {
	st, err := s.settings.Get(s.ctx, "u3")
	s.Require().NoError(err)
	s.Empty(st.Whitelist)

	s.Require().NoError(s.settings.SetWhitelist(s.ctx, "u3", []int64{5, 7}))
	s.Require().NoError(s.settings.SetTelegramChatID(s.ctx, "u3", 42))

	st, err = s.settings.Get(s.ctx, "u3")
	s.Require().NoError(err)
	s.Equal([]int64{5, 7}, st.Whitelist)
	s.Equal(int64(42), st.TelegramChatID)
}

func (s *RepositoryIntegrationSuite) TestTaskLifecycle() {
	task := &models.Task{UserID: "u4", Kind: models.RunDisable}
	s.Require().NoError(s.tasks.Create(s.ctx, task))
	s.Equal(models.TaskPending, task.Status)

	s.Require().NoError(s.tasks.MarkRunning(s.ctx, task.ID))
	total := 10
	s.Require().NoError(s.tasks.UpdateProgress(s.ctx, task.ID, models.TaskProgress{
		Total: &total, Completed: 3, Successful: 2, Failed: 1, CurrentStep: "batch 1/4", Errors: []string{"boom"},
	}))
	s.Require().NoError(s.tasks.UpdateProgress(s.ctx, task.ID, models.TaskProgress{Completed: 2, Successful: 2}))

	got, err := s.tasks.GetByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskRunning, got.Status)
	s.Equal(10, got.Total)
	s.Equal(5, got.Completed)
	s.Equal(4, got.Successful)
	s.Equal([]string{"boom"}, got.Errors)

	s.Require().NoError(s.tasks.Cancel(s.ctx, "u4", task.ID))
	status, err := s.tasks.Status(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskCancelled, status)

	s.Require().NoError(s.tasks.Finish(s.ctx, task.ID, models.TaskCompleted, map[string]interface{}{"disabled": 4}))
	got, err = s.tasks.GetByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(models.TaskCancelled, got.Status)
	s.NotNil(got.FinishedAt)

	s.ErrorIs(s.tasks.Cancel(s.ctx, "u4", task.ID), models.ErrTaskFinished)
}

func (s *RepositoryIntegrationSuite) TestLogs() {
	s.Require().NoError(s.logs.InsertActionLogs(s.ctx, []models.ActionLog{
		{TaskID: "t1", BannerID: 1, Action: "disable", Success: true},
		{TaskID: "t1", BannerID: 2, Action: "disable", Error: "failed"},
	}))
	logs, err := s.logs.ActionLogsByTask(s.ctx, "t1", 0)
	s.Require().NoError(err)
	s.Len(logs, 2)
}
