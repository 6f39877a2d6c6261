package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/pkg/messaging"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

func TestCancelToken_ThrottlesPolls(t *testing.T) {
	tasks := newMemTasks()
	task := &models.Task{UserID: testUser, Kind: models.RunDisable}
	require.NoError(t, tasks.Create(context.Background(), task))

	token := newCancelToken(task.ID, newCancelRegistry(), tasks, time.Hour)
	ctx := context.Background()

	assert.False(t, token.Cancelled(ctx))
	assert.False(t, token.Cancelled(ctx))
	assert.Equal(t, 1, tasks.polls, "second check falls inside the interval")

	require.NoError(t, tasks.Cancel(ctx, testUser, task.ID))
	assert.False(t, token.Cancelled(ctx), "remote cancel is seen only after the interval")
}

func TestCancelToken_SeesStoredCancellation(t *testing.T) {
	tasks := newMemTasks()
	task := &models.Task{UserID: testUser, Kind: models.RunDisable}
	require.NoError(t, tasks.Create(context.Background(), task))
	ctx := context.Background()

	token := newCancelToken(task.ID, newCancelRegistry(), tasks, 0)
	assert.False(t, token.Cancelled(ctx))

	require.NoError(t, tasks.Cancel(ctx, testUser, task.ID))
	assert.True(t, token.Cancelled(ctx))

	polls := tasks.polls
	assert.True(t, token.Cancelled(ctx))
	assert.Equal(t, polls, tasks.polls, "cancellation latches")
}

func TestCancelToken_LocalFlag(t *testing.T) {
	flags := newCancelRegistry()
	id := primitive.NewObjectID()
	token := newCancelToken(id, flags, newMemTasks(), time.Hour)

	flags.set(id)
	var fn engine.CancelFunc = token.Func()
	assert.True(t, fn(context.Background()))

	flags.clear(id)
	assert.False(t, flags.isSet(id))
	assert.True(t, token.Cancelled(context.Background()))
}

func TestTaskProgress_CountsUnits(t *testing.T) {
	tasks := newMemTasks()
	task := &models.Task{UserID: testUser, Kind: models.RunDisable}
	require.NoError(t, tasks.Create(context.Background(), task))
	ctx := context.Background()

	p := newTaskProgress(task.ID, tasks)
	p.setTotal(ctx, 2)
	p.Report(ctx, models.TaskProgress{Completed: 9, Successful: 3, Failed: 1, Errors: []string{"banner 7: 500"}})
	p.accountDone(ctx, "Main: done")
	p.accountFailed(ctx, "account Other: unauthorized")

	stored := tasks.get(task.ID)
	assert.Equal(t, 2, stored.Total)
	assert.Equal(t, 2, stored.Completed, "engine reports never move the account counter")
	assert.Equal(t, 3, stored.Successful)
	assert.Equal(t, 2, stored.Failed)
	assert.Equal(t, []string{"banner 7: 500", "account Other: unauthorized"}, stored.Errors)

	attempted, successful := p.counts()
	assert.Equal(t, 5, attempted)
	assert.Equal(t, 3, successful)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.Acquire(ctx, "other", time.Minute)
	assert.True(t, ok)

	release()
	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLocker_Expires(t *testing.T) {
	l := NewMemoryLocker()
	_, ok, _ := l.Acquire(context.Background(), "k", time.Millisecond)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	_, ok, _ = l.Acquire(context.Background(), "k", time.Minute)
	assert.True(t, ok)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "vkads:run-lock:scaling:user-1:cfg", lockKey("scaling", "user-1", "cfg"))
}

func TestFormatRunEvent(t *testing.T) {
	text := FormatRunEvent(RunEvent{
		Kind:     models.RunDisable,
		Status:   models.TaskCompleted,
		DryRun:   true,
		Summary:  map[string]interface{}{"accounts": 2, "disabled": 14, "per_account": []string{"ignored"}},
		Errors:   []string{"account Other: unauthorized", "banner 7: 500"},
		Duration: "3s",
	})

	lines := strings.Split(text, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Run disable completed (dry run)", lines[0])
	assert.Equal(t, "accounts: 2", lines[1])
	assert.Equal(t, "disabled: 14", lines[2])
	assert.Equal(t, "duration: 3s", lines[3])
	assert.Equal(t, "errors: 2, first: account Other: unauthorized", lines[4])
}

func TestHandleRunFinished(t *testing.T) {
	settings := new(MockSettingsRepository)
	notifier := new(MockNotifier)
	svc := NewAutomationService(Dependencies{Settings: settings, Notifier: notifier, Logger: logger.Nop()}).(*automationService)

	settings.On("Get", mock.Anything, "with-chat").Return(&models.UserSettings{TelegramChatID: 7}, nil)
	settings.On("Get", mock.Anything, "no-chat").Return(&models.UserSettings{}, nil)
	notifier.On("Notify", mock.Anything, int64(7), mock.Anything).Return(nil).Once()

	msg, err := messaging.NewMessage(EventRunFinished, RunEvent{UserID: "with-chat", Kind: models.RunBudget, Status: models.TaskFailed})
	require.NoError(t, err)
	require.NoError(t, svc.handleRunFinished(msg))

	msg, err = messaging.NewMessage(EventRunFinished, RunEvent{UserID: "no-chat", Kind: models.RunBudget})
	require.NoError(t, err)
	require.NoError(t, svc.handleRunFinished(msg))

	msg, err = messaging.NewMessage(EventRunStarted, RunEvent{UserID: "with-chat"})
	require.NoError(t, err)
	require.NoError(t, svc.handleRunFinished(msg))

	notifier.AssertExpectations(t)
}

func TestStartWorkers_ConsumesQueues(t *testing.T) {
	mq := new(MockMessagingClient)
	svc := NewAutomationService(Dependencies{Messaging: mq, Notifier: new(MockNotifier), Logger: logger.Nop()})

	mq.On("ConsumeQueue", mock.Anything, RunQueue, mock.Anything).Return(nil).Once()
	mq.On("ConsumeQueue", mock.Anything, NotificationsQueue, mock.Anything).Return(nil).Once()

	require.NoError(t, svc.StartWorkers(context.Background()))
	mq.AssertExpectations(t)
}

func TestTopology(t *testing.T) {
	top := Topology()
	assert.Equal(t, "topic", top.Exchanges[EventsExchange])
	assert.ElementsMatch(t, []string{RunQueue, NotificationsQueue}, top.Queues)
	assert.Contains(t, top.Bindings, messaging.Binding{Queue: NotificationsQueue, Exchange: EventsExchange, Key: EventRunFinished})
	assert.Equal(t, 1, top.Prefetch, "runs are long, one in flight per worker")
}

func TestMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewMetricsCollector(reg).(*metricsCollector)

	c.RunStarted(models.RunDisable)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.activeRuns))
	c.RunFinished(models.RunDisable, models.TaskCompleted, 2*time.Second)
	assert.Equal(t, 0.0, promtest.ToFloat64(c.activeRuns))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.runsTotal.WithLabelValues("disable", "completed")))

	c.BannersDisabled(5, false)
	c.BannersDisabled(2, true)
	assert.Equal(t, 5.0, promtest.ToFloat64(c.bannersDisabled.WithLabelValues("false")))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.bannersDisabled.WithLabelValues("true")))

	c.ObserveAPIRequest("banners", 200, 10*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.apiRequests.WithLabelValues("banners", "200")))

	c.AccountFailed(models.RunBudget)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.accountErrors.WithLabelValues("budget")))
}
