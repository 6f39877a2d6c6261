package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grigta/vkads/pkg/testutil"
	"github.com/grigta/vkads/services/vkads-service/internal/metrics"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/rules"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

var testNow = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

type memLogs struct {
	mu      sync.Mutex
	actions []models.ActionLog
	budgets []models.BudgetChangeLog
	scaling []models.ScalingLog
}

func (m *memLogs) InsertActionLogs(_ context.Context, logs []models.ActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, logs...)
	return nil
}

func (m *memLogs) InsertBudgetLog(_ context.Context, log models.BudgetChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets = append(m.budgets, log)
	return nil
}

func (m *memLogs) InsertScalingLog(_ context.Context, log models.ScalingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scaling = append(m.scaling, log)
	return nil
}

type fakeRevenue struct {
	revenue map[int64]float64
	err     error
	calls   [][]int64
}

func (f *fakeRevenue) Revenue(_ context.Context, _ string, _ stats.DateRange, ids []int64) (map[int64]float64, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	return f.revenue, nil
}

func newTarget(t *testing.T, server *testutil.MockVKAdsServer) Target {
	t.Helper()
	client := vkads.NewClient(server.Server.Client(), vkads.Config{
		BaseURL:        server.URL(),
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		MinDailyBudget: 100,
	})
	return Target{
		AccountID:   "acc-1",
		AccountName: "Main",
		UserID:      "user-1",
		TaskID:      "task-1",
		API:         client,
		Stats:       stats.NewAggregator(client, stats.Config{}),
	}
}

// addBanner registers a banner with the given clicks and spend.
func addBanner(server *testutil.MockVKAdsServer, id, group int64, status string, clicks int64, spent float64) {
	server.AddBanner(testutil.MockBanner{
		ID:        id,
		Name:      "Banner",
		Status:    status,
		AdGroupID: group,
		Content:   map[string]interface{}{"urls": map[string]interface{}{"primary": map[string]interface{}{"id": 1}}},
	})
	server.SetStats(id, testutil.MockStats{Shows: clicks * 100, Clicks: clicks, Spent: spent})
}

func clicksAbove(n float64) []rules.Condition {
	return []rules.Condition{{Metric: metrics.Clicks, Operator: rules.OpGreaterThan, Value: n}}
}

type cancelAfter struct {
	mu    sync.Mutex
	calls int
	after int
}

func (c *cancelAfter) fn(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.calls > c.after
}

type recordedProgress struct {
	mu      sync.Mutex
	reports []models.TaskProgress
}

func (r *recordedProgress) Report(_ context.Context, p models.TaskProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

func (r *recordedProgress) successful() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.reports {
		n += p.Successful
	}
	return n
}
