package service

import (
	"net/http"

	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

// TargetFactory prepares the per-account clients of a run.
type TargetFactory interface {
	Target(account *models.Account, taskID string) engine.Target
}

type clientFactory struct {
	httpClient *http.Client
	vkCfg      vkads.Config
	statsCfg   stats.Config
	revenue    engine.RevenueSource
	metrics    MetricsCollector
}

// NewTargetFactory shares httpClient, and with it one connection pool,
// between all account clients. revenue may be nil when LeadsTech is not
// configured.
func NewTargetFactory(httpClient *http.Client, vkCfg vkads.Config, statsCfg stats.Config, revenue engine.RevenueSource, metrics MetricsCollector) TargetFactory {
	return &clientFactory{
		httpClient: httpClient,
		vkCfg:      vkCfg,
		statsCfg:   statsCfg,
		revenue:    revenue,
		metrics:    metrics,
	}
}

func (f *clientFactory) Target(account *models.Account, taskID string) engine.Target {
	cfg := f.vkCfg
	cfg.Token = account.APIToken

	var opts []vkads.Option
	if f.metrics != nil {
		opts = append(opts, vkads.WithObserver(f.metrics.ObserveAPIRequest))
	}
	client := vkads.NewClient(f.httpClient, cfg, opts...)

	return engine.Target{
		AccountID:        account.ID.Hex(),
		AccountName:      account.Name,
		UserID:           account.UserID,
		TaskID:           taskID,
		Label:            account.Label,
		HasRevenueSource: account.HasRevenueSource() && f.revenue != nil,
		API:              client,
		Stats:            stats.NewAggregator(client, f.statsCfg),
		Revenue:          f.revenue,
	}
}
