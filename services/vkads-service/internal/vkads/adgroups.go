package vkads

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func fieldsQuery(fields []string) url.Values {
	if len(fields) == 0 {
		return nil
	}
	return url.Values{"fields": []string{strings.Join(fields, ",")}}
}

func (c *Client) GetAdGroup(ctx context.Context, id int64) (*AdGroup, error) {
	var g AdGroup
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("ad_groups/%d.json", id),
		endpoint: "ad_groups/{id}.json",
		query:    fieldsQuery([]string{"id", "name", "status", "ad_plan_id", "budget_limit_day"}),
	}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetAdGroupFields returns the ad group as an untyped object with the requested fields.
func (c *Client) GetAdGroupFields(ctx context.Context, id int64, fields []string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("ad_groups/%d.json", id),
		endpoint: "ad_groups/{id}.json",
		query:    fieldsQuery(fields),
	}, &out)
	return out, err
}

func (c *Client) UpdateAdGroup(ctx context.Context, id int64, fields map[string]interface{}) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("ad_groups/%d.json", id),
		endpoint: "ad_groups/{id}.json",
		body:     fields,
	}, nil)
}

// CreateAdGroup creates an ad group (with its banners) inside an existing campaign.
func (c *Client) CreateAdGroup(ctx context.Context, payload map[string]interface{}) (*CreatedAdGroup, error) {
	var created CreatedAdGroup
	if err := c.do(ctx, request{method: http.MethodPost, path: "ad_groups.json", body: payload}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetAdPlan(ctx context.Context, id int64) (*AdPlan, error) {
	var p AdPlan
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("ad_plans/%d.json", id),
		endpoint: "ad_plans/{id}.json",
		query:    fieldsQuery([]string{"id", "name", "status"}),
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetAdPlanFields(ctx context.Context, id int64, fields []string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("ad_plans/%d.json", id),
		endpoint: "ad_plans/{id}.json",
		query:    fieldsQuery(fields),
	}, &out)
	return out, err
}

func (c *Client) SetAdPlanStatus(ctx context.Context, id int64, status string) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("ad_plans/%d.json", id),
		endpoint: "ad_plans/{id}.json",
		body:     map[string]string{"status": status},
	}, nil)
}

// CreateAdPlan creates a campaign together with the ad groups in payload["ad_groups"].
func (c *Client) CreateAdPlan(ctx context.Context, payload map[string]interface{}) (*CreatedAdPlan, error) {
	var created CreatedAdPlan
	if err := c.do(ctx, request{method: http.MethodPost, path: "ad_plans.json", body: payload}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ChangeAdGroupBudget reads the current daily budget and scales it by percent.
// The current value is always re-read so concurrent edits are not overwritten
// with stale numbers. With dryRun the new value is computed but not written.
func (c *Client) ChangeAdGroupBudget(ctx context.Context, id int64, percent float64, increase bool, dryRun bool) (*BudgetChange, error) {
	group, err := c.GetAdGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	current := group.BudgetLimitDay.Float64()
	next := NextBudget(current, percent, increase, c.minBudget)
	change := &BudgetChange{AdGroupID: id, OldBudget: current, NewBudget: next}
	if dryRun || next == current {
		return change, nil
	}

	err = c.UpdateAdGroup(ctx, id, map[string]interface{}{
		"budget_limit_day": strconv.FormatFloat(next, 'f', 0, 64),
	})
	if err != nil {
		return change, err
	}
	change.Applied = true
	return change, nil
}

// NextBudget applies a percentage change and rounds to whole currency units.
// A result below minBudget is raised to it, but a decrease never ends above
// current and an increase never below it. A current of zero means no daily
// limit and is returned as is.
func NextBudget(current, percent float64, increase bool, minBudget float64) float64 {
	if current <= 0 {
		return current
	}
	factor := 1 + percent/100
	if !increase {
		factor = 1 - percent/100
	}
	next := math.Max(math.Round(current*factor), minBudget)
	if increase {
		return math.Max(next, current)
	}
	return math.Min(next, current)
}
