package vkads

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Statistics returns daily statistics for ids over the inclusive date range.
// Dates are YYYY-MM-DD. metrics is a comma list of metric groups ("base,vk").
func (c *Client) Statistics(ctx context.Context, level StatsLevel, ids []int64, dateFrom, dateTo, metrics string) ([]StatItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("id", joinIDs(ids))
	q.Set("date_from", dateFrom)
	q.Set("date_to", dateTo)
	if metrics != "" {
		q.Set("metrics", metrics)
	}

	var resp statsResponse
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("statistics/%s/day.json", level),
		endpoint: "statistics",
		query:    q,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}
