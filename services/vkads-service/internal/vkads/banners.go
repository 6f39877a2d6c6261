package vkads

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// BannerFilter narrows banner listings. Zero values mean no filter.
type BannerFilter struct {
	Statuses  []string
	AdGroupID int64
	Fields    []string
}

var defaultBannerFields = []string{"id", "name", "status", "ad_group_id"}

func (f BannerFilter) query() url.Values {
	q := url.Values{}
	fields := f.Fields
	if len(fields) == 0 {
		fields = defaultBannerFields
	}
	q.Set("fields", strings.Join(fields, ","))
	if len(f.Statuses) > 0 {
		q.Set("_status__in", strings.Join(f.Statuses, ","))
	}
	if f.AdGroupID > 0 {
		q.Set("_ad_group_id", strconv.FormatInt(f.AdGroupID, 10))
	}
	return q
}

// ListBanners streams banner pages to fn in API order.
func (c *Client) ListBanners(ctx context.Context, f BannerFilter, fn func([]Banner) error) error {
	return paginate(ctx, c, "banners.json", f.query(), fn)
}

// ListBannersRaw streams banners as untyped objects, used when cloning.
func (c *Client) ListBannersRaw(ctx context.Context, f BannerFilter, fn func([]map[string]interface{}) error) error {
	return paginate(ctx, c, "banners.json", f.query(), fn)
}

func paginate[T any](ctx context.Context, c *Client, path string, base url.Values, fn func([]T) error) error {
	offset := 0
	for {
		q := url.Values{}
		for k, v := range base {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var p page[T]
		if err := c.do(ctx, request{method: http.MethodGet, path: path, query: q}, &p); err != nil {
			return err
		}
		if len(p.Items) == 0 {
			return nil
		}
		if err := fn(p.Items); err != nil {
			return err
		}

		offset += len(p.Items)
		if offset >= p.Count {
			return nil
		}
	}
}

type statusUpdate struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// SetBannersStatus changes the status of up to MassActionLimit banners in one call.
func (c *Client) SetBannersStatus(ctx context.Context, ids []int64, status string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > MassActionLimit {
		return fmt.Errorf("vkads: mass action accepts at most %d banners, got %d", MassActionLimit, len(ids))
	}

	body := make([]statusUpdate, len(ids))
	for i, id := range ids {
		body[i] = statusUpdate{ID: id, Status: status}
	}
	return c.do(ctx, request{method: http.MethodPost, path: "banners/mass_action.json", body: body}, nil)
}

func (c *Client) UpdateBanner(ctx context.Context, id int64, fields map[string]interface{}) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("banners/%d.json", id),
		endpoint: "banners/{id}.json",
		body:     fields,
	}, nil)
}

func (c *Client) DeleteBanner(ctx context.Context, id int64) error {
	return c.UpdateBanner(ctx, id, map[string]interface{}{"status": StatusDeleted})
}
