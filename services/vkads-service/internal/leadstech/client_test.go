package leadstech

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigta/vkads/pkg/cache"
	"github.com/grigta/vkads/pkg/testutil"
)

func newTestClient(server *testutil.MockLeadsTechServer, store TokenStore) *Client {
	return NewClient(server.Server.Client(), Config{
		BaseURL:        server.URL(),
		Login:          "user",
		Password:       "pass",
		PageSize:       2,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, store)
}

func TestRows_PaginatesAndFilters(t *testing.T) {
	server := testutil.NewMockLeadsTechServer("user", "pass")
	defer server.Close()
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		server.AddRow("acc", map[string]string{"sub4": id}, 100)
	}
	server.AddRow("other", map[string]string{"sub4": "1"}, 100)

	client := newTestClient(server, nil)

	rows, err := client.Rows(context.Background(), RowsQuery{Label: "acc", DateFrom: "2026-01-01", DateTo: "2026-01-07"})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Len(t, server.StatRequests(), 3)

	rows, err = client.Rows(context.Background(), RowsQuery{Label: "acc", SubField: "sub4", Values: []string{"2", "4"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[0].Sub("sub4"))
	assert.Equal(t, 100.0, float64(rows[0].Revenue))

	last := server.StatRequests()[len(server.StatRequests())-1]
	assert.Equal(t, "2|4", last.Query["sub4"])
	assert.Equal(t, "acc", last.Query["sub1"])
	assert.Equal(t, 1, server.LoginCount(), "token is reused between requests")
}

func TestGet_RefreshesTokenOnce(t *testing.T) {
	server := testutil.NewMockLeadsTechServer("user", "pass")
	defer server.Close()
	server.AddRow("acc", map[string]string{"sub4": "1"}, 50)

	store := NewMemoryTokenStore()
	client := newTestClient(server, store)

	_, err := client.Rows(context.Background(), RowsQuery{Label: "acc"})
	require.NoError(t, err)
	require.Equal(t, 1, server.LoginCount())

	server.ExpireTokens()

	rows, err := client.Rows(context.Background(), RowsQuery{Label: "acc"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, server.LoginCount())

	tok, err := store.Get(context.Background(), "leadstech:token:user")
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}

func TestGet_SecondAuthFailurePropagates(t *testing.T) {
	server := testutil.NewMockLeadsTechServer("user", "pass")
	defer server.Close()
	server.RejectNext(2)

	client := newTestClient(server, nil)

	_, err := client.Rows(context.Background(), RowsQuery{Label: "acc"})
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, 2, server.LoginCount())
	assert.Len(t, server.StatRequests(), 2)
}

func TestGet_RetriesTransient(t *testing.T) {
	server := testutil.NewMockLeadsTechServer("user", "pass")
	defer server.Close()
	server.AddRow("acc", map[string]string{"sub4": "1"}, 50)
	server.FailNext(http.StatusBadGateway)

	rows, err := newTestClient(server, nil).Rows(context.Background(), RowsQuery{Label: "acc"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLogin_BadCredentials(t *testing.T) {
	server := testutil.NewMockLeadsTechServer("user", "other")
	defer server.Close()

	_, err := newTestClient(server, nil).Rows(context.Background(), RowsQuery{Label: "acc"})
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestMemoryTokenStore(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, store.Set(ctx, "k", "v", time.Hour))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, store.Set(ctx, "short", "v", time.Nanosecond))
	time.Sleep(time.Millisecond)
	_, err = store.Get(ctx, "short")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
