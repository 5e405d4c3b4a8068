package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-import-engine/internal/fx"
	"ledger-import-engine/internal/models"
	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

var validCreds = Credentials{
	"shop_domain":  "demo.myshopify.com",
	"access_token": "shpat_test",
	"api_version":  "2024-01",
}

func testClient(srv *httptest.Server) *ShopifyClient {
	cfg := DefaultShopifyConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 100
	cfg.Timeout = 2 * time.Second

	c := NewShopifyClient(cfg, srv.Client(), logger.Discard())
	c.backoff = func(int) time.Duration { return 0 }
	c.pause = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func parsedCreds(t *testing.T) ShopifyCredentials {
	t.Helper()
	creds, errs := ParseShopifyCredentials(validCreds)
	require.Empty(t, errs)
	return creds
}

func TestParseShopifyCredentials(t *testing.T) {
	tests := []struct {
		name   string
		raw    Credentials
		fields []string
	}{
		{"valid", validCreds, nil},
		{"empty", Credentials{}, []string{"shop_domain", "access_token", "api_version"}},
		{"bad domain", Credentials{"shop_domain": "demo.example.com", "access_token": "x", "api_version": "2024-01"}, []string{"shop_domain"}},
		{"bad version", Credentials{"shop_domain": "demo.myshopify.com", "access_token": "x", "api_version": "2024-02"}, []string{"api_version"}},
		{"token with spaces", Credentials{"shop_domain": "demo.myshopify.com", "access_token": "a b", "api_version": "2024-01"}, []string{"access_token"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := ParseShopifyCredentials(tt.raw)
			require.Len(t, errs, len(tt.fields))
			for i, err := range errs {
				engErr, ok := engerrors.AsEngineError(err)
				require.True(t, ok)
				assert.Equal(t, engerrors.CodeInvalidCredentials, engErr.Code)
				assert.Equal(t, tt.fields[i], engErr.Context["field"])
			}
		})
	}
}

func TestNewStaticCredentialsDefaultsAPIVersion(t *testing.T) {
	cfg := DefaultShopifyConfig()
	cfg.Stores = map[string]Credentials{
		"s1": {"shop_domain": "a.myshopify.com", "access_token": "t"},
		"s2": {"shop_domain": "b.myshopify.com", "access_token": "t", "api_version": "2023-10"},
	}

	source := NewStaticCredentials(cfg)
	c1, err := source.Credentials(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01", c1["api_version"])

	c2, err := source.Credentials(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, "2023-10", c2["api_version"])

	upper, err := source.Credentials(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "a.myshopify.com", upper["shop_domain"])

	_, err = source.Credentials(context.Background(), "missing")
	assert.True(t, engerrors.IsKind(err, engerrors.KindValidation))
	assert.Empty(t, cfg.Stores["s1"]["api_version"])
}

func TestListOrdersFollowsPagination(t *testing.T) {
	var requests int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, "shpat_test", r.Header.Get("X-Shopify-Access-Token"))
		assert.Equal(t, "/admin/api/2024-01/orders.json", r.URL.Path)

		if r.URL.Query().Get("page_info") == "" {
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("updated_at_min"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/admin/api/2024-01/orders.json?page_info=p2&limit=250>; rel="next"`, srv.URL))
			_, _ = w.Write([]byte(`{"orders":[{"id":1,"name":"#1001"},{"id":2,"name":"#1002"}]}`))
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/admin/api/2024-01/orders.json?page_info=p1>; rel="previous"`, srv.URL))
		_, _ = w.Write([]byte(`{"orders":[{"id":3,"name":"#1003"}]}`))
	}))
	defer srv.Close()

	orders, err := testClient(srv).ListOrders(context.Background(), parsedCreds(t),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, int64(3), orders[2].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestListOrdersRetriesTransientFailures(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"orders":[]}`))
	}))
	defer srv.Close()

	orders, err := testClient(srv).ListOrders(context.Background(), parsedCreds(t), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestListOrdersQuotaExceeded(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Retry-After", "2.0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListOrders(context.Background(), parsedCreds(t), time.Time{})
	engErr, ok := engerrors.AsEngineError(err)
	require.True(t, ok, "expected engine error, got %v", err)
	assert.Equal(t, engerrors.KindTransport, engErr.Kind)
	assert.Equal(t, engerrors.CodeQuotaExceeded, engErr.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestListOrdersWaitsForRetryAfter(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "2.0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"orders":[]}`))
	}))
	defer srv.Close()

	client := testClient(srv)
	client.backoff = func(int) time.Duration { return 500 * time.Millisecond }
	var waits []time.Duration
	client.pause = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := client.ListOrders(context.Background(), parsedCreds(t), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, waits)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2.0", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"soon", 0},
		{"-3", 0},
		{"3600", time.Minute},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-time.Hour).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.in, now))
		})
	}
}

func TestListOrdersDoesNotRetryRejectedToken(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, `{"errors":"Invalid API key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListOrders(context.Background(), parsedCreds(t), time.Time{})
	engErr, ok := engerrors.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, engerrors.CodeBadStatus, engErr.Code)
	assert.NotEmpty(t, engErr.Suggestion)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestShopifyStrategyValidate(t *testing.T) {
	s := NewShopifyStrategy(nil, fx.MustTable(fx.DefaultBase, nil), testLimits(), DefaultOptions(), logger.Discard())

	in := &Input{API: &APIRequest{StoreID: testStore, Credentials: validCreds}}
	assert.True(t, s.CanHandle(in))
	assert.Empty(t, s.Validate(context.Background(), in))

	bad := &Input{API: &APIRequest{Credentials: Credentials{"shop_domain": "demo.myshopify.com"}}}
	assert.Len(t, s.Validate(context.Background(), bad), 3)

	assert.False(t, s.CanHandle(&Input{Data: []byte("a,b")}))
}

func shopifyFeed(t *testing.T) []byte {
	t.Helper()
	ts := func(day int) string { return fmt.Sprintf("2024-03-%02dT12:00:00Z", day) }

	orders := []map[string]any{
		{
			"id": 1001, "name": "#1001", "created_at": ts(1), "processed_at": ts(2), "currency": "USD",
			"total_price": "100.00", "financial_status": "partially_refunded",
			"refunds": []map[string]any{{
				"id": 501, "created_at": ts(5), "note": "damaged",
				"transactions": []map[string]any{
					{"id": 1, "kind": "refund", "status": "success", "amount": "20.00", "currency": "USD"},
					{"id": 2, "kind": "refund", "status": "failure", "amount": "5.00", "currency": "USD"},
				},
			}},
		},
		{"id": 1002, "name": "#1002", "created_at": ts(3), "currency": "USD", "total_price": "50.00", "financial_status": "pending"},
		{"id": 1003, "name": "#1003", "created_at": ts(3), "currency": "USD", "total_price": "10.00", "financial_status": "voided"},
		{"id": 1004, "name": "#1004", "created_at": ts(3), "currency": "USD", "total_price": "10.00", "financial_status": "paid", "test": true},
		{"id": 1005, "name": "#1005", "created_at": ts(3), "cancelled_at": ts(4), "currency": "USD", "total_price": "10.00", "financial_status": "paid"},
		{"id": 1006, "name": "#1006", "created_at": ts(3), "currency": "USD", "total_price": "abc", "financial_status": "paid"},
	}

	body, err := json.Marshal(map[string]any{"orders": orders})
	require.NoError(t, err)
	return body
}

func TestSyncImportsOrdersAndRefunds(t *testing.T) {
	body := shopifyFeed(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	rates := fx.MustTable(fx.DefaultBase, nil)
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Credentials = StaticCredentials{testStore: validCreds}
		d.Registry = NewRegistry(
			NewCSVStrategy(rates, testLimits(), *o, logger.Discard()),
			NewShopifyStrategy(testClient(srv), rates, testLimits(), *o, logger.Discard()),
		)
	})
	ctx := context.Background()

	batch, err := h.orch.Sync(ctx, SyncRequest{OrganizationID: testOrg, StoreID: testStore,
		Since: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, batch.Status)
	assert.Equal(t, models.ImportTypeShopify, batch.ImportType)
	assert.Equal(t, SourceShopify, batch.Source)
	assert.Equal(t, 7, batch.TotalRecords)
	assert.Equal(t, 3, batch.Successful)
	assert.Equal(t, 3, batch.Skipped)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, "2024-03-01T00:00:00Z", batch.Params["since"])

	byID := map[string]*models.Transaction{}
	for _, txn := range h.transactions(t) {
		byID[txn.ExternalID] = txn
	}
	require.Len(t, byID, 3)

	order := byID["shopify:order:1001"]
	require.NotNil(t, order)
	assert.Equal(t, models.TransactionTypeIncome, order.Type)
	assert.Equal(t, models.StatusApproved, order.Status)
	assert.Equal(t, "100.00", order.Amount.StringFixed(2))
	assert.True(t, order.Date.Equal(time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)), "date %v", order.Date)
	assert.Equal(t, "#1001", order.Metadata["order_name"])

	refund := byID["shopify:refund:501"]
	require.NotNil(t, refund)
	assert.Equal(t, models.TransactionTypeExpense, refund.Type)
	assert.Equal(t, "20.00", refund.Amount.StringFixed(2))
	assert.Equal(t, "damaged", refund.Metadata["note"])

	assert.Equal(t, models.StatusPending, byID["shopify:order:1002"].Status)

	// Nothing new and one bad order: the second pull fails and commits nothing.
	again, err := h.orch.Sync(ctx, SyncRequest{OrganizationID: testOrg, StoreID: testStore})
	require.Error(t, err)
	assert.Equal(t, models.BatchFailed, again.Status)
	assert.Equal(t, 0, again.Successful)
	assert.Equal(t, 3, again.Duplicates)
	assert.Len(t, h.transactions(t), 3)
}

func TestSyncQuotaExceededFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rates := fx.MustTable(fx.DefaultBase, nil)
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Credentials = StaticCredentials{testStore: validCreds}
		d.Registry = NewRegistry(NewShopifyStrategy(testClient(srv), rates, testLimits(), *o, logger.Discard()))
	})

	batch, err := h.orch.Sync(context.Background(), SyncRequest{OrganizationID: testOrg, StoreID: testStore})
	engErr, ok := engerrors.AsEngineError(err)
	require.True(t, ok, "expected engine error, got %v", err)
	assert.Equal(t, engerrors.CodeQuotaExceeded, engErr.Code)
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.Empty(t, h.transactions(t))
}
