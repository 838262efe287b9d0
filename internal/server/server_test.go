package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/internal/testutil"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	cfg.Server.Host = "127.0.0.1"
	cfg.Database.Type = "memory"
	cfg.Queue.Driver = "memory"
	cfg.Queue.Workers = 2
	cfg.Metrics.Enabled = true
	config.ApplyDefaults(cfg)
	cfg.Server.Port = 0
	return cfg
}

type testServer struct {
	*Server
	provider *testutil.FakeProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	srv, err := NewServer(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	provider := testutil.NewFakeProvider("fake")
	require.NoError(t, srv.Registry.Register("fake", func(*models.Channel) (publisher.Provider, error) {
		return provider, nil
	}))
	require.NoError(t, srv.Store.SaveChannel(context.Background(), &models.Channel{
		ID: "ch-1", TenantID: "acme", Provider: "fake", Name: "main",
	}))
	return &testServer{Server: srv, provider: provider}
}

func (ts *testServer) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
		req.Header.Set(UserHeader, "u-1")
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func decodeItem(t *testing.T, w *httptest.ResponseRecorder) models.ContentItem {
	t.Helper()
	var item models.ContentItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	return item
}

func itemBody(at time.Time, channel string) service.ItemInput {
	return service.ItemInput{
		Title:     "Hello",
		Text:      "Shipping today #golang",
		Schedules: []service.ScheduleInput{{ChannelID: channel, ScheduledFor: at}},
	}
}

func TestItemsAPI(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/items", "acme", itemBody(time.Now().Add(time.Hour), "ch-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeItem(t, w)
	assert.Equal(t, models.ItemStatusScheduled, created.Status)
	assert.Equal(t, "u-1", created.OwnerID)
	require.Len(t, created.Schedules, 1)

	w = ts.do(t, http.MethodGet, "/api/v1/items/"+created.ID, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeItem(t, w).ID)

	w = ts.do(t, http.MethodGet, "/api/v1/items/"+created.ID, "other", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/items/"+created.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/items/missing", "acme", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/items/"+created.ID, "acme", itemBody(time.Now().Add(2*time.Hour), "ch-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	edited := decodeItem(t, w)
	require.Len(t, edited.Schedules, 1)
	assert.NotEqual(t, created.Schedules[0].ID, edited.Schedules[0].ID)

	cancelPath := fmt.Sprintf("/api/v1/items/%s/schedules/%s/cancel", created.ID, edited.Schedules[0].ID)
	w = ts.do(t, http.MethodPost, cancelPath, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.ItemStatusDraft, decodeItem(t, w).Status)

	w = ts.do(t, http.MethodPost, cancelPath, "acme", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/items/"+created.ID+"/published", "acme", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/items/"+created.ID, "acme", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/items/"+created.ID, "acme", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestItemsAPI_Validation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/items", "acme", itemBody(time.Now(), "ch-unknown"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(errs.KindValidation), body["kind"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", bytes.NewBufferString("{not json"))
	req.Header.Set(TenantHeader, "acme")
	rec := httptest.NewRecorder()
	ts.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAPI(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/admin/sweep", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res service.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Zero(t, res.Scanned)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/channels", "acme", service.ChannelInput{Provider: "fake", Name: "second"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ch models.Channel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.Equal(t, "acme", ch.TenantID)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/channels", "acme", service.ChannelInput{Provider: "nope", Name: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/channels/"+ch.ID+"/test", "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/admin/channels/ch-1/refresh", "acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.NotNil(t, ch.TokenExpiresAt)
}

func TestAdminAPI_RequiresToken(t *testing.T) {
	cfg := testConfig()
	secret, _, err := service.GenerateSecret("ops")
	require.NoError(t, err)
	cfg.Server.AdminTOTPSecret = secret
	srv, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"fake"`)

	ts.do(t, http.MethodGet, "/api/v1/items/missing", "acme", nil)
	w = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "postwave_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.KindValidation:         http.StatusBadRequest,
		errs.KindAccess:             http.StatusForbidden,
		errs.KindNotFound:           http.StatusNotFound,
		errs.KindConflict:           http.StatusConflict,
		errs.KindTransient:          http.StatusServiceUnavailable,
		errs.KindTimeout:            http.StatusServiceUnavailable,
		errs.KindProvider:           http.StatusBadGateway,
		errs.KindChannelUnavailable: http.StatusBadGateway,
		errs.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(errs.New(kind, "op", "boom")), string(kind))
	}
}

func TestRun_PublishesImmediateSchedule(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	w := ts.do(t, http.MethodPost, "/api/v1/items", "acme", itemBody(time.Now(), "ch-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	item := decodeItem(t, w)

	assert.Eventually(t, func() bool {
		got, err := ts.Store.GetItem(context.Background(), item.ID)
		return err == nil && got.Status == models.ItemStatusPublished
	}, 3*time.Second, 20*time.Millisecond)

	records, err := ts.Store.ListPublishedRecords(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, ts.provider.Calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
