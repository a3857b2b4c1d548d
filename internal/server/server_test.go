package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/state"
	"metal-oracle-watcher/internal/watcher"
)

type fakeAdminStore struct {
	status     metals.WatcherStatus
	killSwitch bool
	override   *state.OverridePrices
	history    []state.Snapshot
	lastLimit  int64
}

func (f *fakeAdminStore) Status(context.Context) metals.WatcherStatus { return f.status }

func (f *fakeAdminStore) KillSwitch(context.Context) bool { return f.killSwitch }

func (f *fakeAdminStore) SetKillSwitch(_ context.Context, active bool) error {
	f.killSwitch = active
	return nil
}

func (f *fakeAdminStore) Override(context.Context) *state.OverridePrices { return f.override }

func (f *fakeAdminStore) SetOverride(_ context.Context, prices metals.Prices, aux decimal.Decimal, expiresAt time.Time) error {
	f.override = &state.OverridePrices{Prices: prices, AuxPrice: aux, ExpiresAt: expiresAt}
	return nil
}

func (f *fakeAdminStore) ClearOverride(context.Context) error {
	f.override = nil
	return nil
}

func (f *fakeAdminStore) LastFetch(context.Context) *state.FetchRecord { return nil }

func (f *fakeAdminStore) LastUpdate(context.Context) *state.UpdateRecord { return nil }

func (f *fakeAdminStore) History(_ context.Context, limit int64) ([]state.Snapshot, error) {
	f.lastLimit = limit
	return f.history, nil
}

type fakeForcer struct {
	err   error
	calls int
}

func (f *fakeForcer) ForceTick(context.Context) error {
	f.calls++
	return f.err
}

func newTestServer(store *fakeAdminStore, forcer *fakeForcer, token string) *Server {
	handlers := NewHandlers(store, forcer, zerolog.Nop())
	return New(Options{Host: "127.0.0.1", Port: 8080, AuthToken: token}, handlers, zerolog.Nop())
}

func doRequest(s *Server, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeAdminStore{}, &fakeForcer{}, "")
	rec := doRequest(s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health 应返回 200: %d", rec.Code)
	}
}

func TestStatusReportsKillSwitchAndOverride(t *testing.T) {
	store := &fakeAdminStore{
		status:     metals.WatcherStatus{State: metals.StatePaused, ErrorCount: 4},
		killSwitch: true,
		override:   &state.OverridePrices{ExpiresAt: time.Now().Add(time.Hour)},
	}
	s := newTestServer(store, &fakeForcer{}, "")

	rec := doRequest(s, http.MethodGet, "/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status 应返回 200: %d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if !resp.KillSwitch || resp.Status.State != metals.StatePaused || resp.Override == nil {
		t.Fatalf("状态响应不完整: %+v", resp)
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	store := &fakeAdminStore{history: []state.Snapshot{{Version: 1}}}
	s := newTestServer(store, &fakeForcer{}, "")

	rec := doRequest(s, http.MethodGet, "/history?limit=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("非法 limit 应返回 400: %d", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/history?limit=50", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history 应返回 200: %d", rec.Code)
	}
	if store.lastLimit != 50 {
		t.Fatalf("limit 应透传: %d", store.lastLimit)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	store := &fakeAdminStore{}
	s := newTestServer(store, &fakeForcer{}, "secret")

	rec := doRequest(s, http.MethodPost, "/admin/kill-switch", `{"active":true}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("缺少令牌应返回 401: %d", rec.Code)
	}
	if store.killSwitch {
		t.Fatal("未授权请求不应修改状态")
	}

	rec = doRequest(s, http.MethodPost, "/admin/kill-switch", `{"active":true}`, "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("有效令牌应返回 200: %d", rec.Code)
	}
	if !store.killSwitch {
		t.Fatal("kill switch 应被设置")
	}
}

func TestOverrideValidation(t *testing.T) {
	store := &fakeAdminStore{}
	s := newTestServer(store, &fakeForcer{}, "")

	// non-positive price rejected
	body := `{"prices":{"gold":"2400","silver":"0","platinum":"950","palladium":"900"},"expires_in_minutes":30}`
	rec := doRequest(s, http.MethodPost, "/admin/override", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("非正价格应返回 400: %d", rec.Code)
	}

	// missing expiry rejected
	body = `{"prices":{"gold":"2400","silver":"28","platinum":"950","palladium":"900"}}`
	rec = doRequest(s, http.MethodPost, "/admin/override", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少过期时间应返回 400: %d", rec.Code)
	}

	body = `{"prices":{"gold":"2400","silver":"28","platinum":"950","palladium":"900"},"aux_price":"2398","expires_in_minutes":30}`
	rec = doRequest(s, http.MethodPost, "/admin/override", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("合法覆盖应返回 200: %d, body=%s", rec.Code, rec.Body.String())
	}
	if store.override == nil || !store.override.Prices.Gold.Equal(decimal.NewFromInt(2400)) {
		t.Fatalf("覆盖未写入: %+v", store.override)
	}

	rec = doRequest(s, http.MethodDelete, "/admin/override", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("清除覆盖应返回 204: %d", rec.Code)
	}
	if store.override != nil {
		t.Fatal("覆盖应被清除")
	}
}

func TestForceUpdateConflict(t *testing.T) {
	forcer := &fakeForcer{err: watcher.ErrInFlight}
	s := newTestServer(&fakeAdminStore{}, forcer, "")

	rec := doRequest(s, http.MethodPost, "/admin/force-update", "", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("并发周期应返回 409: %d", rec.Code)
	}

	forcer.err = nil
	rec = doRequest(s, http.MethodPost, "/admin/force-update", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("强制周期应返回 200: %d", rec.Code)
	}
	if forcer.calls != 2 {
		t.Fatalf("应调用两次: %d", forcer.calls)
	}
}
