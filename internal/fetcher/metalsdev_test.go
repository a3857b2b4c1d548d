package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

func TestMetalsDevPartialFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","metals":{"gold":2410.3,"silver":28.4}}`))
	}))
	defer srv.Close()

	m := NewMetalsDev(MetalsDevOptions{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Defaults: metals.Prices{
			Gold:      decimal.NewFromInt(2400),
			Silver:    decimal.NewFromInt(28),
			Platinum:  decimal.NewFromInt(950),
			Palladium: decimal.NewFromInt(900),
		},
		AuxDefault: decimal.NewFromInt(2400),
	}, noopLogger())

	prices, aux, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("部分字段缺失不应失败: %v", err)
	}
	if prices.Gold.InexactFloat64() != 2410.3 {
		t.Fatalf("实时金价应优先: %s", prices.Gold)
	}
	if !prices.Platinum.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("缺失铂价应回退到常量: %s", prices.Platinum)
	}
	if !aux.Equal(decimal.NewFromInt(2400)) {
		t.Fatalf("缺失 PAXG 应回退到常量: %s", aux)
	}
}

func TestMetalsDevHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMetalsDev(MetalsDevOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, _, err := m.Fetch(context.Background()); err == nil {
		t.Fatal("HTTP 503 应返回错误")
	}
}

func TestMetalsDevBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failure"}`))
	}))
	defer srv.Close()

	m := NewMetalsDev(MetalsDevOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, _, err := m.Fetch(context.Background()); err == nil {
		t.Fatal("status=failure 应返回错误")
	}
}
