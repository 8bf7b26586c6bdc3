package server

import (
	"net/http/httptest"
	"testing"

	"github.com/vpapay/vpa_pay/internal/config"
	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/logging"
	"github.com/vpapay/vpa_pay/internal/routes"
)

func TestNewRequiresRedisOutsideDevelopment(t *testing.T) {
	_, err := New(routes.Deps{
		Cfg:    config.Config{AppEnv: "production"},
		Store:  ledger.NewInMemory(),
		Logger: logging.Discard(),
	})
	if err == nil {
		t.Fatal("expected missing redis to fail outside development")
	}
}

func TestUnknownRouteRendersJSONError(t *testing.T) {
	srv, err := New(routes.Deps{
		Cfg:    config.Config{AppEnv: "development", Currency: "INR"},
		Store:  ledger.NewInMemory(),
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/v1/nope", nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON error, got %q", ct)
	}
}
