package main

import (
	"net/http"
	"testing"
	"time"

	appconfig "github.com/wolfman30/pearlflow/internal/config"
)

func TestNewServerKeepsStreamsOpen(t *testing.T) {
	srv := newServer(&appconfig.Config{Port: "9090"}, http.NotFoundHandler())

	if srv.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %q", srv.Addr)
	}
	if srv.WriteTimeout != 0 {
		t.Fatalf("expected no write timeout for streaming routes, got %s", srv.WriteTimeout)
	}
	if srv.ReadTimeout != 15*time.Second {
		t.Fatalf("expected 15s read timeout, got %s", srv.ReadTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Fatalf("expected 60s idle timeout, got %s", srv.IdleTimeout)
	}
}
