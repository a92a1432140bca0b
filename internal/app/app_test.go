package app

import (
	"context"
	"testing"
	"time"

	"github.com/kodenet/fedicore/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DatabaseURL = ":memory:"
	cfg.BindAddress = "127.0.0.1:0"
	cfg.AdminBindAddress = "127.0.0.1:0"
	cfg.Domains = []config.DomainConfig{{Name: "local.example", DisplayName: "Local Example"}}
	return cfg
}

func TestInitializeWiresEveryComponent(t *testing.T) {
	a := New(testConfig())
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if a.store == nil || a.delivery == nil || a.broker == nil {
		t.Fatal("Initialize left a core component nil")
	}
	if a.publicServer == nil || a.adminServer == nil {
		t.Fatal("Initialize left an HTTP server nil")
	}

	d, err := a.store.GetDomain(context.Background(), "local.example")
	if err != nil {
		t.Fatalf("seeded domain not found: %v", err)
	}
	if d.DisplayName != "Local Example" {
		t.Fatalf("unexpected seeded domain: %+v", d)
	}

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStartRunsUntilContextCancelledThenShutsDown(t *testing.T) {
	a := New(testConfig())
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
