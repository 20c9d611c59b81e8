package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Millisecond, HalfOpenRequests: 3}
}

func TestClosedToOpenAfterThreshold(t *testing.T) {
	b := New("usgs", fastConfig())
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 4; i++ {
		_ = b.Call(context.Background(), failing)
		if b.State() != Closed {
			t.Fatalf("expected still closed after %d failures, got %s", i+1, b.State())
		}
	}

	err := b.Call(context.Background(), failing)
	if err == nil || errors.Is(err, ErrOpen) {
		t.Fatalf("5th call should propagate the underlying failure, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open after 5th consecutive failure, got %s", b.State())
	}
}

func TestOpenFailsFast(t *testing.T) {
	b := New("usgs", fastConfig())
	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 5; i++ {
		_ = b.Call(context.Background(), failing)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while within recovery timeout, got %v", err)
	}
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	cfg := fastConfig()
	b := New("usgs", cfg)
	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Call(context.Background(), failing)
	}

	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)

	succeeding := func(ctx context.Context) error { return nil }
	for i := 0; i < cfg.HalfOpenRequests-1; i++ {
		if err := b.Call(context.Background(), succeeding); err != nil {
			t.Fatalf("unexpected error during half-open probing: %v", err)
		}
		if b.State() != HalfOpen {
			t.Fatalf("expected half_open after %d successes, got %s", i+1, b.State())
		}
	}
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after %d half-open successes, got %s", cfg.HalfOpenRequests, b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := fastConfig()
	b := New("usgs", cfg)
	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Call(context.Background(), failing)
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)

	if err := b.Call(context.Background(), failing); err == nil {
		t.Fatalf("expected the underlying failure to propagate from half-open probe")
	}
	if b.State() != Open {
		t.Fatalf("expected reopened after half-open failure, got %s", b.State())
	}
}
