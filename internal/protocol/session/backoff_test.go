package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/streampush/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 32; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 125*time.Millisecond || got >= 375*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestNextBackoffDelayDisabled(t *testing.T) {
	testlog.Start(t)
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("expected zero delay, got=%v", got)
	}
}

func TestSleepBackoffHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{InitialDelay: time.Hour, Multiplier: 1}
	if err := SleepBackoff(ctx, cfg, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	got := Config{}.WithDefaults()
	def := DefaultConfig()
	if got.ProtocolID != DefaultProtocolID || got.Codec != "json" {
		t.Fatalf("unexpected identity defaults: %+v", got)
	}
	if got.QueueCapacity != def.QueueCapacity || got.IterationPause != def.IterationPause {
		t.Fatalf("unexpected queue defaults: %+v", got)
	}
	if got.Limits != def.Limits || got.Backoff != def.Backoff {
		t.Fatalf("unexpected limit/backoff defaults: %+v", got)
	}

	custom := Config{QueueCapacity: 8, IterationPause: -1, Codec: "cbor"}.WithDefaults()
	if custom.QueueCapacity != 8 || custom.IterationPause != -1 || custom.Codec != "cbor" {
		t.Fatalf("explicit values overwritten: %+v", custom)
	}
}
