package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: Cron},
		{name: "prefixed cron", raw: "cron:0 9 * * 1-5", kind: Cron},
		{name: "descriptor", raw: "@every 90s", kind: Cron},
		{name: "duration", raw: "2m", kind: Interval, every: 2 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: Interval, every: 45 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == Interval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if got.String() != tt.raw {
				t.Fatalf("String() = %q", got.String())
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "61 * * * *", "cron:", "500ms"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) succeeded", raw)
		}
	}
}

func TestRunFiresImmediatelyThenOnTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	spec := Spec{Kind: Interval, Every: 10 * time.Millisecond}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, spec, time.UTC, func(context.Context) {
			if calls.Add(1) == 3 {
				cancel()
			}
		})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not tick")
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}
