package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Date(2026, 3, 2, 12, 7, 30, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2026, 3, 2, 12, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next tick = %s, want %s", got, want)
	}

	onBoundary := time.Date(2026, 3, 2, 12, 10, 0, 0, time.UTC)
	if got, want := s.nextTick(onBoundary), onBoundary.Add(5*time.Minute); !got.Equal(want) {
		t.Fatalf("next tick on boundary = %s, want %s", got, want)
	}
	if got := s.bucketStart(now); !got.Equal(time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)) {
		t.Fatalf("bucket start = %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2026, 3, 2, 12, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("next tick = %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("bucket start = %s", got)
	}
}

func TestRunFiresImmediatelyAndStopsOnCancel(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	ticks := 0
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			ticks++
			if ticks == 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("scheduler did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if ticks < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks)
	}
}
