package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) (*MemoryLimiter, *time.Time) {
	t.Helper()
	l, err := NewMemoryLimiter(cfg)
	if err != nil {
		t.Fatalf("NewMemoryLimiter error: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	return l, &now
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Rate: 1}, false},
		{Config{Rate: 0.5, Burst: 3, IdleTTL: time.Minute}, false},
		{Config{}, true},
		{Config{Rate: -1}, true},
		{Config{Rate: 1, Burst: -1}, true},
		{Config{Rate: 1, IdleTTL: -time.Second}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) err = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}

func TestMemoryLimiter_Burst(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Rate: 1, Burst: 3})
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Errorf("Allow attempt %d = false, want true", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("Allow after burst = true, want false")
	}

	// Other keys are independent.
	if !l.Allow("10.0.0.2") {
		t.Error("Allow(other key) = false, want true")
	}
}

func TestMemoryLimiter_Refill(t *testing.T) {
	l, now := newTestLimiter(t, Config{Rate: 2, Burst: 1})
	defer l.Close()

	if !l.Allow("k") {
		t.Fatal("first Allow = false")
	}
	if l.Allow("k") {
		t.Fatal("second Allow = true before refill")
	}
	*now = now.Add(500 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("Allow after refill = false, want true")
	}
}

func TestMemoryLimiter_IdleEviction(t *testing.T) {
	l, now := newTestLimiter(t, Config{Rate: 1, IdleTTL: time.Minute})
	defer l.Close()

	l.Allow("a")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	*now = now.Add(30 * time.Second)
	l.Allow("b")
	*now = now.Add(45 * time.Second)

	if removed := l.Prune(); removed != 1 {
		t.Errorf("Prune removed %d, want 1", removed)
	}
	if l.Usage("a") != nil {
		t.Error("idle key a still tracked")
	}
	if l.Usage("b") == nil {
		t.Error("recent key b evicted")
	}
}

func TestMemoryLimiter_Usage(t *testing.T) {
	l, now := newTestLimiter(t, Config{Rate: 1, Burst: 4})
	defer l.Close()

	if l.Usage("x") != nil {
		t.Error("Usage of unknown key != nil")
	}
	l.Allow("x")
	u := l.Usage("x")
	if u == nil {
		t.Fatal("Usage = nil")
	}
	if u.Tokens != 3 {
		t.Errorf("Tokens = %v, want 3", u.Tokens)
	}
	if !u.LastSeen.Equal(*now) {
		t.Errorf("LastSeen = %v, want %v", u.LastSeen, *now)
	}
}

func TestMemoryLimiter_Wait(t *testing.T) {
	l, err := NewMemoryLimiter(Config{Rate: 100, Burst: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "k"); err != nil {
			t.Fatalf("Wait %d error: %v", i, err)
		}
	}
}

func TestMemoryLimiter_Closed(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Rate: 1, Burst: 10})
	l.Close()

	if l.Allow("k") {
		t.Error("Allow after Close = true")
	}
	if err := l.Wait(context.Background(), "k"); err != ErrClosed {
		t.Errorf("Wait after Close err = %v, want ErrClosed", err)
	}
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Rate: 1, Burst: 10})
	defer l.Close()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
