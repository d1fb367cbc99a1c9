package retry_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/xraph/bed/retry"
)

func TestStop_HasZeroDelay(t *testing.T) {
	d := retry.Stop()
	if d.ShouldRetry() {
		t.Error("Stop() must not retry")
	}
	if d.Delay() != 0 {
		t.Errorf("Stop().Delay() = %v, want 0", d.Delay())
	}
	if (retry.Decision{}) != d {
		t.Error("zero Decision must equal Stop()")
	}
}

func TestAfter_NegativeDelayPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("After(-1s) did not panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, retry.ErrNegativeDelay) {
			t.Errorf("panic value = %v, want ErrNegativeDelay", r)
		}
	}()
	retry.After(-time.Second)
}

func TestNewAfter(t *testing.T) {
	if _, err := retry.NewAfter(-time.Nanosecond); !errors.Is(err, retry.ErrNegativeDelay) {
		t.Errorf("NewAfter(-1ns) err = %v, want ErrNegativeDelay", err)
	}

	d, err := retry.NewAfter(0)
	if err != nil {
		t.Fatalf("NewAfter(0): %v", err)
	}
	if !d.ShouldRetry() || d.Delay() != 0 {
		t.Errorf("NewAfter(0) = %v", d)
	}
}

func TestFixed(t *testing.T) {
	p := retry.Fixed{MaxRetries: 3, Delay: 10 * time.Second}

	tests := []struct {
		attempts  int
		wantRetry bool
		wantDelay time.Duration
	}{
		{0, true, 0},
		{1, true, 10 * time.Second},
		{3, true, 10 * time.Second},
		{4, false, 0},
		{10, false, 0},
	}
	for _, tt := range tests {
		got := p.Decide(tt.attempts)
		if got.ShouldRetry() != tt.wantRetry || got.Delay() != tt.wantDelay {
			t.Errorf("Decide(%d) = %v, want retry=%v delay=%v", tt.attempts, got, tt.wantRetry, tt.wantDelay)
		}
	}
}

func TestFixed_ZeroRetriesStillAllowsFirstAttempt(t *testing.T) {
	p := retry.Fixed{}
	if !p.Decide(0).ShouldRetry() {
		t.Error("first attempt must be allowed")
	}
	if p.Decide(1).ShouldRetry() {
		t.Error("no retry expected after the first failure")
	}
}

func TestListed(t *testing.T) {
	p, err := retry.NewListed(time.Second, 5*time.Second, time.Minute)
	if err != nil {
		t.Fatalf("NewListed: %v", err)
	}

	tests := []struct {
		attempts  int
		wantRetry bool
		wantDelay time.Duration
	}{
		{0, true, time.Second},
		{1, true, 5 * time.Second},
		{2, true, time.Minute},
		{3, false, 0},
		{4, false, 0},
	}
	for _, tt := range tests {
		got := p.Decide(tt.attempts)
		if got.ShouldRetry() != tt.wantRetry || got.Delay() != tt.wantDelay {
			t.Errorf("Decide(%d) = %v, want retry=%v delay=%v", tt.attempts, got, tt.wantRetry, tt.wantDelay)
		}
	}
}

func TestNewListed_Rejects(t *testing.T) {
	if _, err := retry.NewListed(); err == nil {
		t.Error("expected error for empty list")
	}
	if _, err := retry.NewListed(time.Second, -time.Second); !errors.Is(err, retry.ErrNegativeDelay) {
		t.Errorf("err = %v, want ErrNegativeDelay", err)
	}
}

func TestExponential(t *testing.T) {
	p := retry.Exponential{Base: time.Second, Max: 5 * time.Second, MaxRetries: 5}

	tests := []struct {
		attempts  int
		wantRetry bool
		wantDelay time.Duration
	}{
		{0, true, 0},
		{1, true, time.Second},
		{2, true, 2 * time.Second},
		{3, true, 4 * time.Second},
		{4, true, 5 * time.Second}, // capped
		{5, true, 5 * time.Second},
		{6, false, 0},
	}
	for _, tt := range tests {
		got := p.Decide(tt.attempts)
		if got.ShouldRetry() != tt.wantRetry || got.Delay() != tt.wantDelay {
			t.Errorf("Decide(%d) = %v, want retry=%v delay=%v", tt.attempts, got, tt.wantRetry, tt.wantDelay)
		}
	}
}

func TestExponential_JitterWithinBounds(t *testing.T) {
	p := retry.Exponential{Base: time.Second, Max: time.Minute, MaxRetries: 10, Jitter: true}
	for range 100 {
		d := p.Decide(3)
		if !d.ShouldRetry() {
			t.Fatal("expected retry")
		}
		if d.Delay() < 0 || d.Delay() > 4*time.Second {
			t.Fatalf("jittered delay %v out of [0, 4s]", d.Delay())
		}
	}
}

func TestExponential_LargeAttemptsSaturate(t *testing.T) {
	for _, jitter := range []bool{false, true} {
		p := retry.Exponential{Base: time.Second, MaxRetries: 2000, Jitter: jitter}
		for _, attempts := range []int{63, 70, 100, 1100, 2000} {
			d := p.Decide(attempts)
			if !d.ShouldRetry() {
				t.Fatalf("Decide(%d) jitter=%v stopped, want retry", attempts, jitter)
			}
			if d.Delay() < 0 {
				t.Fatalf("Decide(%d) jitter=%v delay %v", attempts, jitter, d.Delay())
			}
			if !jitter && d.Delay() != time.Duration(math.MaxInt64) {
				t.Errorf("Decide(%d) delay = %v, want max duration", attempts, d.Delay())
			}
		}
	}
}

func TestPolicyFunc(t *testing.T) {
	p := retry.PolicyFunc(func(attempts int) retry.Decision {
		if attempts < 2 {
			return retry.After(time.Duration(attempts) * time.Second)
		}
		return retry.Stop()
	})
	if got := p.Decide(1); got.Delay() != time.Second {
		t.Errorf("Decide(1) = %v", got)
	}
	if p.Decide(2).ShouldRetry() {
		t.Error("Decide(2) should stop")
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := retry.DefaultPolicy()
	if !p.Decide(0).ShouldRetry() {
		t.Error("default policy must allow the first attempt")
	}
	if p.Decide(11).ShouldRetry() {
		t.Error("default policy must stop after ten retries")
	}
}
