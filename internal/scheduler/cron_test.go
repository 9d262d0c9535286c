package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeExpirer struct {
	mu      sync.Mutex
	befores []time.Time
	reasons []string
	n       int
	err     error
}

func (f *fakeExpirer) ExpireSelections(_ context.Context, before time.Time, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.befores = append(f.befores, before)
	f.reasons = append(f.reasons, reason)
	return f.n, f.err
}

func (f *fakeExpirer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.befores)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSweep_UsesTTL(t *testing.T) {
	exp := &fakeExpirer{n: 3}
	s := NewExpirySweeper(exp, "@every 1m", 15*time.Minute, quietLogger())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if want := now.Add(-15 * time.Minute); !exp.befores[0].Equal(want) {
		t.Errorf("before = %v, want %v", exp.befores[0], want)
	}
	if exp.reasons[0] != ExpiryReason {
		t.Errorf("reason = %q", exp.reasons[0])
	}
}

func TestSweep_DisabledWhenTTLZero(t *testing.T) {
	exp := &fakeExpirer{}
	s := NewExpirySweeper(exp, "@every 1m", 0, quietLogger())
	if n, err := s.Sweep(context.Background()); n != 0 || err != nil {
		t.Errorf("Sweep = %d, %v", n, err)
	}
	if exp.calls() != 0 {
		t.Error("expirer should not be called when ttl is 0")
	}
}

func TestSweep_PropagatesError(t *testing.T) {
	exp := &fakeExpirer{err: errors.New("storage down")}
	s := NewExpirySweeper(exp, "@every 1m", time.Minute, quietLogger())
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := NewExpirySweeper(&fakeExpirer{}, "not a schedule", time.Minute, quietLogger())
	if err := s.Start(); err == nil {
		t.Error("expected schedule error")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	exp := &fakeExpirer{}
	s := NewExpirySweeper(exp, "@every 1s", time.Minute, quietLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for exp.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if exp.calls() == 0 {
		t.Error("sweep never ran")
	}
}

func TestReschedule(t *testing.T) {
	s := NewExpirySweeper(&fakeExpirer{}, "@every 1m", time.Minute, quietLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Reschedule("bogus", 2*time.Minute); err == nil {
		t.Error("expected error for bad schedule")
	}
	if err := s.Reschedule("@every 5m", 10*time.Minute); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if s.TTL() != 10*time.Minute {
		t.Errorf("ttl = %v", s.TTL())
	}
	if len(s.cron.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(s.cron.Entries()))
	}
}
