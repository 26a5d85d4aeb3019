package wick

import (
	"errors"
	"testing"
	"time"
)

func TestThreadStoreGetOrCreate(t *testing.T) {
	s := NewThreadStore(time.Hour, nil)
	a := s.GetOrCreate("th-1")
	b := s.GetOrCreate("th-1")
	if a != b {
		t.Fatal("GetOrCreate returned different states for the same thread")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestThreadStoreExpiry(t *testing.T) {
	s := NewThreadStore(time.Hour, nil)
	now := time.Now()
	s.now = func() time.Time { return now }

	first := s.GetOrCreate("th-1")
	first.Messages = append(first.Messages, UserMessage("hi"))

	// Within TTL the same state comes back.
	now = now.Add(30 * time.Minute)
	if got := s.GetOrCreate("th-1"); got != first {
		t.Fatal("state replaced before TTL elapsed")
	}

	// Access refreshed the TTL, so expiry counts from the last touch.
	now = now.Add(59 * time.Minute)
	if got := s.GetOrCreate("th-1"); got != first {
		t.Fatal("access did not refresh TTL")
	}

	now = now.Add(2 * time.Hour)
	if got := s.GetOrCreate("th-1"); got == first {
		t.Fatal("expired state not replaced")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get returned a state for an unknown thread")
	}
}

func TestThreadStoreAcquireRelease(t *testing.T) {
	s := NewThreadStore(time.Hour, nil)
	if err := s.Acquire("th-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.Acquire("th-1"); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("second Acquire = %v, want ErrThreadBusy", err)
	}
	s.Release("th-1")
	if err := s.Acquire("th-1"); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestThreadStoreReapSkipsBusy(t *testing.T) {
	s := NewThreadStore(time.Hour, nil)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.GetOrCreate("idle")
	if err := s.Acquire("busy"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if n := s.Reap(); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}
	if _, ok := s.Get("busy"); !ok {
		t.Error("busy thread was reaped")
	}
}
