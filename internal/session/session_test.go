package session

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestCreateTouchGet(t *testing.T) {
	s := NewStore(50 * time.Millisecond)
	sess := s.Create()
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}

	if _, err := s.Get(sess.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if _, err := s.Get(sess.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestTouchExtendsTTL(t *testing.T) {
	s := NewStore(80 * time.Millisecond)
	sess := s.Create()

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Touch(sess.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Get(sess.ID); err != nil {
		t.Fatalf("expected session still alive after touch, got %v", err)
	}
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	s := NewStore(30 * time.Millisecond)
	stale := s.Create()
	time.Sleep(50 * time.Millisecond)
	fresh := s.Create()

	n := s.SweepExpired()
	if n != 1 {
		t.Fatalf("SweepExpired removed %d, want 1", n)
	}
	if _, err := s.Get(stale.ID); err != ErrNotFound {
		t.Errorf("expected stale session gone")
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Errorf("expected fresh session to remain, got %v", err)
	}
}

func TestStartSweeperStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(20 * time.Millisecond)
	s.StartSweeper(10 * time.Millisecond)
	sess := s.Create()
	time.Sleep(60 * time.Millisecond)

	if _, err := s.Get(sess.ID); err != ErrNotFound {
		t.Fatalf("expected sweeper to expire session, got %v", err)
	}
	s.Stop()
}

func TestDeleteAndCount(t *testing.T) {
	s := NewStore(time.Minute)
	a := s.Create()
	s.Create()
	if s.Count() != 2 {
		t.Fatalf("Count = %d, want 2", s.Count())
	}
	s.Delete(a.ID)
	if s.Count() != 1 {
		t.Fatalf("Count after delete = %d, want 1", s.Count())
	}
}
