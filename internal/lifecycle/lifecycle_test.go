package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcphub/mcphub/internal/config"
)

func serverConfig(id string, policy config.ActivationPolicy, idleTimeout, minLinger time.Duration) config.ServerConfig {
	sc := config.ServerConfig{ID: id, ActivationPolicy: policy}
	sc.IdlePolicy = config.IdlePolicy{IdleTimeout: idleTimeout, MinLinger: minLinger, ResetOn: config.IdleResetOnCallEnd}
	return sc
}

func TestActivateTransitionsToActive(t *testing.T) {
	servers := []config.ServerConfig{serverConfig("s", config.ActivationOnDemand, time.Hour, 0)}
	m := New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error { return nil }, nil)

	if err := m.Activate(context.Background(), "s", SourceRoutedRequest); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	st, _ := m.State("s")
	if st != StateActive {
		t.Errorf("state = %v, want ACTIVE", st)
	}
}

func TestManualPolicyRejectsNonManualSource(t *testing.T) {
	servers := []config.ServerConfig{serverConfig("s", config.ActivationManual, time.Hour, 0)}
	m := New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error { return nil }, nil)

	if err := m.Activate(context.Background(), "s", SourceRoutedRequest); err != ErrActivationDisallowed {
		t.Fatalf("expected ErrActivationDisallowed, got %v", err)
	}
	if err := m.Activate(context.Background(), "s", SourceManual); err != nil {
		t.Fatalf("manual activation should succeed: %v", err)
	}
}

func TestConcurrentActivateDeduplicates(t *testing.T) {
	var starts int32
	servers := []config.ServerConfig{serverConfig("s", config.ActivationOnDemand, time.Hour, 0)}
	m := New(servers, func(ctx context.Context, id string) error {
		atomic.AddInt32(&starts, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}, func(id string) error { return nil }, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Activate(context.Background(), "s", SourceRoutedRequest)
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("starter invoked %d times, want 1", starts)
	}
	for _, err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestIdleSweepStopsAfterTimeoutAndLinger(t *testing.T) {
	servers := []config.ServerConfig{serverConfig("s", config.ActivationOnDemand, 30*time.Millisecond, 10*time.Millisecond)}
	var stopped int32
	m := New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error {
		atomic.AddInt32(&stopped, 1)
		return nil
	}, nil)

	if err := m.Activate(context.Background(), "s", SourceRoutedRequest); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	m.StartIdleSweeper(10 * time.Millisecond)
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := m.State("s"); st == StateInactive {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, _ := m.State("s")
	if st != StateInactive {
		t.Fatalf("state = %v, want INACTIVE after idle sweep", st)
	}
	if atomic.LoadInt32(&stopped) != 1 {
		t.Errorf("stopper invoked %d times, want 1", stopped)
	}
}

func TestIdleSweepEntersIdlingBeforeStopping(t *testing.T) {
	servers := []config.ServerConfig{serverConfig("s", config.ActivationOnDemand, 100*time.Millisecond, 50*time.Millisecond)}
	m := New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error { return nil }, nil)

	if err := m.Activate(context.Background(), "s", SourceRoutedRequest); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Linger met (50ms) but idle timeout not yet met (100ms): no transition.
	time.Sleep(60 * time.Millisecond)
	m.sweepOnce()
	if st, _ := m.State("s"); st != StateActive {
		t.Fatalf("state = %v, want ACTIVE (linger met, idle not met -> no action)", st)
	}

	// Idle timeout now also met: first sweep enters IDLING, not INACTIVE.
	time.Sleep(60 * time.Millisecond)
	m.sweepOnce()
	if st, _ := m.State("s"); st != StateIdling {
		t.Fatalf("state = %v, want IDLING on first idle-eligible sweep", st)
	}

	// A second sweep while still idle finally stops it.
	m.sweepOnce()
	if st, _ := m.State("s"); st != StateInactive {
		t.Fatalf("state = %v, want INACTIVE after a second idle-eligible sweep", st)
	}
}

func TestAlwaysPolicyNeverAutoStops(t *testing.T) {
	servers := []config.ServerConfig{serverConfig("s", config.ActivationAlways, 10*time.Millisecond, 0)}
	m := New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error { return nil }, nil)

	if err := m.Activate(context.Background(), "s", SourceStartup); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	m.StartIdleSweeper(10 * time.Millisecond)
	defer m.Stop()
	time.Sleep(100 * time.Millisecond)

	st, _ := m.State("s")
	if st != StateActive {
		t.Errorf("state = %v, want ACTIVE (always policy must not auto-stop)", st)
	}
}

func TestActivityTrackingPreventsIdleWhileInFlight(t *testing.T) {
	servers := []config.ServerConfig{serverConfig("s", config.ActivationOnDemand, 20*time.Millisecond, 0)}
	m := New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error { return nil }, nil)

	if err := m.Activate(context.Background(), "s", SourceRoutedRequest); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m.TrackActivityStart("s")

	m.StartIdleSweeper(10 * time.Millisecond)
	defer m.Stop()
	time.Sleep(80 * time.Millisecond)

	st, _ := m.State("s")
	if st == StateInactive {
		t.Errorf("server should not idle-stop while a request is in flight")
	}
	m.TrackActivityEnd("s")
}
