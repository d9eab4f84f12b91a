// Package lifecycle implements the hub's per-server activation state
// machine: activation policy enforcement, concurrent-activation
// deduplication, reference counting, and idle shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mcphub/mcphub/internal/config"
)

// State is one of the lifecycle manager's server states.
type State int

const (
	StateManual State = iota
	StateInactive
	StateActivating
	StateActive
	StateIdling
	StateStopping
	StateError
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateManual:
		return "MANUAL"
	case StateInactive:
		return "INACTIVE"
	case StateActivating:
		return "ACTIVATING"
	case StateActive:
		return "ACTIVE"
	case StateIdling:
		return "IDLING"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// AcceptsRequests reports whether a server in this state may receive
// forwarded requests.
func (s State) AcceptsRequests() bool {
	return s == StateActive || s == StateIdling
}

// ActivationSource distinguishes why activate was called, since the
// manual policy only proceeds for an explicit manual source.
type ActivationSource int

const (
	SourceStartup ActivationSource = iota
	SourceRoutedRequest
	SourceManual
)

// ErrActivationDisallowed is returned when policy forbids activation from
// the given source (e.g. a manual-policy server activated by a routed
// request rather than an explicit manual command).
var ErrActivationDisallowed = errors.New("lifecycle: activation disallowed by policy")

// Starter performs the actual connect+handshake+catalog work for a server.
// It is supplied by the hub facade so the lifecycle manager never depends
// on the upstream client package directly (breaking the cyclic reference
// between upstream client, registry, and lifecycle).
type Starter func(ctx context.Context, serverID string) error

// Stopper tears down an active server's upstream client and purges its
// registry entries.
type Stopper func(serverID string) error

// Manager tracks ServerState per ServerId and runs the idle engine.
type Manager struct {
	starter Starter
	stopper Stopper

	mu      sync.Mutex
	entries map[string]*entry
	sf      singleflight.Group

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup

	onTransition func(serverID string, from, to State)
}

type entry struct {
	mu sync.Mutex // serializes transitions for this one server id

	cfg   config.ServerConfig
	state State

	referenceCount int
	lastActivityAt time.Time
	startedAt      time.Time
}

// New creates a lifecycle manager for the given server configs. onTransition,
// if non-nil, is invoked after every state change (outside any lock).
func New(servers []config.ServerConfig, starter Starter, stopper Stopper, onTransition func(serverID string, from, to State)) *Manager {
	m := &Manager{
		starter:      starter,
		stopper:      stopper,
		entries:      make(map[string]*entry),
		sweepStop:    make(chan struct{}),
		onTransition: onTransition,
	}
	for _, sc := range servers {
		init := StateInactive
		if sc.ActivationPolicy == config.ActivationManual {
			init = StateManual
		}
		m.entries[sc.ID] = &entry{cfg: sc, state: init}
	}
	return m
}

// State returns the current state of a server, or false if unknown.
func (m *Manager) State(serverID string) (State, bool) {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func (m *Manager) get(serverID string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[serverID]
	return e, ok
}

func (m *Manager) setState(e *entry, serverID string, to State) {
	from := e.state
	e.state = to
	if from != to && m.onTransition != nil {
		m.onTransition(serverID, from, to)
	}
}

// ShouldActivate reports whether a call from source is permitted to
// activate serverID given its current state and configured policy.
func (m *Manager) ShouldActivate(serverID string, source ActivationSource) bool {
	e, ok := m.get(serverID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateActive || e.state == StateIdling || e.state == StateActivating {
		return false
	}
	if e.cfg.ActivationPolicy == config.ActivationManual && source != SourceManual {
		return false
	}
	return true
}

// Activate brings serverID to ACTIVE, deduplicating concurrent callers for
// the same server id behind one in-flight activation.
func (m *Manager) Activate(ctx context.Context, serverID string, source ActivationSource) error {
	e, ok := m.get(serverID)
	if !ok {
		return fmt.Errorf("lifecycle: unknown server %q", serverID)
	}

	e.mu.Lock()
	if e.state == StateActive || e.state == StateIdling {
		e.mu.Unlock()
		return nil
	}
	if e.cfg.ActivationPolicy == config.ActivationManual && source != SourceManual {
		e.mu.Unlock()
		return ErrActivationDisallowed
	}
	e.mu.Unlock()

	_, err, _ := m.sf.Do(serverID, func() (interface{}, error) {
		return nil, m.doActivate(ctx, serverID, e)
	})
	return err
}

func (m *Manager) doActivate(ctx context.Context, serverID string, e *entry) error {
	e.mu.Lock()
	if e.state == StateActive || e.state == StateIdling {
		e.mu.Unlock()
		return nil
	}
	m.setState(e, serverID, StateActivating)
	e.mu.Unlock()

	err := m.starter(ctx, serverID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		m.setState(e, serverID, StateError)
		return err
	}
	now := time.Now()
	e.startedAt = now
	e.lastActivityAt = now
	e.referenceCount = 0
	m.setState(e, serverID, StateActive)
	return nil
}

// Deactivate transitions an ACTIVE/IDLING server to INACTIVE via STOPPING,
// stopping its upstream client and purging its registry entries.
func (m *Manager) Deactivate(serverID string, reason string) error {
	e, ok := m.get(serverID)
	if !ok {
		return fmt.Errorf("lifecycle: unknown server %q", serverID)
	}
	e.mu.Lock()
	if e.state != StateActive && e.state != StateIdling {
		e.mu.Unlock()
		return nil
	}
	m.setState(e, serverID, StateStopping)
	e.mu.Unlock()

	err := m.stopper(serverID)

	e.mu.Lock()
	defer e.mu.Unlock()
	m.setState(e, serverID, StateInactive)
	return err
}

// OnServerError transitions a server to ERROR, then schedules an automatic
// move to COOLDOWN and finally INACTIVE after retryAfter.
func (m *Manager) OnServerError(serverID string, err error, retryAfter time.Duration) {
	e, ok := m.get(serverID)
	if !ok {
		return
	}
	e.mu.Lock()
	m.setState(e, serverID, StateError)
	e.mu.Unlock()

	go func() {
		time.Sleep(retryAfter)
		e.mu.Lock()
		if e.state == StateError {
			m.setState(e, serverID, StateCooldown)
			m.setState(e, serverID, StateInactive)
		}
		e.mu.Unlock()
	}()
}

// TrackActivityStart increments the reference count for an in-flight
// request against serverID, disarming the idle timer if the reset policy
// is onCallStart.
func (m *Manager) TrackActivityStart(serverID string) {
	e, ok := m.get(serverID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referenceCount++
	if e.cfg.IdlePolicy.ResetOn == config.IdleResetOnCallStart {
		e.lastActivityAt = time.Now()
	}
	if e.state == StateIdling {
		m.setState(e, serverID, StateActive)
	}
}

// TrackActivityEnd decrements the reference count, updating the idle timer
// reference point if the reset policy is onCallEnd.
func (m *Manager) TrackActivityEnd(serverID string) {
	e, ok := m.get(serverID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.referenceCount > 0 {
		e.referenceCount--
	}
	if e.cfg.IdlePolicy.ResetOn == config.IdleResetOnCallEnd && e.referenceCount == 0 {
		e.lastActivityAt = time.Now()
	}
}

// StartIdleSweeper runs the periodic idle-shutdown sweep every interval
// until Stop is called. always-policy servers are never auto-stopped.
func (m *Manager) StartIdleSweeper(interval time.Duration) {
	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweepOnce()
			}
		}
	}()
}

// Stop halts the idle sweeper. Safe to call even if it was never started.
func (m *Manager) Stop() {
	select {
	case <-m.sweepStop:
	default:
		close(m.sweepStop)
	}
	m.sweepWG.Wait()
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		e, ok := m.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.cfg.ActivationPolicy == config.ActivationAlways {
			e.mu.Unlock()
			continue
		}
		eligible := (e.state == StateActive || e.state == StateIdling) &&
			e.referenceCount == 0 &&
			now.Sub(e.startedAt) >= e.cfg.IdlePolicy.MinLinger

		idle := now.Sub(e.lastActivityAt) >= e.cfg.IdlePolicy.IdleTimeout
		switch {
		case eligible && idle && e.state == StateActive:
			// First sweep to observe idleness: enter IDLING rather than
			// stopping immediately, so a request arriving before the next
			// sweep (TrackActivityStart) can pull the server back to ACTIVE.
			m.setState(e, id, StateIdling)
		case eligible && idle && e.state == StateIdling:
			m.setState(e, id, StateStopping)
			e.mu.Unlock()
			_ = m.stopper(id)
			e.mu.Lock()
			m.setState(e, id, StateInactive)
		}
		e.mu.Unlock()
	}
}
