package transport

import (
	"context"
	"sync"

	"vibe/internal/shared/logging"
)

// Manager starts and stops the configured transports in declared order and
// tracks the per-transport state machine.
type Manager struct {
	logger logging.Logger

	mu         sync.RWMutex
	transports []Transport
	states     map[Kind]State
	started    bool
}

// NewManager builds a manager over the given transports. Order matters:
// StartAll starts them in the order given here.
func NewManager(transports []Transport, logger logging.Logger) *Manager {
	states := make(map[Kind]State, len(transports))
	for _, t := range transports {
		states[t.Kind()] = StatePending
	}
	return &Manager{
		logger:     logging.OrNop(logger),
		transports: transports,
		states:     states,
	}
}

// StartAll starts every pending transport. A transport that fails to start is
// marked failed and skipped; the others proceed. Calling StartAll again
// without StopAll is a no-op and yields the same allocated-ports map.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		m.logger.Debug("StartAll ignored: transports already started")
		return nil
	}
	m.started = true
	m.mu.Unlock()

	for _, t := range m.transports {
		kind := t.Kind()
		m.setState(kind, StateStarting)
		if err := t.Start(ctx); err != nil {
			m.setState(kind, StateFailed)
			m.logger.Error("Transport %s failed to start: %v", kind, err)
			continue
		}
		m.setState(kind, StateStarted)
		m.logger.Info("Transport %s started at %s", kind, t.Endpoint())
	}
	return nil
}

// StopAll drives every started transport to stopped and releases its port.
// Safe to call when nothing is running.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	// Stop in reverse start order.
	for i := len(m.transports) - 1; i >= 0; i-- {
		t := m.transports[i]
		kind := t.Kind()
		if m.State(kind) != StateStarted {
			continue
		}
		m.setState(kind, StateStopping)
		if err := t.Stop(ctx); err != nil {
			m.logger.Warn("Transport %s stop error: %v", kind, err)
		}
		m.setState(kind, StateStopped)
		m.logger.Info("Transport %s stopped", kind)
	}
}

// State returns the lifecycle state of one transport.
func (m *Manager) State(kind Kind) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[kind]; ok {
		return state
	}
	return StateDisabled
}

// StartedKinds lists the transports currently serving.
func (m *Manager) StartedKinds() []Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Kind
	for _, t := range m.transports {
		if m.states[t.Kind()] == StateStarted {
			out = append(out, t.Kind())
		}
	}
	return out
}

// AllocatedPorts returns the live port map. Transports that are not started
// (failed, stopped, portless) are absent.
func (m *Manager) AllocatedPorts() map[Kind]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Kind]int)
	for _, t := range m.transports {
		if m.states[t.Kind()] == StateStarted && t.AllocatedPort() != 0 {
			out[t.Kind()] = t.AllocatedPort()
		}
	}
	return out
}

// ServiceEndpoints returns the externally visible endpoint per started
// transport.
func (m *Manager) ServiceEndpoints() map[Kind]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Kind]string)
	for _, t := range m.transports {
		if m.states[t.Kind()] == StateStarted {
			out[t.Kind()] = t.Endpoint()
		}
	}
	return out
}

func (m *Manager) setState(kind Kind, state State) {
	m.mu.Lock()
	m.states[kind] = state
	m.mu.Unlock()
}
