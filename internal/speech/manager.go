package speech

import (
	"context"
	"log/slog"
	"sync"
)

// Manager keeps at most one speech current. Replacing it cancels the
// previous holder and waits until that speech settled.
type Manager struct {
	// gate is held shared by WhileCurrent callbacks and exclusively while
	// the current speech changes.
	gate    sync.RWMutex
	mu      sync.Mutex
	current *Speech
	logger  *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{logger: log.With(slog.String("component", "speech-manager"))}
}

// Replace makes next the current speech. It returns once the previous one
// has settled, or with ctx's error if ctx ends first; next stays current
// either way.
func (m *Manager) Replace(ctx context.Context, next *Speech) error {
	prev := m.swap(next)

	if prev == nil || prev == next {
		return nil
	}
	m.logger.Debug("replacing speech", slog.String("previous", prev.ID()), slog.String("next", next.ID()))
	prev.Cancel()
	select {
	case <-prev.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the current speech, or nil.
func (m *Manager) Current() *Speech {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// WhileCurrent runs fn only if the speech with id is current, and keeps it
// current until fn returns. Once Replace or Stop returned, callbacks for the
// previous speech no longer run.
func (m *Manager) WhileCurrent(id string, fn func()) bool {
	m.gate.RLock()
	defer m.gate.RUnlock()
	if !m.IsCurrent(id) {
		return false
	}
	fn()
	return true
}

func (m *Manager) swap(next *Speech) *Speech {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.current = next
	return prev
}

// IsCurrent reports whether the speech with id is still the current one.
func (m *Manager) IsCurrent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.ID() == id
}

// Clear drops s if it is still current.
func (m *Manager) Clear(s *Speech) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

// Stop cancels and clears the current speech and waits for it to settle.
func (m *Manager) Stop(ctx context.Context) error {
	cur := m.swap(nil)
	if cur == nil {
		return nil
	}
	cur.Cancel()
	select {
	case <-cur.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
