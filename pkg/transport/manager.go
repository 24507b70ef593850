package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/telemetry"
)

const fallbackRedial = 5 * time.Second

// Manager fronts the two delivery paths as one Transport. The primary
// channel is tried first; any connect, auth or mid-session failure on it
// triggers a single permanent downgrade to the fallback path. There is
// no upgrade back within a session, so consumers never observe the
// paths flapping against each other.
type Manager struct {
	primary  Transport
	fallback Transport

	mu          sync.Mutex
	active      Transport
	downgraded  bool
	subs        map[models.Ident]bool
	closed      bool
	fwdPrimary  bool
	fwdFallback bool

	events chan Event
	done   chan struct{}
}

func NewManager(primary, fallback Transport) *Manager {
	return &Manager{
		primary:  primary,
		fallback: fallback,
		subs:     map[models.Ident]bool{},
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
}

func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) State() ConnState {
	m.mu.Lock()
	t := m.active
	m.mu.Unlock()
	if t == nil {
		return StateDisconnected
	}
	return t.State()
}

// Downgraded reports whether the session has fallen back permanently.
func (m *Manager) Downgraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downgraded
}

// Connect brings up the primary path, downgrading on failure. Once the
// fallback is also unreachable the error is returned to the caller; the
// session stays downgraded either way.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	downgraded := m.downgraded
	m.mu.Unlock()

	if !downgraded {
		err := m.primary.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			m.active = m.primary
			m.mu.Unlock()
			m.startForward(m.primary, &m.fwdPrimary)
			return nil
		}
		logger.Warn("primary_connect_failed", "error", err)
		m.markDowngraded("connect_failed")
	}
	return m.connectFallback(ctx)
}

func (m *Manager) connectFallback(ctx context.Context) error {
	if err := m.fallback.Connect(ctx); err != nil {
		return fmt.Errorf("fallback connect: %w", err)
	}
	m.mu.Lock()
	m.active = m.fallback
	subs := make([]models.Ident, 0, len(m.subs))
	for id := range m.subs {
		subs = append(subs, id)
	}
	m.mu.Unlock()

	m.startForward(m.fallback, &m.fwdFallback)
	for _, id := range subs {
		if err := m.fallback.Subscribe(ctx, id); err != nil {
			logger.Warn("fallback_resubscribe_failed", "thread", id, "error", err)
		}
	}
	return nil
}

// startForward spawns at most one drain goroutine per underlying
// transport; their event channels survive redials.
func (m *Manager) startForward(t Transport, started *bool) {
	m.mu.Lock()
	if *started {
		m.mu.Unlock()
		return
	}
	*started = true
	m.mu.Unlock()
	go m.forward(t)
}

func (m *Manager) markDowngraded(reason string) {
	m.mu.Lock()
	already := m.downgraded
	m.downgraded = true
	m.mu.Unlock()
	if !already {
		telemetry.Downgrades.Inc()
		logger.Warn("transport_downgraded", "reason", reason)
	}
}

// forward drains one transport's events into the merged stream. A
// primary error event triggers the downgrade; fallback feed loss only
// schedules a redial of the fallback itself.
func (m *Manager) forward(t Transport) {
	for {
		var ev Event
		var ok bool
		select {
		case ev, ok = <-t.Events():
			if !ok {
				return
			}
		case <-m.done:
			return
		}
		telemetry.EventsTotal.WithLabelValues(string(ev.Type), ev.Source).Inc()
		if ev.Type == EventError && ev.Message == nil && ev.ClientMsgID == "" {
			if t == m.primary {
				m.markDowngraded("channel_error")
			}
			go m.redial(m.connectFallbackOnce)
			continue
		}
		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) connectFallbackOnce(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.connectFallback(ctx)
}

// redial retries the given connect until it sticks or the manager is
// closed.
func (m *Manager) redial(connect func(context.Context) error) {
	for {
		select {
		case <-m.done:
			return
		case <-time.After(fallbackRedial):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := connect(ctx)
		cancel()
		if err == nil || err == ErrClosed {
			return
		}
		logger.Warn("transport_redial_failed", "error", err)
	}
}

func (m *Manager) current() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.active == nil {
		return nil, ErrNotConnected
	}
	return m.active, nil
}

func (m *Manager) Subscribe(ctx context.Context, threadID models.Ident) error {
	m.mu.Lock()
	m.subs[threadID] = true
	m.mu.Unlock()
	t, err := m.current()
	if err != nil {
		return err
	}
	return t.Subscribe(ctx, threadID)
}

func (m *Manager) Unsubscribe(ctx context.Context, threadID models.Ident) error {
	m.mu.Lock()
	delete(m.subs, threadID)
	m.mu.Unlock()
	t, err := m.current()
	if err != nil {
		return err
	}
	return t.Unsubscribe(ctx, threadID)
}

func (m *Manager) Send(ctx context.Context, msg models.Message) error {
	t, err := m.current()
	if err != nil {
		return err
	}
	return t.Send(ctx, msg)
}

// SendFallback forces the degraded path for a single message; the echo
// watchdog uses it after the primary went quiet on a send.
func (m *Manager) SendFallback(ctx context.Context, msg models.Message) error {
	telemetry.FallbackAttempts.Inc()
	return m.fallback.Send(ctx, msg)
}

func (m *Manager) Typing(ctx context.Context, threadID models.Ident, typing bool) error {
	t, err := m.current()
	if err != nil {
		return err
	}
	return t.Typing(ctx, threadID, typing)
}

func (m *Manager) Acknowledge(ctx context.Context, threadID, upToID models.Ident, status models.DeliveryState) error {
	t, err := m.current()
	if err != nil {
		return err
	}
	return t.Acknowledge(ctx, threadID, upToID, status)
}

func (m *Manager) Sync(ctx context.Context, threadID, sinceID models.Ident) error {
	t, err := m.current()
	if err != nil {
		return err
	}
	return t.Sync(ctx, threadID, sinceID)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.primary.Close()
	m.fallback.Close()
	// the merged stream stays open; a forwarder parked mid-emit must
	// never hit a closed channel. Consumers stop via their own context.
	return nil
}
