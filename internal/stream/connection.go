package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daleheenan/startup-sub012/internal/id"
)

// ErrConnectionLimit indicates the gateway is at its connection ceiling.
var ErrConnectionLimit = errors.New("stream: connection limit reached")

// Connection is one live stream. It is ephemeral: created on client
// connect and destroyed when any close path fires. Cleanup runs exactly
// once no matter how many paths race to close it.
type Connection struct {
	// ID uniquely identifies this connection.
	ID id.ConnectionID

	// UserID is the authenticated subject.
	UserID string

	// OpenedAt records when the connection was established.
	OpenedAt time.Time

	cleanup func()
	closed  atomic.Bool
}

// NewConnection creates a connection with its cleanup function. The
// cleanup unsubscribes from the bus and releases the manager slot.
func NewConnection(userID string, cleanup func()) *Connection {
	return &Connection{
		ID:       id.NewConnectionID(),
		UserID:   userID,
		OpenedAt: time.Now().UTC(),
		cleanup:  cleanup,
	}
}

// Close runs the connection's cleanup. Safe to call from multiple
// close paths concurrently; only the first caller runs cleanup.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		if c.cleanup != nil {
			c.cleanup()
		}
	}
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Manager tracks live connections, enforces the connection ceiling,
// and samples the live count to surface leaks.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	maxConnections int
	logger         *slog.Logger

	monitorInterval time.Duration
	stopMonitor     chan struct{}
	monitorOnce     sync.Once
	stopOnce        sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxConnections sets the connection ceiling.
func WithMaxConnections(n int) ManagerOption {
	return func(m *Manager) { m.maxConnections = n }
}

// WithMonitorInterval sets how often the leak monitor samples the live
// connection count. Zero disables the monitor.
func WithMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.monitorInterval = d }
}

// DefaultMaxConnections is the connection ceiling when none is configured.
const DefaultMaxConnections = 100

// NewManager creates a connection manager.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:           make(map[string]*Connection),
		maxConnections:  DefaultMaxConnections,
		logger:          logger,
		monitorInterval: 30 * time.Second,
		stopMonitor:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a connection, rejecting it at the ceiling.
func (m *Manager) Add(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) >= m.maxConnections {
		m.logger.Warn("connection limit reached",
			slog.Int("limit", m.maxConnections),
			slog.String("user_id", conn.UserID),
		)
		return ErrConnectionLimit
	}
	m.conns[conn.ID.String()] = conn
	return nil
}

// Remove unregisters a connection. Safe for unknown IDs.
func (m *Manager) Remove(connID id.ConnectionID) {
	m.mu.Lock()
	delete(m.conns, connID.String())
	m.mu.Unlock()
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// StartMonitor launches the leak monitor goroutine. It logs a warning
// whenever the live count passes the high-water mark (80% of the
// ceiling), catching connections whose cleanup never ran.
func (m *Manager) StartMonitor() {
	if m.monitorInterval <= 0 {
		return
	}
	m.monitorOnce.Do(func() {
		go m.monitorLoop()
	})
}

func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	highWater := (m.maxConnections * 4) / 5

	for {
		select {
		case <-m.stopMonitor:
			return
		case <-ticker.C:
			count := m.Count()
			if count >= highWater {
				m.logger.Warn("live connection count above high-water mark",
					slog.Int("count", count),
					slog.Int("high_water", highWater),
					slog.Int("limit", m.maxConnections),
				)
			}
		}
	}
}

// CloseAll closes every live connection and stops the monitor. Used at
// process shutdown.
func (m *Manager) CloseAll() {
	m.stopOnce.Do(func() {
		close(m.stopMonitor)
	})

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
