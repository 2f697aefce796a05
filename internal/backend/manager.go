package backend

import (
	"sync"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/history"
)

// Manager owns the idle connection pool for every backend address this
// proxy talks to. Connections are checked out to a session (via
// ForSession) for the session's lifetime and returned to the idle pool
// once the session closes, so a long-lived client session keeps its
// backend connections pinned the way spec.md's pooled-adoption model
// requires, without pooling at the per-statement level.
type Manager struct {
	mu   sync.Mutex
	idle map[string][]*Conn

	user     string
	password string
}

// NewManager creates a backend connection manager that authenticates
// as user/password whenever it dials a new backend.
func NewManager(user, password string) *Manager {
	return &Manager{
		idle:     make(map[string][]*Conn),
		user:     user,
		password: password,
	}
}

// acquire returns an existing idle connection to addr if one is
// healthy, otherwise dials a fresh one. In both cases it replays hist
// onto the connection before returning it, so a backend adopted mid
// session observes the same session-state-changing commands the
// client has already seen acknowledged.
func (m *Manager) acquire(addr string, hist *history.Log) (*Conn, error) {
	m.mu.Lock()
	var c *Conn
	if pool := m.idle[addr]; len(pool) > 0 {
		c = pool[len(pool)-1]
		m.idle[addr] = pool[:len(pool)-1]
	}
	m.mu.Unlock()

	if c != nil {
		if err := c.Ping(); err != nil {
			c.Close()
			c = nil
		}
	}

	if c == nil {
		var err error
		c, err = Dial(addr, addr, m.user, m.password)
		if err != nil {
			return nil, err
		}
	}

	if err := c.ReplayHistory(hist); err != nil {
		c.Close()
		return nil, err
	}
	c.state = StateRouting
	return c, nil
}

// release returns a connection to addr's idle pool for reuse by a
// future session.
func (m *Manager) release(addr string, c *Conn) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idle[addr] = append(m.idle[addr], c)
}

// discard closes a connection without returning it to the pool, used
// when a history replay mismatch or a fatal backend error means the
// connection's session state can no longer be trusted.
func (m *Manager) discard(c *Conn) {
	if c != nil {
		c.Close()
	}
}

// SessionBackends adapts Manager to the per-session getBackend closure
// the client state machine (internal/session) expects: a function from
// backend address to a live dispatcher, with every acquired connection
// tracked so Close can return them all to the idle pool at once.
type SessionBackends struct {
	mgr  *Manager
	hist *history.Log

	mu   sync.Mutex
	held map[string]*Conn
}

// ForSession creates a SessionBackends bound to one session's history
// log, to be passed as the getBackend argument of session.New.
func (m *Manager) ForSession(hist *history.Log) *SessionBackends {
	return &SessionBackends{
		mgr:  m,
		hist: hist,
		held: make(map[string]*Conn),
	}
}

// Get resolves name (a backend address, as produced by a router.Router)
// to a dispatcher, reusing the connection this session already
// acquired for that address if present.
func (sb *SessionBackends) Get(name string) (*Conn, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if c, ok := sb.held[name]; ok {
		return c, nil
	}
	c, err := sb.mgr.acquire(name, sb.hist)
	if err != nil {
		return nil, err
	}
	sb.held[name] = c
	return c, nil
}

// Discard drops the connection held for name, closing it rather than
// returning it to the idle pool, after a response_mismatch_error or a
// fatal backend failure.
func (sb *SessionBackends) Discard(name string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if c, ok := sb.held[name]; ok {
		sb.mgr.discard(c)
		delete(sb.held, name)
		sb.hist.DropBackend(name)
	}
}

// Close returns every connection this session acquired to its
// backend's idle pool, called once the session ends.
func (sb *SessionBackends) Close() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for name, c := range sb.held {
		sb.mgr.release(name, c)
		delete(sb.held, name)
	}
}
