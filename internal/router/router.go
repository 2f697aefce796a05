package router

import (
	"fmt"
	"sync"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/classifier"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/reply"
)

// Router is the policy collaborator the protocol engine calls into;
// spec.md keeps any specific routing policy outside the core, the
// core only calls through this interface. This package provides one
// concrete implementation (read/write split over a primary+replica
// pool per shard).
type Router interface {
	// NewSession registers a client session and returns the backend
	// name it should initially connect to (its default shard's primary).
	NewSession(sessionID uint32, database string) (backend string, err error)
	// RouteQuery picks the backend that should receive a classified
	// statement, honoring transaction stickiness: once a session has
	// written inside a transaction, every further statement in that
	// transaction must go to the same backend it started on.
	RouteQuery(sessionID uint32, mask classifier.TypeMask, inTransaction bool) (backend string, err error)
	// ClientReply is called once the reply tracker reports completion
	// for the query just routed, so the router can update any
	// per-session bookkeeping (e.g. release transaction stickiness).
	ClientReply(sessionID uint32, backend string, outcome reply.Outcome)
	// HandleError reports a backend-level failure so the router can
	// mark that backend unhealthy and, if this was a replica read,
	// suggest a retry target.
	HandleError(sessionID uint32, backend string, err error) (retryBackend string, retryable bool)
	CloseSession(sessionID uint32)
}

type sessionState struct {
	shard        string
	stickyBackend string // non-empty while pinned to one backend for a transaction
}

// ReadWriteSplitRouter routes WRITE/MASTER_READ/SESSION_WRITE-class
// statements to a shard's primary and everything else to a round-robin
// replica,
// selecting the shard from a static database→shard map with a
// configured default.
type ReadWriteSplitRouter struct {
	mu       sync.Mutex
	pools    map[string]*Pool // shard name -> pool
	dbMap    map[string]string
	defaultShard string

	sessions map[uint32]*sessionState
}

// NewReadWriteSplitRouter creates a router over the given shard pools.
func NewReadWriteSplitRouter(pools map[string]*Pool, dbMap map[string]string, defaultShard string) *ReadWriteSplitRouter {
	return &ReadWriteSplitRouter{
		pools:        pools,
		dbMap:        dbMap,
		defaultShard: defaultShard,
		sessions:     make(map[uint32]*sessionState),
	}
}

func (r *ReadWriteSplitRouter) shardFor(database string) string {
	if shard, ok := r.dbMap[database]; ok && shard != "" {
		return shard
	}
	return r.defaultShard
}

func (r *ReadWriteSplitRouter) NewSession(sessionID uint32, database string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	shard := r.shardFor(database)
	pool, ok := r.pools[shard]
	if !ok {
		return "", fmt.Errorf("no backend pool for shard %q", shard)
	}
	r.sessions[sessionID] = &sessionState{shard: shard}
	return pool.GetPrimary(), nil
}

// RouteQuery implements the read/write split: WRITE, MASTER_READ or
// SESSION_WRITE bits pin the query (and the rest of any active
// transaction) to the shard's primary; everything else prefers a
// replica. Once pinned by inTransaction, the session is held on its
// sticky backend regardless of the statement's own mask, since a
// transaction cannot be split across connections.
func (r *ReadWriteSplitRouter) RouteQuery(sessionID uint32, mask classifier.TypeMask, inTransaction bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("unknown session %d", sessionID)
	}
	if inTransaction && st.stickyBackend != "" {
		return st.stickyBackend, nil
	}

	pool, ok := r.pools[st.shard]
	if !ok {
		return "", fmt.Errorf("no backend pool for shard %q", st.shard)
	}

	needsPrimary := mask.Any(classifier.TypeWrite | classifier.TypeMasterRead | classifier.TypeSessionWrite)

	var backend string
	if needsPrimary {
		backend = pool.GetPrimary()
	} else {
		backend, _ = pool.GetReplica()
	}

	if inTransaction && needsPrimary {
		st.stickyBackend = backend
	}
	return backend, nil
}

// ClientReply is a no-op for this policy: transaction stickiness is
// cleared explicitly via EndTransaction once the transaction tracker
// reports INACTIVE, not inferred from any single reply's outcome.
func (r *ReadWriteSplitRouter) ClientReply(sessionID uint32, backend string, outcome reply.Outcome) {}

func (r *ReadWriteSplitRouter) HandleError(sessionID uint32, backend string, err error) (string, bool) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	shard := r.defaultShard
	if ok {
		shard = st.shard
		st.stickyBackend = ""
	}
	pool := r.pools[shard]
	r.mu.Unlock()

	if pool == nil {
		return "", false
	}
	pool.MarkUnhealthy(backend)
	retry, _ := pool.GetReplica()
	return retry, retry != backend
}

func (r *ReadWriteSplitRouter) CloseSession(sessionID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// EndTransaction clears a session's sticky backend once its
// transaction tracker reports INACTIVE, letting subsequent reads
// resume replica load-balancing.
func (r *ReadWriteSplitRouter) EndTransaction(sessionID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionID]; ok {
		st.stickyBackend = ""
	}
}
