package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionInfo describes one registered ground station connection.
type ConnectionInfo struct {
	GroundStationID int       `json:"groundStationId"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastRequestID   string    `json:"lastRequestId,omitempty"`
	Open            bool      `json:"open"`
}

type entry struct {
	conn        Conn
	connectedAt time.Time

	// sendMu keeps the two frames of one dispatch adjacent on the wire.
	sendMu        sync.Mutex
	lastRequestID atomic.Value // string
}

func (e *entry) lastRequest() string {
	s, _ := e.lastRequestID.Load().(string)
	return s
}

// Registry maps ground station IDs to their live connection. It is safe for
// concurrent use; callers never lock it themselves.
type Registry struct {
	mu    sync.RWMutex
	conns map[int]*entry

	onChange func(n int)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int]*entry)}
}

// OnChange registers a callback receiving the connection count after every
// registration change. fn runs with the registry locked and must not call
// back into it.
func (r *Registry) OnChange(fn func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register stores conn for id and returns the connection it replaced, if
// any.
func (r *Registry) Register(id int, conn Conn, at time.Time) (replaced Conn) {
	r.mu.Lock()
	if old, ok := r.conns[id]; ok {
		replaced = old.conn
	}
	r.conns[id] = &entry{conn: conn, connectedAt: at}
	r.changed()
	r.mu.Unlock()
	return replaced
}

// Unregister removes id only while it still maps to conn, so a replaced
// connection's cleanup never drops its successor.
func (r *Registry) Unregister(id int, conn Conn) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok || e.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.changed()
	r.mu.Unlock()
	return true
}

// changed reports the new count. It runs under the write lock so
// observers see counts in the order the changes were applied.
func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange(len(r.conns))
	}
}

func (r *Registry) lookup(id int) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	return e, ok
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists registrations ordered by ground station ID.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	entries := make(map[int]*entry, len(r.conns))
	for id, e := range r.conns {
		entries[id] = e
	}
	r.mu.RUnlock()

	res := make([]ConnectionInfo, 0, len(entries))
	for id, e := range entries {
		res = append(res, ConnectionInfo{
			GroundStationID: id,
			ConnectedAt:     e.connectedAt,
			LastRequestID:   e.lastRequest(),
			Open:            e.conn.Open(),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].GroundStationID < res[j].GroundStationID })
	return res
}
