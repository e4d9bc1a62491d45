package ws

import (
	"sync"

	"github.com/example/workspace-sync/internal/types"
)

// ConnectionRegistry tracks the live sync connections of this instance so
// they can be counted and closed together on shutdown.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]struct{})}
}

// Register adds the connection.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	gatewayConnections.Set(float64(len(r.conns)))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	gatewayConnections.Set(float64(len(r.conns)))
}

// Len returns the number of live connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByWorkspace returns the number of live connections joined to ws.
func (r *ConnectionRegistry) CountByWorkspace(ws types.WorkspaceID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for c := range r.conns {
		if c.peer != nil && c.peer.Workspace() == ws {
			n++
		}
	}
	return n
}

// CloseAll sends a close frame with the given code to every connection and
// tears them down.
func (r *ConnectionRegistry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(code, reason)
	}
	return len(conns)
}
