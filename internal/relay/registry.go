package relay

import (
	"sync"

	"github.com/example/tree-sync-engine/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by document ID
// so sequenced edits can be fanned out efficiently.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[types.DocumentID]map[*Connection]struct{})}
}

// Register associates the connection with a document.
func (r *ConnectionRegistry) Register(doc types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[doc] == nil {
		r.documents[doc] = make(map[*Connection]struct{})
	}
	r.documents[doc][c] = struct{}{}
	connections.WithLabelValues(string(doc)).Set(float64(len(r.documents[doc])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(doc types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[doc]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, doc)
	}
	connections.WithLabelValues(string(doc)).Set(float64(len(conns)))
}

// Count returns the number of connections attached to a document.
func (r *ConnectionRegistry) Count(doc types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[doc])
}

// BroadcastBinary delivers the payload to every connection currently
// attached to the document and returns how many accepted it.
func (r *ConnectionRegistry) BroadcastBinary(doc types.DocumentID, payload []byte) int {
	r.mu.RLock()
	conns := r.documents[doc]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
	}
	return sent
}
