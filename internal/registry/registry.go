package registry

import (
	"rendezvous/internal/constants"
	"rendezvous/internal/protocol"
)

// Conn is the server-side handle for one live peer connection. The registry
// only needs enough of it to notify and terminate a superseded connection.
type Conn interface {
	Notify(msg protocol.Message)
	Terminate()
}

// Registry maps an authenticated identity to the single connection currently
// representing it. It is owned by the relay's event loop and must only be
// touched from there.
type Registry struct {
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register makes conn the current connection for identity. If another
// connection already holds the identity it is sent a takeover notice and
// terminated before the new mapping becomes visible, so a message is never
// routed to two connections for one identity. Last writer wins.
func (r *Registry) Register(identity string, conn Conn) (replaced bool) {
	if old, ok := r.conns[identity]; ok && old != conn {
		old.Notify(protocol.Error(constants.MsgConnectionReplaced))
		old.Terminate()
		replaced = true
	}
	r.conns[identity] = conn
	return replaced
}

// Lookup returns the current connection for identity, if any.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	conn, ok := r.conns[identity]
	return conn, ok
}

// Unregister removes the mapping for identity, but only if it still points at
// conn. A connection superseded by a takeover must not evict its replacement.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	if cur, ok := r.conns[identity]; ok && cur == conn {
		delete(r.conns, identity)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	return len(r.conns)
}
