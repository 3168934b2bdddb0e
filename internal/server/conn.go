package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rendezvous/internal/constants"
	"rendezvous/internal/protocol"
)

type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthenticated
)

// Peer is the server-side record for one live WebSocket connection. All
// fields except ws and send are confined to the event loop; the reader and
// writer pumps only move frames in and out.
type Peer struct {
	ws       *websocket.Conn
	remoteIP string

	// single-use challenge issued at connect time
	challenge string
	identity  string
	state     connState

	send    chan protocol.Message
	closing bool
	dropped bool
}

func newPeer(ws *websocket.Conn, remoteIP string) *Peer {
	return &Peer{
		ws:        ws,
		remoteIP:  remoteIP,
		challenge: uuid.New().String(),
		state:     stateConnecting,
		send:      make(chan protocol.Message, constants.SendQueueSize),
	}
}

// Notify queues a message for delivery. Delivery is best-effort: a message to
// a terminated or pathologically slow peer is dropped rather than blocking the
// event loop. Loop-only.
func (p *Peer) Notify(msg protocol.Message) {
	if p.closing {
		return
	}
	select {
	case p.send <- msg:
	default:
	}
}

// Terminate closes the outbound queue; the writer pump flushes anything
// already queued (takeover notices in particular) and then closes the
// transport. Loop-only, idempotent.
func (p *Peer) Terminate() {
	if p.closing {
		return
	}
	p.closing = true
	close(p.send)
}

// writePump owns all writes on the WebSocket. It drains the send queue, pings
// idle connections, and closes the transport when the queue is closed.
func (p *Peer) writePump() {
	ticker := time.NewTicker(constants.PingInterval)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if !ok {
				p.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
