package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rendezvous/internal/constants"
	"rendezvous/internal/protocol"
	"rendezvous/internal/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  constants.WSBufferSize,
	WriteBufferSize: constants.WSBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket admits a new transport connection, issues its single-use
// challenge and runs the read side until the connection dies.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	if !s.BruteProtector.Check(clientIP) {
		if s.AuditLogger != nil {
			s.AuditLogger.LogBruteForce(clientIP, constants.MaxAuthAttempts)
		}
		http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
		return
	}

	if !s.ConnLimiter.TryConnect(clientIP) {
		if s.AuditLogger != nil {
			s.AuditLogger.LogConnectionLimit(clientIP)
		}
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(constants.MaxWSMessageSize)

	p := newPeer(conn, clientIP)
	s.livePeers.Add(1)

	go p.writePump()

	s.do(func() {
		p.state = stateAuthenticating
		p.Notify(protocol.Nonce(p.challenge))
	})

	log.Printf("🔌 Peer connected from %s", clientIP)

	s.readPump(p)
}

// readPump decodes frames off the wire and hands them to the event loop one
// at a time, preserving per-connection order. It returns when the transport
// closes, for any reason, and schedules the disconnect cleanup.
func (s *Server) readPump(p *Peer) {
	defer s.do(func() { s.dropPeer(p) })

	p.ws.SetReadDeadline(time.Now().Add(constants.PongTimeout))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(constants.PongTimeout))
		return nil
	})

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.do(func() { p.Notify(protocol.Error(constants.MsgInvalidMessage)) })
			continue
		}

		s.do(func() { s.handleMessage(p, msg) })
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Connections int64  `json:"connections"`
	Sessions    int64  `json:"sessions"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Version:     constants.Version,
		Uptime:      s.Uptime().String(),
		Connections: s.livePeers.Load(),
		Sessions:    s.liveSessions.Load(),
	})
}
