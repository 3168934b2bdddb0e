package server

import (
	"log"

	"rendezvous/internal/constants"
	"rendezvous/internal/identity"
	"rendezvous/internal/protocol"
	"rendezvous/internal/session"
)

// handleMessage is the per-message protocol state machine. It runs on the
// event loop, so every branch observes and mutates relay state atomically
// with respect to all other connections and timers.
func (s *Server) handleMessage(p *Peer, msg protocol.Message) {
	if p.dropped || p.closing {
		return
	}

	if msg.Type == protocol.TypeAuth {
		s.handleAuth(p, msg)
		return
	}

	if p.state != stateAuthenticated {
		p.Notify(protocol.Error(constants.MsgNotAuthenticated))
		return
	}

	switch msg.Type {
	case protocol.TypeInvite:
		s.handleInvite(p, msg)
	case protocol.TypeAccept:
		s.handleAccept(p, msg)
	case protocol.TypeDecline:
		s.handleDecline(p, msg)
	case protocol.TypeText, protocol.TypeSDP, protocol.TypeICE:
		s.handleRelay(p, msg)
	case protocol.TypeClose:
		s.handleClose(p, msg)
	default:
		p.Notify(protocol.Error(constants.MsgUnknownType))
	}
}

func (s *Server) handleAuth(p *Peer, msg protocol.Message) {
	if p.state == stateAuthenticated {
		p.Notify(protocol.Error(constants.MsgAlreadyAuthenticated))
		return
	}

	if msg.Nonce != p.challenge {
		p.Notify(protocol.Error(constants.MsgNonceMismatch))
		s.BruteProtector.RecordFailure(p.remoteIP)
		if s.AuditLogger != nil {
			s.AuditLogger.LogAuthFailure(p.remoteIP, "Nonce mismatch")
		}
		return
	}

	if !identity.Verify(msg.PublicKey, msg.Signature, p.challenge) {
		p.Notify(protocol.Error(constants.MsgInvalidSignature))
		s.BruteProtector.RecordFailure(p.remoteIP)
		if s.AuditLogger != nil {
			s.AuditLogger.LogAuthFailure(p.remoteIP, "Invalid signature")
		}
		return
	}

	id := msg.PublicKey

	// Takeover: the superseded login's sessions die with it, before the new
	// registration is visible to anyone.
	if old, ok := s.Registry.Lookup(id); ok && old != p {
		s.teardownSessions(id, constants.ReasonPeerDisconnected)
		if s.AuditLogger != nil {
			s.AuditLogger.LogTakeover(p.remoteIP, id)
		}
		log.Printf("↪️  Takeover: %s reauthenticated from %s", shortKey(id), p.remoteIP)
	}
	s.Registry.Register(id, p)

	p.identity = id
	p.state = stateAuthenticated

	s.BruteProtector.RecordSuccess(p.remoteIP)
	if s.AuditLogger != nil {
		s.AuditLogger.LogAuthSuccess(p.remoteIP, id)
	}

	p.Notify(protocol.AuthOK())
	log.Printf("🔐 Peer authenticated: %s", shortKey(id))
}

// handleInvite is a two-phase operation: tentative create, then confirm by
// delivering the invite or roll the create back. The store and the delivered
// state never diverge.
func (s *Server) handleInvite(p *Peer, msg protocol.Message) {
	if msg.To == "" || msg.SessionID == "" {
		p.Notify(protocol.Error(constants.MsgInvalidMessage))
		return
	}
	if msg.To == p.identity {
		p.Notify(protocol.Error(constants.MsgCannotInviteSelf))
		return
	}

	sess := s.Sessions.Create(msg.SessionID, p.identity, msg.To, s.onSessionExpire)
	if sess == nil {
		p.Notify(protocol.Error(constants.MsgSessionExists))
		return
	}

	target, ok := s.Registry.Lookup(msg.To)
	if !ok {
		s.Sessions.Destroy(sess.ID)
		p.Notify(protocol.Error(constants.MsgPeerNotConnected))
		return
	}

	s.liveSessions.Store(int64(s.Sessions.Len()))
	target.Notify(protocol.Message{
		Type:       protocol.TypeInvite,
		From:       p.identity,
		SessionID:  sess.ID,
		ECDHPubkey: msg.ECDHPubkey,
	})

	if s.AuditLogger != nil {
		s.AuditLogger.LogSessionCreate(p.identity, sess.ID)
	}
	log.Printf("📨 Invite: %s -> %s (session %s)", shortKey(p.identity), shortKey(msg.To), sess.ID)
}

func (s *Server) handleAccept(p *Peer, msg protocol.Message) {
	other, ok := s.Sessions.OtherParticipant(msg.SessionID, p.identity)
	if !ok {
		p.Notify(protocol.Error(constants.MsgNotParticipant))
		return
	}

	// Accept marks the session active; it is not destroyed here.
	if conn, ok := s.Registry.Lookup(other); ok {
		conn.Notify(protocol.Message{
			Type:       protocol.TypeAccept,
			SessionID:  msg.SessionID,
			ECDHPubkey: msg.ECDHPubkey,
		})
	}
	log.Printf("🤝 Accept: session %s", msg.SessionID)
}

func (s *Server) handleDecline(p *Peer, msg protocol.Message) {
	other, ok := s.Sessions.OtherParticipant(msg.SessionID, p.identity)
	if !ok {
		p.Notify(protocol.Error(constants.MsgNotParticipant))
		return
	}

	s.destroySession(msg.SessionID, "declined")
	if conn, ok := s.Registry.Lookup(other); ok {
		conn.Notify(protocol.Message{
			Type:      protocol.TypeDecline,
			SessionID: msg.SessionID,
		})
	}
	log.Printf("🚫 Decline: session %s", msg.SessionID)
}

// handleRelay forwards an opaque in-session payload to the other participant.
// Delivery is best-effort; the relay holds no queue.
func (s *Server) handleRelay(p *Peer, msg protocol.Message) {
	other, ok := s.Sessions.OtherParticipant(msg.SessionID, p.identity)
	if !ok {
		p.Notify(protocol.Error(constants.MsgNotParticipant))
		return
	}

	conn, ok := s.Registry.Lookup(other)
	if !ok {
		return
	}

	out := protocol.Message{Type: msg.Type, SessionID: msg.SessionID}
	switch msg.Type {
	case protocol.TypeText:
		out.Ciphertext = msg.Ciphertext
		out.Nonce = msg.Nonce
	case protocol.TypeSDP:
		out.SDP = msg.SDP
	case protocol.TypeICE:
		out.Candidate = msg.Candidate
	}
	conn.Notify(out)
}

func (s *Server) handleClose(p *Peer, msg protocol.Message) {
	other, ok := s.Sessions.OtherParticipant(msg.SessionID, p.identity)
	if !ok {
		p.Notify(protocol.Error(constants.MsgNotParticipant))
		return
	}

	s.destroySession(msg.SessionID, constants.ReasonClosedByPeer)
	if conn, ok := s.Registry.Lookup(other); ok {
		conn.Notify(protocol.Close(msg.SessionID, constants.ReasonClosedByPeer))
	}
	log.Printf("👋 Close: session %s", msg.SessionID)
}

// dropPeer is the disconnect path for every way a transport can end. The
// session teardown only runs if this connection was still the identity's
// current one; a connection superseded by takeover already had its sessions
// destroyed when the takeover was processed.
func (s *Server) dropPeer(p *Peer) {
	if p.dropped {
		return
	}
	p.dropped = true
	s.livePeers.Add(-1)

	if p.state == stateAuthenticated && p.identity != "" {
		if s.Registry.Unregister(p.identity, p) {
			s.teardownSessions(p.identity, constants.ReasonPeerDisconnected)
		}
	}

	p.Terminate()
	log.Printf("🔌 Peer disconnected: %s", p.remoteIP)
}

// teardownSessions destroys every session identity participates in and tells
// each counterpart why.
func (s *Server) teardownSessions(identity, reason string) {
	for _, sess := range s.Sessions.ForParticipant(identity) {
		s.destroySession(sess.ID, reason)
		if other, ok := sess.Other(identity); ok {
			if conn, ok := s.Registry.Lookup(other); ok {
				conn.Notify(protocol.Close(sess.ID, reason))
			}
		}
	}
}

// onSessionExpire fires on a timer goroutine and hops onto the event loop.
// The pointer comparison suppresses a stale fire that raced with an explicit
// destroy and a reuse of the same id.
func (s *Server) onSessionExpire(sess *session.Session) {
	s.do(func() {
		if s.Sessions.Get(sess.ID) != sess {
			return
		}
		s.destroySession(sess.ID, constants.ReasonSessionExpired)
		for _, participant := range sess.Participants {
			if conn, ok := s.Registry.Lookup(participant); ok {
				conn.Notify(protocol.Close(sess.ID, constants.ReasonSessionExpired))
			}
		}
		log.Printf("🗑 Session expired: %s", sess.ID)
	})
}

func (s *Server) destroySession(id, reason string) {
	if s.Sessions.Destroy(id) != nil && s.AuditLogger != nil {
		s.AuditLogger.LogSessionDestroy(id, reason)
	}
	s.liveSessions.Store(int64(s.Sessions.Len()))
}

// shortKey abbreviates a hex identity for log lines.
func shortKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:8] + ".." + key[len(key)-8:]
}
