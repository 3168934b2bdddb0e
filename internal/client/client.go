package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rendezvous/internal/constants"
	"rendezvous/internal/crypto"
	"rendezvous/internal/identity"
	"rendezvous/internal/protocol"
)

// Handlers are the application callbacks. Nil handlers are skipped. They are
// invoked from the client's read loop, one at a time.
type Handlers struct {
	OnAuthenticated func()
	OnInvite        func(from, sessionID string)
	OnAccept        func(sessionID string)
	OnDecline       func(sessionID string)
	OnText          func(sessionID string, plaintext []byte)
	OnSDP           func(sessionID string, sdp json.RawMessage)
	OnICE           func(sessionID string, candidate json.RawMessage)
	OnClose         func(sessionID, reason string)
	OnError         func(message string)
	OnDisconnect    func(err error)
}

// sessionKeys tracks the E2E key material for one session. The inviter holds
// its X25519 private key until the accept arrives with the other side's
// public key; the acceptor derives the shared secret when it accepts.
type sessionKeys struct {
	priv    [32]byte
	peerPub [32]byte
	shared  [32]byte
	ready   bool
}

// Client is a relay client. It authenticates automatically when the server's
// nonce arrives and runs the X25519/ChaCha20-Poly1305 layer for text frames,
// so the relay only ever sees ciphertext.
type Client struct {
	key      *identity.Keypair
	ws       *websocket.Conn
	handlers Handlers

	mu       sync.Mutex
	sessions map[string]*sessionKeys

	authed   chan struct{}
	authOnce sync.Once
}

// Dial connects to the relay, completes the challenge handshake with key and
// returns once authenticated.
func Dial(relayURL string, key *identity.Keypair, handlers Handlers) (*Client, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
	}

	ws, _, err := dialer.Dial(relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	ws.SetReadLimit(constants.MaxWSMessageSize)

	c := &Client{
		key:      key,
		ws:       ws,
		handlers: handlers,
		sessions: make(map[string]*sessionKeys),
		authed:   make(chan struct{}),
	}

	go c.readLoop()

	select {
	case <-c.authed:
	case <-time.After(constants.WSHandshakeTimeout):
		ws.Close()
		return nil, fmt.Errorf("timed out waiting for auth_ok")
	}

	return c, nil
}

// Identity returns the hex public key this client is addressed by.
func (c *Client) Identity() string {
	return c.key.PublicHex()
}

func (c *Client) Close() error {
	return c.ws.Close()
}

// Invite asks the relay to open sessionID with the peer identified by to. The
// invite carries a fresh X25519 public key for the E2E layer.
func (c *Client) Invite(to, sessionID string) error {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[sessionID] = &sessionKeys{priv: priv}
	c.mu.Unlock()

	return c.writeJSON(protocol.Message{
		Type:       protocol.TypeInvite,
		To:         to,
		SessionID:  sessionID,
		ECDHPubkey: crypto.EncodePublicKey(pub),
	})
}

// Accept answers a received invite, deriving the shared secret from the
// inviter's public key and sending back our own.
func (c *Client) Accept(sessionID string) error {
	c.mu.Lock()
	keys, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending invite for session %s", sessionID)
	}

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	shared, err := crypto.DeriveSharedSecret(priv, keys.peerPub)
	if err != nil {
		return err
	}

	c.mu.Lock()
	keys.priv = priv
	keys.shared = shared
	keys.ready = true
	c.mu.Unlock()

	return c.writeJSON(protocol.Message{
		Type:       protocol.TypeAccept,
		SessionID:  sessionID,
		ECDHPubkey: crypto.EncodePublicKey(pub),
	})
}

func (c *Client) Decline(sessionID string) error {
	c.forget(sessionID)
	return c.writeJSON(protocol.Message{
		Type:      protocol.TypeDecline,
		SessionID: sessionID,
	})
}

// SendText seals plaintext for the session and relays it.
func (c *Client) SendText(sessionID string, plaintext []byte) error {
	c.mu.Lock()
	keys, ok := c.sessions[sessionID]
	ready := ok && keys.ready
	var shared [32]byte
	if ready {
		shared = keys.shared
	}
	c.mu.Unlock()
	if !ready {
		return fmt.Errorf("session %s has no established key", sessionID)
	}

	ciphertext, nonce, err := crypto.Seal(shared, plaintext)
	if err != nil {
		return err
	}
	return c.writeJSON(protocol.Message{
		Type:       protocol.TypeText,
		SessionID:  sessionID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
}

// SendSDP relays a connection-negotiation payload. The relay and this client
// both treat it as opaque.
func (c *Client) SendSDP(sessionID string, sdp json.RawMessage) error {
	return c.writeJSON(protocol.Message{
		Type:      protocol.TypeSDP,
		SessionID: sessionID,
		SDP:       sdp,
	})
}

// SendICE relays a candidate payload verbatim.
func (c *Client) SendICE(sessionID string, candidate json.RawMessage) error {
	return c.writeJSON(protocol.Message{
		Type:      protocol.TypeICE,
		SessionID: sessionID,
		Candidate: candidate,
	})
}

// CloseSession ends the session for both sides.
func (c *Client) CloseSession(sessionID string) error {
	c.forget(sessionID)
	return c.writeJSON(protocol.Message{
		Type:      protocol.TypeClose,
		SessionID: sessionID,
	})
}

func (c *Client) forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Client) writeJSON(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeNonce:
		// Prove possession of the private key by signing the challenge.
		c.writeJSON(protocol.Message{
			Type:      protocol.TypeAuth,
			PublicKey: c.key.PublicHex(),
			Signature: c.key.Sign(msg.Nonce),
			Nonce:     msg.Nonce,
		})

	case protocol.TypeAuthOK:
		c.authOnce.Do(func() { close(c.authed) })
		if c.handlers.OnAuthenticated != nil {
			c.handlers.OnAuthenticated()
		}

	case protocol.TypeError:
		if c.handlers.OnError != nil {
			c.handlers.OnError(msg.Message)
		}

	case protocol.TypeInvite:
		peerPub, err := crypto.DecodePublicKey(msg.ECDHPubkey)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.sessions[msg.SessionID] = &sessionKeys{peerPub: peerPub}
		c.mu.Unlock()
		if c.handlers.OnInvite != nil {
			c.handlers.OnInvite(msg.From, msg.SessionID)
		}

	case protocol.TypeAccept:
		c.mu.Lock()
		keys, ok := c.sessions[msg.SessionID]
		if ok {
			if peerPub, err := crypto.DecodePublicKey(msg.ECDHPubkey); err == nil {
				if shared, err := crypto.DeriveSharedSecret(keys.priv, peerPub); err == nil {
					keys.shared = shared
					keys.ready = true
				}
			}
		}
		c.mu.Unlock()
		if c.handlers.OnAccept != nil {
			c.handlers.OnAccept(msg.SessionID)
		}

	case protocol.TypeDecline:
		c.forget(msg.SessionID)
		if c.handlers.OnDecline != nil {
			c.handlers.OnDecline(msg.SessionID)
		}

	case protocol.TypeText:
		c.mu.Lock()
		keys, ok := c.sessions[msg.SessionID]
		ready := ok && keys.ready
		var shared [32]byte
		if ready {
			shared = keys.shared
		}
		c.mu.Unlock()
		if !ready {
			return
		}
		plaintext, err := crypto.Open(shared, msg.Ciphertext, msg.Nonce)
		if err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Sprintf("undecryptable text on session %s", msg.SessionID))
			}
			return
		}
		if c.handlers.OnText != nil {
			c.handlers.OnText(msg.SessionID, plaintext)
		}

	case protocol.TypeSDP:
		if c.handlers.OnSDP != nil {
			c.handlers.OnSDP(msg.SessionID, msg.SDP)
		}

	case protocol.TypeICE:
		if c.handlers.OnICE != nil {
			c.handlers.OnICE(msg.SessionID, msg.Candidate)
		}

	case protocol.TypeClose:
		c.forget(msg.SessionID)
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(msg.SessionID, msg.Reason)
		}
	}
}
