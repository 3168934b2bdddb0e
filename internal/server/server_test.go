package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"rendezvous/internal/constants"
	"rendezvous/internal/identity"
	"rendezvous/internal/protocol"
	"rendezvous/internal/server"
)

func newRelay(t *testing.T) (*server.Server, *httptest.Server, string) {
	t.Helper()

	s, err := server.NewServer()
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + constants.EndpointWebSocket
	return s, ts, wsURL
}

// wire is a raw protocol-level connection for driving scenarios precisely.
type wire struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, wsURL string) *wire {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wire{t: t, ws: ws}
}

func (w *wire) send(msg protocol.Message) {
	w.t.Helper()
	require.NoError(w.t, w.ws.WriteJSON(msg))
}

func (w *wire) recv() protocol.Message {
	w.t.Helper()
	w.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	require.NoError(w.t, w.ws.ReadJSON(&msg))
	return msg
}

func (w *wire) recvError(wantMessage string) {
	w.t.Helper()
	msg := w.recv()
	require.Equal(w.t, protocol.TypeError, msg.Type)
	require.Equal(w.t, wantMessage, msg.Message)
}

// recvNothing asserts no frame arrives within a short window.
func (w *wire) recvNothing() {
	w.t.Helper()
	w.ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg protocol.Message
	err := w.ws.ReadJSON(&msg)
	require.Error(w.t, err, "expected no frame, got %+v", msg)
}

func (w *wire) nonce() string {
	w.t.Helper()
	msg := w.recv()
	require.Equal(w.t, protocol.TypeNonce, msg.Type)
	require.NotEmpty(w.t, msg.Nonce)
	return msg.Nonce
}

// auth runs the full challenge handshake.
func (w *wire) auth(key *identity.Keypair) {
	w.t.Helper()
	nonce := w.nonce()
	w.send(protocol.Message{
		Type:      protocol.TypeAuth,
		PublicKey: key.PublicHex(),
		Signature: key.Sign(nonce),
		Nonce:     nonce,
	})
	msg := w.recv()
	require.Equal(w.t, protocol.TypeAuthOK, msg.Type)
}

func newKey(t *testing.T) *identity.Keypair {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)
	return key
}

func TestAuthHandshake(t *testing.T) {
	_, _, wsURL := newRelay(t)
	key := newKey(t)

	w := dial(t, wsURL)
	nonce := w.nonce()

	// Wrong nonce is rejected without consuming the challenge.
	w.send(protocol.Message{
		Type:      protocol.TypeAuth,
		PublicKey: key.PublicHex(),
		Signature: key.Sign("not-the-nonce"),
		Nonce:     "not-the-nonce",
	})
	w.recvError(constants.MsgNonceMismatch)

	// Bad signature over the right nonce is rejected too.
	other := newKey(t)
	w.send(protocol.Message{
		Type:      protocol.TypeAuth,
		PublicKey: key.PublicHex(),
		Signature: other.Sign(nonce),
		Nonce:     nonce,
	})
	w.recvError(constants.MsgInvalidSignature)

	// The connection may retry with the same challenge.
	w.send(protocol.Message{
		Type:      protocol.TypeAuth,
		PublicKey: key.PublicHex(),
		Signature: key.Sign(nonce),
		Nonce:     nonce,
	})
	msg := w.recv()
	require.Equal(t, protocol.TypeAuthOK, msg.Type)

	// A second auth on an authenticated connection fails.
	w.send(protocol.Message{
		Type:      protocol.TypeAuth,
		PublicKey: key.PublicHex(),
		Signature: key.Sign(nonce),
		Nonce:     nonce,
	})
	w.recvError(constants.MsgAlreadyAuthenticated)
}

func TestUnauthenticatedCannotTouchSessions(t *testing.T) {
	_, _, wsURL := newRelay(t)

	w := dial(t, wsURL)
	w.nonce()

	for _, typ := range []string{
		protocol.TypeInvite, protocol.TypeAccept, protocol.TypeDecline,
		protocol.TypeText, protocol.TypeSDP, protocol.TypeICE, protocol.TypeClose,
	} {
		w.send(protocol.Message{Type: typ, To: "someone", SessionID: "s1"})
		w.recvError(constants.MsgNotAuthenticated)
	}
}

func TestUnknownMessageType(t *testing.T) {
	_, _, wsURL := newRelay(t)

	w := dial(t, wsURL)
	w.auth(newKey(t))

	w.send(protocol.Message{Type: "frobnicate"})
	w.recvError(constants.MsgUnknownType)
}

func TestInviteDeliveryAndDuplicateID(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{
		Type:       protocol.TypeInvite,
		To:         keyB.PublicHex(),
		SessionID:  "s1",
		ECDHPubkey: "aabb",
	})

	invite := b.recv()
	require.Equal(t, protocol.TypeInvite, invite.Type)
	require.Equal(t, keyA.PublicHex(), invite.From)
	require.Equal(t, "s1", invite.SessionID)
	require.Equal(t, "aabb", invite.ECDHPubkey)

	// Same id before resolution collides.
	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	a.recvError(constants.MsgSessionExists)
}

func TestInviteSelfRejected(t *testing.T) {
	_, _, wsURL := newRelay(t)
	key := newKey(t)

	w := dial(t, wsURL)
	w.auth(key)

	w.send(protocol.Message{Type: protocol.TypeInvite, To: key.PublicHex(), SessionID: "s1"})
	w.recvError(constants.MsgCannotInviteSelf)
}

func TestInviteOfflinePeerRollsBack(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)

	ghost := newKey(t)
	a.send(protocol.Message{Type: protocol.TypeInvite, To: ghost.PublicHex(), SessionID: "s1"})
	a.recvError(constants.MsgPeerNotConnected)

	// The tentative create was rolled back, so the id is free.
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	invite := b.recv()
	require.Equal(t, protocol.TypeInvite, invite.Type)
	require.Equal(t, "s1", invite.SessionID)
}

func TestAcceptRelaysKeyWithoutDestroying(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1", ECDHPubkey: "aa"})
	b.recv()

	b.send(protocol.Message{Type: protocol.TypeAccept, SessionID: "s1", ECDHPubkey: "bb"})
	accept := a.recv()
	require.Equal(t, protocol.TypeAccept, accept.Type)
	require.Equal(t, "s1", accept.SessionID)
	require.Equal(t, "bb", accept.ECDHPubkey)

	// Session is still live: payloads flow.
	a.send(protocol.Message{Type: protocol.TypeText, SessionID: "s1", Ciphertext: "deadbeef", Nonce: "0102"})
	text := b.recv()
	require.Equal(t, protocol.TypeText, text.Type)
	require.Equal(t, "deadbeef", text.Ciphertext)
	require.Equal(t, "0102", text.Nonce)
}

func TestDeclineDestroysSession(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	b.send(protocol.Message{Type: protocol.TypeDecline, SessionID: "s1"})
	decline := a.recv()
	require.Equal(t, protocol.TypeDecline, decline.Type)
	require.Equal(t, "s1", decline.SessionID)

	// Session is gone.
	a.send(protocol.Message{Type: protocol.TypeText, SessionID: "s1", Ciphertext: "00"})
	a.recvError(constants.MsgNotParticipant)
}

func TestOpaquePayloadsRelayedVerbatim(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	a.send(protocol.Message{Type: protocol.TypeSDP, SessionID: "s1", SDP: sdp})
	got := b.recv()
	require.Equal(t, protocol.TypeSDP, got.Type)
	require.JSONEq(t, string(sdp), string(got.SDP))

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 123 10.0.0.1 9 typ host"}`)
	b.send(protocol.Message{Type: protocol.TypeICE, SessionID: "s1", Candidate: candidate})
	got = a.recv()
	require.Equal(t, protocol.TypeICE, got.Type)
	require.JSONEq(t, string(candidate), string(got.Candidate))
}

func TestNonParticipantRejected(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB, keyC := newKey(t), newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)
	c := dial(t, wsURL)
	c.auth(keyC)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	c.send(protocol.Message{Type: protocol.TypeText, SessionID: "s1", Ciphertext: "00"})
	c.recvError(constants.MsgNotParticipant)

	// B never sees the outsider's message.
	b.recvNothing()
}

func TestCloseNotifiesPeer(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	a.send(protocol.Message{Type: protocol.TypeClose, SessionID: "s1"})
	closeMsg := b.recv()
	require.Equal(t, protocol.TypeClose, closeMsg.Type)
	require.Equal(t, "s1", closeMsg.SessionID)
	require.Equal(t, constants.ReasonClosedByPeer, closeMsg.Reason)

	// Destroyed: neither side is a participant anymore.
	b.send(protocol.Message{Type: protocol.TypeText, SessionID: "s1", Ciphertext: "00"})
	b.recvError(constants.MsgNotParticipant)
}

func TestDisconnectDestroysSessions(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	require.NoError(t, a.ws.Close())

	closeMsg := b.recv()
	require.Equal(t, protocol.TypeClose, closeMsg.Type)
	require.Equal(t, "s1", closeMsg.SessionID)
	require.Equal(t, constants.ReasonPeerDisconnected, closeMsg.Reason)
}

func TestTakeoverKeepsSingleConnection(t *testing.T) {
	_, _, wsURL := newRelay(t)
	keyA, keyB := newKey(t), newKey(t)

	a1 := dial(t, wsURL)
	a1.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a1.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	// Second login under the same identity supersedes the first.
	a2 := dial(t, wsURL)
	a2.auth(keyA)

	// The old connection is notified and then closed.
	a1.recvError(constants.MsgConnectionReplaced)
	a1.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a1.ws.ReadMessage()
	require.Error(t, err)

	// The superseded login's session died with it.
	closeMsg := b.recv()
	require.Equal(t, protocol.TypeClose, closeMsg.Type)
	require.Equal(t, constants.ReasonPeerDisconnected, closeMsg.Reason)

	// The new connection owns the identity; the old session id is free again.
	a2.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	invite := b.recv()
	require.Equal(t, protocol.TypeInvite, invite.Type)
	require.Equal(t, "s1", invite.SessionID)
}

func TestSessionExpiryNotifiesBoth(t *testing.T) {
	t.Setenv("RELAY_SESSION_TTL", "100ms")
	_, _, wsURL := newRelay(t)

	keyA, keyB := newKey(t), newKey(t)
	a := dial(t, wsURL)
	a.auth(keyA)
	b := dial(t, wsURL)
	b.auth(keyB)

	a.send(protocol.Message{Type: protocol.TypeInvite, To: keyB.PublicHex(), SessionID: "s1"})
	b.recv()

	for _, w := range []*wire{a, b} {
		closeMsg := w.recv()
		require.Equal(t, protocol.TypeClose, closeMsg.Type)
		require.Equal(t, "s1", closeMsg.SessionID)
		require.Equal(t, constants.ReasonSessionExpired, closeMsg.Reason)
	}

	a.send(protocol.Message{Type: protocol.TypeText, SessionID: "s1", Ciphertext: "00"})
	a.recvError(constants.MsgNotParticipant)
}

func TestMalformedFrameRejected(t *testing.T) {
	_, _, wsURL := newRelay(t)

	w := dial(t, wsURL)
	w.auth(newKey(t))

	require.NoError(t, w.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	w.recvError(constants.MsgInvalidMessage)

	// Well-formed invite missing required fields.
	w.send(protocol.Message{Type: protocol.TypeInvite})
	w.recvError(constants.MsgInvalidMessage)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, wsURL := newRelay(t)

	w := dial(t, wsURL)
	w.auth(newKey(t))

	resp, err := http.Get(ts.URL + constants.EndpointHealth)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status      string `json:"status"`
		Connections int64  `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.GreaterOrEqual(t, health.Connections, int64(1))
}
