package protocol

import "encoding/json"

// Message kinds. Client->server: auth, invite, accept, decline, text, sdp,
// ice, close. Server->client: nonce, auth_ok, error, plus the relayed kinds.
const (
	TypeNonce   = "nonce"
	TypeAuth    = "auth"
	TypeAuthOK  = "auth_ok"
	TypeError   = "error"
	TypeInvite  = "invite"
	TypeAccept  = "accept"
	TypeDecline = "decline"
	TypeText    = "text"
	TypeSDP     = "sdp"
	TypeICE     = "ice"
	TypeClose   = "close"
)

// Message is the wire frame for every message in both directions. Fields are
// omitted when empty, so each kind only carries the fields it needs. The relay
// never inspects Ciphertext, SDP or Candidate; they pass through verbatim.
type Message struct {
	Type string `json:"type"`

	// auth handshake; Nonce doubles as the AEAD nonce on text frames
	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
	Nonce     string `json:"nonce,omitempty"`

	// session lifecycle
	To         string `json:"to,omitempty"`
	From       string `json:"from,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ECDHPubkey string `json:"ecdh_pubkey,omitempty"`

	// relayed payloads
	Ciphertext string          `json:"ciphertext,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`

	// error / close
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func Decode(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func Nonce(nonce string) Message {
	return Message{Type: TypeNonce, Nonce: nonce}
}

func AuthOK() Message {
	return Message{Type: TypeAuthOK}
}

func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}

func Close(sessionID, reason string) Message {
	return Message{Type: TypeClose, SessionID: sessionID, Reason: reason}
}
