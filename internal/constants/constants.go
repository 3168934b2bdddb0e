package constants

import "time"

const (
	AppName = "rendezvous"
	Version = "0.2.0"
)

// Network defaults
const (
	DefaultHost        = "localhost:3020"
	DefaultPort        = "3020"
	DefaultRelayURL    = "ws://localhost:3020/ws"
	WSBufferSize       = 4096
	MaxWSMessageSize   = 64 * 1024
	WSHandshakeTimeout = 10 * time.Second
	WriteTimeout       = 10 * time.Second
	PongTimeout        = 60 * time.Second
	PingInterval       = 54 * time.Second
	SendQueueSize      = 32
)

// Session settings
const (
	SessionTTL = time.Hour
)

// Abuse protection
const (
	MaxConnectionsPerIP   = 10
	MaxAuthAttempts       = 5
	BlockDuration         = 15 * time.Minute
	MaxAuditLogsPerMinute = 600
)

// API endpoints
const (
	EndpointWebSocket = "/ws"
	EndpointHealth    = "/healthz"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Protocol error messages
const (
	MsgNotAuthenticated     = "Not authenticated"
	MsgAlreadyAuthenticated = "Already authenticated"
	MsgNonceMismatch        = "Nonce mismatch"
	MsgInvalidSignature     = "Invalid signature"
	MsgInvalidMessage       = "Invalid message"
	MsgUnknownType          = "Unknown message type"
	MsgSessionExists        = "Session ID already exists"
	MsgNotParticipant       = "Not a participant in this session"
	MsgPeerNotConnected     = "Peer not connected"
	MsgCannotInviteSelf     = "Cannot invite self"
	MsgConnectionReplaced   = "Connection replaced by a newer login"
)

// Close reasons
const (
	ReasonClosedByPeer     = "closed_by_peer"
	ReasonPeerDisconnected = "peer_disconnected"
	ReasonSessionExpired   = "session_expired"
)
