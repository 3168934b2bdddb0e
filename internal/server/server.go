package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"rendezvous/internal/constants"
	"rendezvous/internal/registry"
	"rendezvous/internal/security"
	"rendezvous/internal/session"
	"rendezvous/internal/utils"
)

// Server is the relay orchestrator. The connection registry and session store
// are owned exclusively by its event loop; connection events, expiry timers
// and disconnects are all funneled through the events channel and handled one
// at a time, so the core state never needs a lock.
type Server struct {
	Registry *registry.Registry
	Sessions *session.Store

	Host   string
	Port   string
	UseTLS bool

	ConnLimiter    *security.ConnectionLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger

	events chan func()
	done   chan struct{}

	startedAt    time.Time
	livePeers    atomic.Int64
	liveSessions atomic.Int64
}

func NewServer() (*Server, error) {
	auditLogger, err := security.GetAuditLogger()
	if err != nil {
		log.Printf("Warning: Failed to initialize audit logger: %v", err)
	}

	ttl := constants.SessionTTL
	if v := utils.GetEnv("RELAY_SESSION_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ttl = d
		}
	}

	s := &Server{
		Registry:       registry.New(),
		Sessions:       session.NewStore(ttl),
		ConnLimiter:    security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		BruteProtector: security.NewBruteForceProtector(constants.MaxAuthAttempts, constants.BlockDuration),
		AuditLogger:    auditLogger,
		events:         make(chan func(), 256),
		done:           make(chan struct{}),
		startedAt:      time.Now(),
	}

	go s.loop()

	return s, nil
}

// loop is the single thread of control for all relay state.
func (s *Server) loop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

// do schedules fn onto the event loop. Calls made after shutdown are dropped.
func (s *Server) do(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// Handler builds the HTTP surface: the WebSocket endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointWebSocket, s.HandleWebSocket)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(handler)
	handler = security.SecurityHeaders(handler)

	return handler
}

func (s *Server) Run() {
	s.Host = utils.GetEnv("RELAY_SERVER", constants.DefaultHost)
	s.Host = strings.TrimPrefix(s.Host, "ws://")
	s.Host = strings.TrimPrefix(s.Host, "wss://")

	if idx := strings.LastIndex(s.Host, ":"); idx > 0 {
		s.Host = s.Host[:idx]
	}

	s.Port = utils.GetEnv("PORT", constants.DefaultPort)
	certFile := utils.GetEnv("RELAY_CERT_FILE", "certs/server.crt")
	keyFile := utils.GetEnv("RELAY_KEY_FILE", "certs/server.key")

	handler := s.Handler()

	enableTLS := strings.ToLower(utils.GetEnv("RELAY_ENABLE_TLS", "false")) == "true"
	useTLS := false

	if enableTLS {
		if _, err := os.Stat(certFile); err == nil {
			if _, err := os.Stat(keyFile); err == nil {
				useTLS = true
			}
		}

		if !useTLS {
			log.Printf("Warning: RELAY_ENABLE_TLS is true but certs not found at %s", certFile)
		}
	}
	s.UseTLS = useTLS

	var h2Handler http.Handler
	if useTLS {
		h2Handler = handler
	} else {
		h2Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           h2Handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if useTLS {
		log.Printf("🔒 HTTPS enabled (HTTP/2)")
		go func() {
			if err := server.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTPS server error: %v", err)
			}
		}()
	} else {
		log.Printf("🌐 HTTP mode (HTTP/2 enabled)")
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	log.Printf("🚀 %s relay starting on :%s", constants.AppName, s.Port)

	<-sigChan
	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	s.Close()
	log.Println("✅ Server stopped")
}

// Close stops the event loop. Live transports are torn down by the HTTP
// server's own shutdown.
func (s *Server) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Uptime is exposed for the health endpoint.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt).Round(time.Second)
}
