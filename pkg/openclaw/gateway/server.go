package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the gateway server configuration.
type Config struct {
	// Address is the listen address, e.g. ":8088".
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a bearer token on upgrade.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed Origin headers. Empty allows all.
	CORSOrigins []string `yaml:"cors_origins"`
}

// Server is the websocket RPC server.
type Server struct {
	cfg     Config
	methods *Methods
	logger  *slog.Logger

	upgrader  websocket.Upgrader
	tokenHash []byte

	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Int64

	httpServer *http.Server
}

// NewServer creates a server; methods are wired afterwards via
// SetMethods so the Methods value can hold the server as broadcaster.
func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.AuthToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AuthToken), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("gateway: hashing auth token: %w", err)
		}
		s.tokenHash = hash
	}
	return s, nil
}

// SetMethods attaches the RPC handlers.
func (s *Server) SetMethods(m *Methods) { s.methods = m }

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: securityHeaders(mux),
	}
	s.logger.Info("gateway starting", "addr", s.cfg.Address)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Broadcast sends an event to every connected client with the next
// monotone sequence number. Satisfies the Broadcaster contract.
func (s *Server) Broadcast(state, runID, sessionKey, message, errorMessage string) {
	evt := Event{
		Type:         "event",
		State:        state,
		RunID:        runID,
		SessionKey:   sessionKey,
		Seq:          s.seq.Add(1),
		Message:      message,
		ErrorMessage: errorMessage,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(evt)
	}
}

// checkOrigin validates the Origin header against the allowlist. No
// configured origins or no header (CLI clients) allows the connection.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warn("origin rejected", "origin", origin)
	return false
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.tokenHash == nil {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		// Browser websocket clients cannot set headers.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, s)
	s.register(client)
	defer func() {
		s.unregister(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client connected", "id", c.id)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Info("client disconnected", "id", c.id)
}

// securityHeaders sets the standard hardening headers on every
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
