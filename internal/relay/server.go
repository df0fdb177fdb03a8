package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/wire"
)

const (
	heartbeatInterval = 30 * time.Second
	staleMultiple     = 3
)

// ServerConfig carries the relay's runtime options.
type ServerConfig struct {
	// Verifier gates browser tokens and signed agent handshakes. nil plus
	// DevMode admits unsigned agents and any browser token.
	Verifier Verifier
	DevMode  bool

	// PublishableKey is exposed to the browser bootstrap via /api/config.
	PublishableKey string
}

// Server is the relay process: registry, router, and HTTP surface.
type Server struct {
	registry       *Registry
	verifier       Verifier
	devMode        bool
	publishableKey string
	startedAt      time.Time
	mux            *http.ServeMux
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		registry:       NewRegistry(),
		verifier:       cfg.Verifier,
		devMode:        cfg.DevMode,
		publishableKey: cfg.PublishableKey,
		startedAt:      time.Now(),
		mux:            http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("POST /api/servers/register", s.handleRegisterServer)
	s.mux.HandleFunc("GET /api/servers", s.handleListServers)
	s.mux.HandleFunc("/tunnel", s.HandleTunnel)
	s.mux.HandleFunc("/ws", s.HandleBrowser)
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

// ServeHTTP applies permissive CORS to everything; the browser app is
// served from a different origin.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Run serves HTTP and the liveness sweep until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	go s.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("relay listening", "addr", addr, "dev_mode", s.devMode, "auth", s.verifier != nil)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// sweepLoop soft-closes agents that stopped sending pongs. Their reader
// loops observe the close and unregister normally.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(-staleMultiple * heartbeatInterval)
			for _, a := range s.registry.StaleAgents(deadline) {
				logger.Warn("closing stale agent", "server", a.ServerID, "session", a.SessionID)
				a.conn.Close(websocket.StatusCode(4000), "heartbeat timeout")
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"auth":      s.verifier != nil,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agents, browsers, channels, pending := s.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"agents":        agents,
		"browsers":      browsers,
		"channels":      channels,
		"pendingReqs":   pending,
		"servers":       s.registry.ServerSummaries(""),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := map[string]any{"authEnabled": s.verifier != nil}
	if s.publishableKey != "" {
		cfg["publishableKey"] = s.publishableKey
	}
	writeJSON(w, http.StatusOK, cfg)
}

// bearerUser resolves the Authorization header, or writes the error and
// returns "".
func (s *Server) bearerUser(w http.ResponseWriter, r *http.Request) (string, []RegisteredServer) {
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "identity verification is not configured")
		return "", nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", nil
	}
	userID, servers, err := s.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token rejected")
		return "", nil
	}
	return userID, servers
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	userID, _ := s.bearerUser(w, r)
	if userID == "" {
		return
	}
	var body struct {
		ServerName string `json:"serverName"`
		PublicKey  string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ServerName == "" {
		writeError(w, http.StatusBadRequest, "serverName and publicKey are required")
		return
	}
	reg, err := s.verifier.RegisterServer(r.Context(), userID, body.ServerName, body.PublicKey)
	if err != nil {
		logger.Error("register server failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"serverId":   reg.ID,
		"serverName": reg.Name,
	})
}

// handleListServers merges registrations with live connection state.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	userID, registered := s.bearerUser(w, r)
	if userID == "" {
		return
	}

	type serverView struct {
		RegisteredServer
		Connected bool                `json:"connected"`
		Frames    []wire.FrameSummary `json:"frames,omitempty"`
	}
	out := make([]serverView, 0, len(registered))
	for _, reg := range registered {
		view := serverView{RegisteredServer: reg}
		if live := s.registry.GetAgent(reg.ID); live != nil {
			view.Connected = true
			view.Frames = s.registry.CachedFrames(reg.ID)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}
