package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/wire"
)

const (
	handshakeTimeout = 15 * time.Second
	connReadLimit    = 512 * 1024

	// Browser message budget. Terminal typing is bursty but small; this
	// only exists to stop a runaway client from starving the reader.
	browserRatePerSec = 200
	browserRateBurst  = 400
)

// ServerLookup is the extra capability the signed tunnel handshake needs:
// resolving a serverId with no bearer token in hand.
type ServerLookup interface {
	LookupServer(ctx context.Context, serverID string) (userID string, s *RegisteredServer, err error)
}

// channelRef pulls just the channel id out of any terminal_* frame.
type channelRef struct {
	ChannelID string `json:"channelId"`
}

type requestRef struct {
	ReqID string `json:"reqId"`
}

// HandleTunnel upgrades a home-agent connection and runs its reader loop.
func (s *Server) HandleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(connReadLimit)
	ctx := r.Context()

	agent, err := s.authenticateTunnel(ctx, conn)
	if err != nil {
		logger.Warn("tunnel auth failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.registry.AddAgent(agent)
	logger.Info("agent connected", "server", agent.ServerID, "name", agent.ServerName, "session", agent.SessionID)
	defer func() {
		s.registry.RemoveAgent(agent.ServerID, agent.SessionID)
		logger.Info("agent disconnected", "server", agent.ServerID, "session", agent.SessionID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.dispatchFromServer(agent, data)
	}
}

type authFailure struct {
	code, message string
}

func (e *authFailure) Error() string { return e.code + ": " + e.message }

// authenticateTunnel consumes the first frame and resolves it to an agent
// identity, writing the success or error reply.
func (s *Server) authenticateTunnel(ctx context.Context, conn *websocket.Conn) (*AgentConn, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}

	msgType, err := wire.Peek(data)
	if err != nil {
		return nil, err
	}

	reject := func(code, message string) (*AgentConn, error) {
		sendDirect(conn, wire.Marshal(wire.AuthError{
			Type: wire.TypeAuthError, Code: code, Message: message,
		}))
		return nil, &authFailure{code, message}
	}

	switch msgType {
	case wire.TypeSimpleAuth:
		if !s.devMode {
			return reject(wire.AuthErrInvalidToken, "unsigned auth is disabled")
		}
		var msg wire.SimpleAuth
		if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" {
			return reject(wire.AuthErrInvalidToken, "malformed simple_auth")
		}
		a := &AgentConn{
			ServerID:    msg.ServerID,
			ServerName:  msg.ServerName,
			SessionID:   uuid.New().String(),
			ConnectedAt: time.Now(),
			conn:        conn,
		}
		send(conn, &a.writeMu, wire.Marshal(wire.SimpleAuthSuccess{
			Type: wire.TypeSimpleAuthSuccess, ServerID: a.ServerID, SessionID: a.SessionID,
		}))
		return a, nil

	case wire.TypeAuth:
		var msg wire.Auth
		if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" {
			return reject(wire.AuthErrInvalidToken, "malformed auth")
		}
		lookup, ok := s.verifier.(ServerLookup)
		if !ok || s.verifier == nil {
			return reject(wire.AuthErrServerNotFound, "signed auth requires a configured verifier")
		}
		userID, reg, err := lookup.LookupServer(ctx, msg.ServerID)
		if err != nil {
			return reject(wire.AuthErrServerNotFound, "lookup failed")
		}
		if reg == nil {
			return reject(wire.AuthErrServerNotFound, "server is not registered")
		}
		skew := time.Since(time.Unix(msg.Timestamp, 0))
		if skew > signatureFreshness || skew < -signatureFreshness {
			return reject(wire.AuthErrExpired, "auth timestamp outside freshness window")
		}
		if !VerifySignature(msg.ServerID, msg.Timestamp, msg.Signature, reg.PublicKey) {
			return reject(wire.AuthErrInvalidSignature, "signature does not verify")
		}
		s.verifier.UpdateLastSeen(ctx, userID, msg.ServerID)

		name := msg.ServerName
		if name == "" {
			name = reg.Name
		}
		a := &AgentConn{
			ServerID:    msg.ServerID,
			ServerName:  name,
			UserID:      userID,
			SessionID:   uuid.New().String(),
			ConnectedAt: time.Now(),
			conn:        conn,
		}
		send(conn, &a.writeMu, wire.Marshal(wire.AuthSuccess{
			Type: wire.TypeAuthSuccess, ServerID: a.ServerID, SessionID: a.SessionID,
		}))
		return a, nil
	}
	return reject(wire.AuthErrInvalidToken, "expected an auth handshake, got "+msgType)
}

// dispatchFromServer routes one frame received from a home agent.
func (s *Server) dispatchFromServer(agent *AgentConn, data []byte) {
	msgType, err := wire.Peek(data)
	if err != nil {
		logger.Warn("dropping bad frame from agent", "server", agent.ServerID, "error", err)
		return
	}

	switch msgType {
	case wire.TypePong:
		s.registry.RecordPing(agent.ServerID)

	case wire.TypeFramesSync:
		var msg wire.FramesSync
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		for _, b := range s.registry.UpdateFrames(agent.ServerID, msg.Frames) {
			send(b.conn, &b.writeMu, data)
		}

	case wire.TypeTerminalOpened, wire.TypeTerminalData, wire.TypeTerminalClose, wire.TypeTerminalError:
		var ref channelRef
		if err := json.Unmarshal(data, &ref); err != nil || ref.ChannelID == "" {
			return
		}
		browserSess, _, ok := s.registry.ChannelRoute(ref.ChannelID)
		if !ok {
			logger.Debug("frame for unknown channel", "type", msgType, "channel", ref.ChannelID)
			return
		}
		s.registry.SendToBrowser(browserSess, data)
		if msgType == wire.TypeTerminalClose || msgType == wire.TypeTerminalError {
			s.registry.CloseChannel(ref.ChannelID)
		}

	case wire.TypeAPIResponse:
		var ref requestRef
		if err := json.Unmarshal(data, &ref); err != nil || ref.ReqID == "" {
			return
		}
		if browserSess, ok := s.registry.ResolveRequest(ref.ReqID); ok {
			s.registry.SendToBrowser(browserSess, data)
		}

	default:
		logger.Warn("unknown frame from agent", "server", agent.ServerID, "type", msgType)
	}
}

// HandleBrowser upgrades a browser connection and runs its reader loop.
func (s *Server) HandleBrowser(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(connReadLimit)
	ctx := r.Context()

	browser, err := s.authenticateBrowser(ctx, conn)
	if err != nil {
		logger.Warn("browser auth failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.registry.AddBrowser(browser)
	logger.Info("browser connected", "session", browser.SessionID, "user", browser.UserID)
	defer func() {
		s.registry.RemoveBrowser(browser.SessionID)
		logger.Info("browser disconnected", "session", browser.SessionID)
	}()

	limiter := rate.NewLimiter(rate.Limit(browserRatePerSec), browserRateBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			logger.Warn("browser rate limit exceeded", "session", browser.SessionID)
			continue
		}
		s.dispatchFromBrowser(browser, data)
	}
}

func (s *Server) authenticateBrowser(ctx context.Context, conn *websocket.Conn) (*BrowserConn, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}

	reject := func(message string) (*BrowserConn, error) {
		sendDirect(conn, wire.Marshal(wire.PWAAuthError{
			Type: wire.TypePWAAuthError, Message: message,
		}))
		return nil, &authFailure{"pwa_auth", message}
	}

	msgType, err := wire.Peek(data)
	if err != nil || msgType != wire.TypePWAAuth {
		return reject("expected pwa_auth")
	}
	var msg wire.PWAAuth
	if err := json.Unmarshal(data, &msg); err != nil {
		return reject("malformed pwa_auth")
	}

	userID := "dev"
	if s.verifier != nil {
		userID, _, err = s.verifier.VerifyToken(ctx, msg.Token)
		if err != nil {
			return reject("token rejected")
		}
	} else if !s.devMode {
		return reject("authentication is not configured")
	}

	b := &BrowserConn{
		SessionID: uuid.New().String(),
		UserID:    userID,
		conn:      conn,
	}
	send(conn, &b.writeMu, wire.Marshal(wire.PWAAuthSuccess{
		Type: wire.TypePWAAuthSuccess, UserID: userID,
	}))
	return b, nil
}

// dispatchFromBrowser routes one frame received from a browser session.
func (s *Server) dispatchFromBrowser(browser *BrowserConn, data []byte) {
	msgType, err := wire.Peek(data)
	if err != nil {
		logger.Warn("dropping bad frame from browser", "session", browser.SessionID, "error", err)
		return
	}

	switch msgType {
	case wire.TypeTerminalOpen:
		var msg wire.TerminalOpen
		if err := json.Unmarshal(data, &msg); err != nil || msg.ChannelID == "" {
			return
		}
		serverID := s.registry.PairedServer(browser.SessionID)
		if serverID == "" {
			send(browser.conn, &browser.writeMu, wire.Marshal(wire.TerminalError{
				Type: wire.TypeTerminalError, ChannelID: msg.ChannelID,
				Code: wire.TermErrFrameNotFound, Message: "no home agent connected",
			}))
			return
		}
		s.registry.OpenChannel(msg.ChannelID, browser.SessionID, serverID)
		if !s.registry.SendToServer(serverID, data) {
			s.registry.CloseChannel(msg.ChannelID)
			send(browser.conn, &browser.writeMu, wire.Marshal(wire.TerminalError{
				Type: wire.TypeTerminalError, ChannelID: msg.ChannelID,
				Code: wire.TermErrFrameNotFound, Message: "home agent unreachable",
			}))
		}

	case wire.TypeTerminalData, wire.TypeTerminalResize, wire.TypeTerminalClose:
		var ref channelRef
		if err := json.Unmarshal(data, &ref); err != nil || ref.ChannelID == "" {
			return
		}
		_, serverID, ok := s.registry.ChannelRoute(ref.ChannelID)
		if !ok {
			return
		}
		s.registry.SendToServer(serverID, data)
		if msgType == wire.TypeTerminalClose {
			s.registry.CloseChannel(ref.ChannelID)
		}

	case wire.TypeAPIRequest:
		var ref requestRef
		if err := json.Unmarshal(data, &ref); err != nil || ref.ReqID == "" {
			return
		}
		serverID := s.registry.PairedServer(browser.SessionID)
		// Track before forwarding so a fast api_response cannot race the
		// correlation entry.
		s.registry.TrackRequest(ref.ReqID, browser.SessionID)
		if serverID == "" || !s.registry.SendToServer(serverID, data) {
			s.registry.ResolveRequest(ref.ReqID)
			send(browser.conn, &browser.writeMu, wire.Marshal(wire.APIResponse{
				Type: wire.TypeAPIResponse, ReqID: ref.ReqID, Status: 503,
				Body: []byte(`{"error":"no home agent connected"}`),
			}))
		}

	default:
		logger.Warn("unknown frame from browser", "session", browser.SessionID, "type", msgType)
	}
}
