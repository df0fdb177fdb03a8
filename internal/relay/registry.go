// Package relay is the public rendezvous point: home agents dial in over
// one duplex stream each, browsers dial in over another, and the relay
// routes channel-addressed messages between them.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/wire"
)

const sendTimeout = 10 * time.Second

// replacedReason is the close reason handed to a displaced agent connection.
const replacedReason = "Replaced by new connection"

// AgentConn is one live home-agent session.
type AgentConn struct {
	ServerID    string
	ServerName  string
	UserID      string // empty = unowned (development fallback)
	SessionID   string
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	// guarded by the registry mutex
	lastPing time.Time
	frames   []wire.FrameSummary
}

// BrowserConn is one live browser session.
type BrowserConn struct {
	SessionID string
	UserID    string

	conn    *websocket.Conn
	writeMu sync.Mutex

	// guarded by the registry mutex
	pairedServer string
}

type channelRoute struct {
	browserSessionID string
	serverID         string
}

// Registry is the relay's only shared mutable state. One mutex guards all
// four indices; per-message work under the lock is tiny.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*AgentConn   // serverId → conn
	browsers map[string]*BrowserConn // sessionId → conn
	channels map[string]channelRoute // channelId → route
	pending  map[string]string       // reqId → browser sessionId
}

func NewRegistry() *Registry {
	return &Registry{
		agents:   make(map[string]*AgentConn),
		browsers: make(map[string]*BrowserConn),
		channels: make(map[string]channelRoute),
		pending:  make(map[string]string),
	}
}

// send writes one text frame with a bounded deadline. The per-conn mutex
// serializes writers; the registry lock is never held across a write.
func send(conn *websocket.Conn, mu *sync.Mutex, data []byte) error {
	mu.Lock()
	defer mu.Unlock()
	return sendDirect(conn, data)
}

// sendDirect is for handshake replies, before a conn has an owning entry
// and its write mutex.
func sendDirect(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// AddAgent registers a home agent, displacing any prior connection with the
// same serverId. The displaced conn is closed with a normal close code and
// its channel routes are dropped eagerly.
func (r *Registry) AddAgent(a *AgentConn) {
	type orphan struct {
		channelID string
		browser   *BrowserConn
	}
	r.mu.Lock()
	old := r.agents[a.ServerID]
	r.agents[a.ServerID] = a
	a.lastPing = time.Now()
	var dropped []orphan
	if old != nil {
		for ch, route := range r.channels {
			if route.serverID == a.ServerID {
				delete(r.channels, ch)
				dropped = append(dropped, orphan{ch, r.browsers[route.browserSessionID]})
			}
		}
	}
	r.mu.Unlock()

	if old != nil {
		logger.Info("displacing previous agent connection",
			"server", a.ServerID, "old_session", old.SessionID, "channels_dropped", len(dropped))
		old.conn.Close(websocket.StatusNormalClosure, replacedReason)
		// The channels died with the old conn; tell their browsers so they
		// re-open instead of typing into the void.
		for _, o := range dropped {
			if o.browser == nil {
				continue
			}
			send(o.browser.conn, &o.browser.writeMu, wire.Marshal(wire.TerminalClose{
				Type: wire.TypeTerminalClose, ChannelID: o.channelID,
			}))
		}
	}
	r.pairWaitingBrowsers(a)
	r.broadcastServerStatus(a.ServerID, true)
}

// RemoveAgent drops the agent only if the session still matches; a displaced
// connection's reader must not tear down its replacement.
func (r *Registry) RemoveAgent(serverID, sessionID string) {
	r.mu.Lock()
	a, ok := r.agents[serverID]
	if !ok || a.SessionID != sessionID {
		r.mu.Unlock()
		return
	}
	delete(r.agents, serverID)

	// Resolve pending requests aimed at this server with a 503.
	var orphaned []struct {
		reqID   string
		browser *BrowserConn
	}
	for ch, route := range r.channels {
		if route.serverID == serverID {
			delete(r.channels, ch)
		}
	}
	for reqID, sessID := range r.pending {
		if b, ok := r.browsers[sessID]; ok && b.pairedServer == serverID {
			delete(r.pending, reqID)
			orphaned = append(orphaned, struct {
				reqID   string
				browser *BrowserConn
			}{reqID, b})
		}
	}
	r.mu.Unlock()

	for _, o := range orphaned {
		resp := wire.Marshal(wire.APIResponse{
			Type: wire.TypeAPIResponse, ReqID: o.reqID, Status: 503,
			Body: []byte(`{"error":"server disconnected"}`),
		})
		send(o.browser.conn, &o.browser.writeMu, resp)
	}
	r.broadcastServerStatus(serverID, false)
}

func (r *Registry) GetAgent(serverID string) *AgentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[serverID]
}

// AgentsForUser enumerates agents visible to a user: owned ones plus
// unowned development agents. Ownership is enforced here, at enumeration,
// never at send time.
func (r *Registry) AgentsForUser(userID string) []*AgentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*AgentConn
	for _, a := range r.agents {
		if a.UserID == "" || a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// UpdateFrames caches the agent's latest summary and returns the browser
// sessions paired to it, for broadcast.
func (r *Registry) UpdateFrames(serverID string, frames []wire.FrameSummary) []*BrowserConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[serverID]
	if !ok {
		return nil
	}
	a.frames = frames
	var paired []*BrowserConn
	for _, b := range r.browsers {
		if b.pairedServer == serverID {
			paired = append(paired, b)
		}
	}
	return paired
}

// RecordPing stamps liveness with the relay's clock, never the sender's.
func (r *Registry) RecordPing(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[serverID]; ok {
		a.lastPing = time.Now()
	}
}

// SendToServer forwards one raw frame to the agent. False means no such
// agent is connected.
func (r *Registry) SendToServer(serverID string, data []byte) bool {
	r.mu.Lock()
	a, ok := r.agents[serverID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := send(a.conn, &a.writeMu, data); err != nil {
		logger.Debug("send to server failed", "server", serverID, "error", err)
		return false
	}
	return true
}

// AddBrowser registers a browser session and pairs it to the first visible
// online agent, if any.
func (r *Registry) AddBrowser(b *BrowserConn) {
	r.mu.Lock()
	r.browsers[b.SessionID] = b
	var target *AgentConn
	for _, a := range r.agents {
		if a.UserID == "" || a.UserID == b.UserID {
			target = a
			break
		}
	}
	if target != nil {
		b.pairedServer = target.ServerID
	}
	r.mu.Unlock()

	if target != nil {
		r.pushPairState(b, target)
	} else {
		send(b.conn, &b.writeMu, wire.Marshal(wire.ServerStatus{
			Type: wire.TypeServerStatus, Connected: false,
		}))
	}
}

// RemoveBrowser drops the session plus its channel routes and pending
// request correlations.
func (r *Registry) RemoveBrowser(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.browsers, sessionID)
	for ch, route := range r.channels {
		if route.browserSessionID == sessionID {
			delete(r.channels, ch)
		}
	}
	for reqID, sessID := range r.pending {
		if sessID == sessionID {
			delete(r.pending, reqID)
		}
	}
}

func (r *Registry) GetBrowser(sessionID string) *BrowserConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browsers[sessionID]
}

// PairedServer returns the browser's current target, "" when unpaired.
func (r *Registry) PairedServer(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.browsers[sessionID]; ok {
		return b.pairedServer
	}
	return ""
}

// Pair explicitly points a browser at a server and pushes the pair state.
func (r *Registry) Pair(sessionID, serverID string) bool {
	r.mu.Lock()
	b := r.browsers[sessionID]
	a := r.agents[serverID]
	if b == nil || a == nil {
		r.mu.Unlock()
		return false
	}
	b.pairedServer = serverID
	r.mu.Unlock()
	r.pushPairState(b, a)
	return true
}

// pairWaitingBrowsers attaches unpaired matching browsers to a fresh agent.
func (r *Registry) pairWaitingBrowsers(a *AgentConn) {
	r.mu.Lock()
	var newly []*BrowserConn
	for _, b := range r.browsers {
		if b.pairedServer != "" {
			continue
		}
		if a.UserID == "" || a.UserID == b.UserID {
			b.pairedServer = a.ServerID
			newly = append(newly, b)
		}
	}
	r.mu.Unlock()
	for _, b := range newly {
		r.pushPairState(b, a)
	}
}

// pushPairState sends the browser its current server status, the visible
// server list, and the cached frame summary.
func (r *Registry) pushPairState(b *BrowserConn, a *AgentConn) {
	send(b.conn, &b.writeMu, wire.Marshal(wire.ServerStatus{
		Type: wire.TypeServerStatus, Connected: true, ServerID: a.ServerID,
	}))
	send(b.conn, &b.writeMu, wire.Marshal(wire.ServersSync{
		Type: wire.TypeServersSync, Servers: r.ServerSummaries(b.UserID),
	}))
	r.mu.Lock()
	frames := a.frames
	r.mu.Unlock()
	if frames != nil {
		send(b.conn, &b.writeMu, wire.Marshal(wire.FramesSync{
			Type: wire.TypeFramesSync, Frames: frames,
		}))
	}
}

// SendToBrowser forwards one raw frame to a browser session.
func (r *Registry) SendToBrowser(sessionID string, data []byte) bool {
	r.mu.Lock()
	b, ok := r.browsers[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := send(b.conn, &b.writeMu, data); err != nil {
		logger.Debug("send to browser failed", "session", sessionID, "error", err)
		return false
	}
	return true
}

// broadcastServerStatus tells every browser paired to (or eligible for) the
// server about a connectivity change.
func (r *Registry) broadcastServerStatus(serverID string, connected bool) {
	r.mu.Lock()
	var targets []*BrowserConn
	for _, b := range r.browsers {
		if b.pairedServer == serverID {
			if !connected {
				b.pairedServer = ""
			}
			targets = append(targets, b)
		}
	}
	r.mu.Unlock()

	msg := wire.Marshal(wire.ServerStatus{
		Type: wire.TypeServerStatus, Connected: connected, ServerID: serverID,
	})
	for _, b := range targets {
		send(b.conn, &b.writeMu, msg)
	}
}

// ServerSummaries projects the live agents visible to a user.
func (r *Registry) ServerSummaries(userID string) []wire.DevServerSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.DevServerSummary, 0)
	for _, a := range r.agents {
		if a.UserID != "" && a.UserID != userID {
			continue
		}
		out = append(out, wire.DevServerSummary{
			ServerID:    a.ServerID,
			ServerName:  a.ServerName,
			Connected:   true,
			FrameCount:  len(a.frames),
			ConnectedAt: a.ConnectedAt.Unix(),
		})
	}
	return out
}

// CachedFrames returns the last frames_sync received from a server.
func (r *Registry) CachedFrames(serverID string) []wire.FrameSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[serverID]; ok {
		return a.frames
	}
	return nil
}

// OpenChannel records the route for a terminal channel.
func (r *Registry) OpenChannel(channelID, browserSessionID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channelID] = channelRoute{browserSessionID: browserSessionID, serverID: serverID}
}

// ChannelRoute looks up a channel; ok is false for unknown channels.
func (r *Registry) ChannelRoute(channelID string) (browserSessionID, serverID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.channels[channelID]
	return route.browserSessionID, route.serverID, ok
}

// CloseChannel drops a channel route.
func (r *Registry) CloseChannel(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
}

// TrackRequest correlates an api_request to the browser that sent it.
func (r *Registry) TrackRequest(reqID, browserSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[reqID] = browserSessionID
}

// ResolveRequest pops the correlation for a completed request.
func (r *Registry) ResolveRequest(reqID string) (browserSessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessID, ok := r.pending[reqID]
	if ok {
		delete(r.pending, reqID)
	}
	return sessID, ok
}

// StaleAgents returns agents whose last pong predates the deadline.
func (r *Registry) StaleAgents(deadline time.Time) []*AgentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*AgentConn
	for _, a := range r.agents {
		if a.lastPing.Before(deadline) {
			stale = append(stale, a)
		}
	}
	return stale
}

// Counts reports the registry sizes for diagnostics.
func (r *Registry) Counts() (agents, browsers, channels, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents), len(r.browsers), len(r.channels), len(r.pending)
}
