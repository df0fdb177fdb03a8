// Package tunnel maintains the home agent's outbound relay connection:
// authentication, heartbeats, frame sync, terminal bridging, and the
// control-plane request router.
package tunnel

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/ports"
	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/supervisor"
	"github.com/frameline/frameline/internal/term"
	"github.com/frameline/frameline/internal/wire"
)

// ErrAuthRejected means the relay refused our identity; reconnecting with
// the same credentials cannot help.
var ErrAuthRejected = errors.New("relay rejected authentication")

// ErrRetriesExhausted means consecutive connection attempts all failed
// before authentication and the budget ran out.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

const defaultMaxAttempts = 10

const (
	heartbeatInterval  = 30 * time.Second
	frameSyncInterval  = 5 * time.Second
	writeTimeout       = 10 * time.Second
	readLimit          = 512 * 1024
	maxReadLoopAuthLag = 15 * time.Second
)

// Client is the home agent side of the tunnel.
type Client struct {
	RelayURL   string // e.g. "wss://relay.example.com/tunnel"
	ServerID   string
	ServerName string

	// Key signs the auth handshake. nil falls back to simple_auth, which
	// relays only accept in development mode.
	Key ed25519.PrivateKey

	Supervisor *supervisor.Supervisor
	Terminals  *term.Manager

	// MaxAttempts bounds consecutive attempts that die before completing
	// authentication. 0 means the default of 10. Resets after any
	// successful handshake.
	MaxAttempts int

	// OnStateChange reports connection transitions: connecting, connected,
	// disconnected, auth_failed, error.
	OnStateChange func(state string, err error)

	conn *websocket.Conn
	mu   sync.Mutex

	pumpOnce sync.Once
}

// Run connects and serves until ctx is cancelled, reconnecting with capped
// exponential backoff. Returns ErrAuthRejected on a definitive auth refusal.
func (c *Client) Run(ctx context.Context) error {
	// The terminal event pump outlives individual connections: attached
	// terminals keep producing output while the relay is unreachable.
	c.pumpOnce.Do(func() { go c.pumpTerminalEvents(ctx) })

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	backoff := NewBackoff()
	attempts := 0
	for {
		c.notifyState("connecting", nil)
		authed, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.notifyState("auth_failed", err)
			return err
		}
		if authed {
			backoff.Reset()
			attempts = 0
		} else {
			attempts++
			if attempts >= maxAttempts {
				c.notifyState("error", err)
				return fmt.Errorf("%w: last error: %v", ErrRetriesExhausted, err)
			}
		}
		delay := backoff.Next()
		c.notifyState("disconnected", err)
		logger.Warn("relay disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

// connectAndServe runs one connection to completion. authed reports whether
// the handshake succeeded, which resets the backoff.
func (c *Client) connectAndServe(ctx context.Context) (authed bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.RelayURL, nil)
	if err != nil {
		if isAuthHandshakeError(err) {
			return false, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Teardown order matters: loops stop, terminals close, then the conn
	// slot clears, so nothing writes into a dead socket.
	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.Terminals.CloseAll()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.sendAuth(ctx); err != nil {
		return false, fmt.Errorf("auth: %w", err)
	}

	authCtx, authCancel := context.WithTimeout(ctx, maxReadLoopAuthLag)
	_, first, err := conn.Read(authCtx)
	authCancel()
	if err != nil {
		return false, fmt.Errorf("auth read: %w", err)
	}
	if err := c.checkAuthReply(first); err != nil {
		return false, err
	}
	c.notifyState("connected", nil)
	logger.Info("connected to relay", "server", c.ServerID)

	go c.heartbeatLoop(loopCtx)
	go c.frameSyncLoop(loopCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) sendAuth(ctx context.Context) error {
	if c.Key == nil {
		return c.writeJSON(ctx, wire.SimpleAuth{
			Type:       wire.TypeSimpleAuth,
			ServerID:   c.ServerID,
			ServerName: c.ServerName,
			Version:    wire.Version,
		})
	}
	now := time.Now().Unix()
	return c.writeJSON(ctx, wire.Auth{
		Type:       wire.TypeAuth,
		ServerID:   c.ServerID,
		ServerName: c.ServerName,
		Timestamp:  now,
		Signature:  SignAuth(c.Key, c.ServerID, now),
		Version:    wire.Version,
	})
}

func (c *Client) checkAuthReply(data []byte) error {
	msgType, err := wire.Peek(data)
	if err != nil {
		return fmt.Errorf("auth reply: %w", err)
	}
	switch msgType {
	case wire.TypeAuthSuccess, wire.TypeSimpleAuthSuccess:
		return nil
	case wire.TypeAuthError:
		var ae wire.AuthError
		json.Unmarshal(data, &ae)
		return fmt.Errorf("%w: %s (%s)", ErrAuthRejected, ae.Message, ae.Code)
	default:
		return fmt.Errorf("unexpected auth reply %q", msgType)
	}
}

// dispatch handles one inbound frame. Malformed or unknown frames are
// dropped with a warning, never fatal.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	msgType, err := wire.Peek(data)
	if err != nil {
		logger.Warn("dropping bad frame", "error", err)
		return
	}

	switch msgType {
	case wire.TypePing:
		var msg wire.Ping
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.writeJSON(ctx, wire.Pong{Type: wire.TypePong, TS: msg.TS})

	case wire.TypeTerminalOpen:
		var msg wire.TerminalOpen
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("bad terminal_open", "error", err)
			return
		}
		c.handleTerminalOpen(ctx, msg)

	case wire.TypeTerminalData:
		var msg wire.TerminalData
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		raw, err := wire.DecodeBytes(msg.Data)
		if err != nil {
			logger.Warn("bad terminal payload", "channel", msg.ChannelID)
			return
		}
		if err := c.Terminals.Write(msg.ChannelID, raw); err != nil {
			logger.Debug("terminal write dropped", "channel", msg.ChannelID, "error", err)
		}

	case wire.TypeTerminalResize:
		var msg wire.TerminalResize
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if err := c.Terminals.Resize(msg.ChannelID, msg.Cols, msg.Rows); err != nil {
			logger.Debug("resize dropped", "channel", msg.ChannelID, "error", err)
		}

	case wire.TypeTerminalClose:
		var msg wire.TerminalClose
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.Terminals.Close(msg.ChannelID)

	case wire.TypeAPIRequest:
		var req wire.APIRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("bad api_request", "error", err)
			return
		}
		go func() {
			c.writeJSON(ctx, c.handleAPI(ctx, req))
		}()

	default:
		logger.Warn("unknown message type", "type", msgType)
	}
}

func (c *Client) handleTerminalOpen(ctx context.Context, msg wire.TerminalOpen) {
	fail := func(code, detail string) {
		c.writeJSON(ctx, wire.TerminalError{
			Type:      wire.TypeTerminalError,
			ChannelID: msg.ChannelID,
			Code:      code,
			Message:   detail,
		})
	}

	f, err := c.Supervisor.GetFrame(msg.FrameID)
	if err != nil {
		fail(wire.TermErrFrameNotFound, msg.FrameID)
		return
	}
	if f.Status != store.StatusRunning {
		fail(wire.TermErrFrameNotRunning, string(f.Status))
		return
	}

	cols, rows := msg.Cols, msg.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	socket := c.Supervisor.SocketPath(f)
	session := c.Supervisor.SessionName(f)
	if err := c.Terminals.Open(msg.ChannelID, socket, session, cols, rows); err != nil {
		fail(wire.TermErrAttachFailed, err.Error())
		return
	}
	c.Supervisor.TouchActivity(f.ID)
	c.writeJSON(ctx, wire.TerminalOpened{
		Type:      wire.TypeTerminalOpened,
		ChannelID: msg.ChannelID,
		Cols:      cols,
		Rows:      rows,
	})
	logger.Info("terminal opened", "channel", msg.ChannelID, "frame", f.Name)
}

// pumpTerminalEvents forwards terminal output and exits to the relay for the
// life of the client.
func (c *Client) pumpTerminalEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Terminals.Events():
			switch ev.Kind {
			case term.EventData:
				c.writeJSON(ctx, wire.TerminalData{
					Type:      wire.TypeTerminalData,
					ChannelID: ev.ChannelID,
					Data:      wire.EncodeBytes(ev.Data),
				})
			case term.EventExit:
				c.writeJSON(ctx, wire.TerminalClose{
					Type:      wire.TypeTerminalClose,
					ChannelID: ev.ChannelID,
				})
			case term.EventError:
				c.writeJSON(ctx, wire.TerminalError{
					Type:      wire.TypeTerminalError,
					ChannelID: ev.ChannelID,
					Code:      wire.TermErrAttachFailed,
					Message:   ev.Err.Error(),
				})
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Fire and forget. A dead connection surfaces in the read loop.
			if err := c.writeJSON(ctx, wire.Pong{Type: wire.TypePong, TS: time.Now().Unix()}); err != nil {
				logger.Debug("heartbeat dropped", "error", err)
			}
		}
	}
}

func (c *Client) frameSyncLoop(ctx context.Context) {
	c.sendFramesSync(ctx)
	ticker := time.NewTicker(frameSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendFramesSync(ctx); err != nil {
				logger.Debug("frames sync dropped", "error", err)
			}
		}
	}
}

func (c *Client) sendFramesSync(ctx context.Context) error {
	frames, err := c.Supervisor.ListFrames("")
	if err != nil {
		logger.Warn("frames sync skipped", "error", err)
		return nil
	}
	return c.writeJSON(ctx, wire.FramesSync{
		Type:   wire.TypeFramesSync,
		Frames: summarize(frames),
	})
}

// summarize projects frames into the browser-facing shape. Transient and
// created states coerce to stopped so the browser sees only actionable ones.
func summarize(frames []*store.Frame) []wire.FrameSummary {
	out := make([]wire.FrameSummary, 0, len(frames))
	for _, f := range frames {
		out = append(out, wire.FrameSummary{
			ID:           f.ID,
			Name:         f.Name,
			Status:       coerceStatus(f.Status),
			Workspace:    f.WorkspacePath,
			Ports:        []int{f.HostPort, ports.Derived(f.HostPort)},
			CreatedAt:    f.CreatedAt.Unix(),
			LastActivity: unixOrZero(f.LastActivity),
		})
	}
	return out
}

func coerceStatus(s store.Status) string {
	switch s {
	case store.StatusRunning:
		return "running"
	case store.StatusError:
		return "error"
	default:
		return "stopped"
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data := wire.Marshal(v)
	if data == nil {
		return errors.New("marshal failed")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// isAuthHandshakeError reports a 401 rejection during the HTTP upgrade.
func isAuthHandshakeError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}
