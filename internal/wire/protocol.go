// Package wire defines the JSON message envelopes exchanged between home
// agents, the relay, and browser clients. Every message is a single text
// frame: a JSON object with a required "type" discriminator. Terminal byte
// payloads travel as base64 strings so the protocol stays text-safe.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is advertised during authentication. Changes must stay additive.
const Version = "1"

// Message types. Direction is noted per group; the same terminal_* shapes are
// reused on both legs of a channel.
const (
	// Home agent → relay
	TypeSimpleAuth     = "simple_auth"
	TypeAuth           = "auth"
	TypePong           = "pong"
	TypeFramesSync     = "frames_sync"
	TypeTerminalOpened = "terminal_opened"
	TypeAPIResponse    = "api_response"

	// Relay → home agent
	TypeSimpleAuthSuccess = "simple_auth_success"
	TypeAuthSuccess       = "auth_success"
	TypeAuthError         = "auth_error"
	TypePing              = "ping"
	TypeAPIRequest        = "api_request"

	// Browser → relay
	TypePWAAuth = "pwa_auth"

	// Relay → browser
	TypePWAAuthSuccess = "pwa_auth_success"
	TypePWAAuthError   = "pwa_auth_error"
	TypeServerStatus   = "server_status"
	TypeServersSync    = "servers_sync"

	// Channel-scoped terminal traffic (browser ↔ relay ↔ home agent)
	TypeTerminalOpen   = "terminal_open"
	TypeTerminalData   = "terminal_data"
	TypeTerminalResize = "terminal_resize"
	TypeTerminalClose  = "terminal_close"
	TypeTerminalError  = "terminal_error"
)

// Auth error codes (auth_error.code).
const (
	AuthErrInvalidToken     = "invalid_token"
	AuthErrExpired          = "expired"
	AuthErrServerNotFound   = "server_not_found"
	AuthErrInvalidSignature = "invalid_signature"
)

// Terminal error codes (terminal_error.code).
const (
	TermErrFrameNotFound   = "frame_not_found"
	TermErrFrameNotRunning = "frame_not_running"
	TermErrAttachFailed    = "attach_failed"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the minimal shape every message decodes to for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Peek extracts the discriminator from a raw frame. It returns ErrMalformed
// for invalid JSON and ErrUnknownType for an absent discriminator; callers
// drop such frames with a warning, never the connection.
func Peek(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", ErrUnknownType
	}
	return env.Type, nil
}

// EncodeBytes converts raw terminal bytes to the text-safe wire form.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBytes reverses EncodeBytes.
func DecodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Marshal serializes any message, panicking never: marshal of these fixed
// shapes cannot fail, so errors collapse to nil frames the caller skips.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// FrameSummary is the projection of a frame pushed through frames_sync.
// Status is coerced to the three states a browser can act on.
type FrameSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"` // "running", "stopped", "error"
	Workspace    string `json:"workspace"`
	Ports        []int  `json:"ports"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

// DevServerSummary describes one registered home agent to the browser.
type DevServerSummary struct {
	ServerID    string `json:"serverId"`
	ServerName  string `json:"serverName"`
	Connected   bool   `json:"connected"`
	FrameCount  int    `json:"frameCount"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
}

// SimpleAuth is the unowned (development) home-agent handshake.
type SimpleAuth struct {
	Type       string `json:"type"`
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
	Version    string `json:"version,omitempty"`
}

// Auth is the owned home-agent handshake. Signature is Ed25519 over
// "serverId:timestamp", base64-encoded; timestamp is unix seconds.
type Auth struct {
	Type       string `json:"type"`
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
	Version    string `json:"version,omitempty"`
}

type SimpleAuthSuccess struct {
	Type      string `json:"type"`
	ServerID  string `json:"serverId"`
	SessionID string `json:"sessionId"`
}

type AuthSuccess struct {
	Type      string `json:"type"`
	ServerID  string `json:"serverId"`
	SessionID string `json:"sessionId"`
}

type AuthError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type Pong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type FramesSync struct {
	Type   string         `json:"type"`
	Frames []FrameSummary `json:"frames"`
}

type TerminalOpen struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	FrameID   string `json:"frameId"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type TerminalOpened struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type TerminalData struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Data      string `json:"data"` // base64
}

type TerminalResize struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type TerminalClose struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

type TerminalError struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

type APIRequest struct {
	Type    string            `json:"type"`
	ReqID   string            `json:"reqId"`
	Method  string            `json:"method"` // GET, POST, PUT, DELETE, PATCH
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type APIResponse struct {
	Type    string            `json:"type"`
	ReqID   string            `json:"reqId"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type PWAAuth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type PWAAuthSuccess struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type PWAAuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerStatus struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	ServerID  string `json:"serverId,omitempty"`
}

type ServersSync struct {
	Type    string             `json:"type"`
	Servers []DevServerSummary `json:"servers"`
}
