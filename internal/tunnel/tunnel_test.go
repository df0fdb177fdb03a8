package tunnel

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/engine"
	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/supervisor"
	"github.com/frameline/frameline/internal/template"
	"github.com/frameline/frameline/internal/term"
	"github.com/frameline/frameline/internal/wire"
)

func TestBackoffProgression(t *testing.T) {
	b := NewBackoff()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: %s, want %s", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: %s, want 1s", got)
	}
}

func TestIdentityPersistence(t *testing.T) {
	dir := t.TempDir()
	id1, err := EnsureServerID(dir)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := EnsureServerID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("server id not stable: %q vs %q", id1, id2)
	}

	pub1, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatal(err)
	}
	pub2, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatal(err)
	}
	if pub1 != pub2 {
		t.Error("keypair regenerated on second load")
	}

	priv, err := LoadPrivateKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Unix()
	sig, err := base64.StdEncoding.DecodeString(SignAuth(priv, id1, ts))
	if err != nil {
		t.Fatal(err)
	}
	pubRaw, _ := base64.StdEncoding.DecodeString(pub1)
	msg := fmt.Sprintf("%s:%d", id1, ts)
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), []byte(msg), sig) {
		t.Error("signature does not verify against the stored public key")
	}
}

// fakeEngine is the minimal container runtime for wiring a real supervisor.
type fakeEngine struct{}

func (fakeEngine) Runtime() string { return "fake" }
func (fakeEngine) Create(context.Context, engine.CreateOptions) (string, error) {
	return "c0ffee", nil
}
func (fakeEngine) Start(context.Context, string) error        { return nil }
func (fakeEngine) Stop(context.Context, string) error         { return nil }
func (fakeEngine) Remove(context.Context, string, bool) error { return nil }
func (fakeEngine) Inspect(context.Context, string) (*engine.Info, error) {
	return &engine.Info{ID: "c0ffee", Running: true}, nil
}
func (fakeEngine) Exec(context.Context, string, []string) (string, error) { return "", nil }
func (fakeEngine) ImageExists(context.Context, string) (bool, error)      { return true, nil }

func newTestClient(t *testing.T, relayURL string) *Client {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	cfg, err := config.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(st, fakeEngine{}, template.NewLoader(), cfg, root)
	return &Client{
		RelayURL:   relayURL,
		ServerID:   "srv-1",
		ServerName: "test",
		Supervisor: sup,
		Terminals:  term.NewManager(),
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// relayStub accepts one tunnel connection, acknowledges auth, and hands the
// conn to script.
func relayStub(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msgType, _ := wire.Peek(data)
		if msgType != wire.TypeSimpleAuth && msgType != wire.TypeAuth {
			t.Errorf("first message = %q, want an auth handshake", msgType)
			return
		}
		ack := wire.Marshal(wire.SimpleAuthSuccess{
			Type: wire.TypeSimpleAuthSuccess, ServerID: "srv-1", SessionID: "sess-1",
		})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}
		script(ctx, conn)
	}))
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(ctx context.Context, conn *websocket.Conn, wantType string) ([]byte, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType, _ := wire.Peek(data); msgType == wantType {
			return data, nil
		}
	}
}

func TestTerminalOpenUnknownFrame(t *testing.T) {
	got := make(chan wire.TerminalError, 1)
	srv := relayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		open := wire.Marshal(wire.TerminalOpen{
			Type: wire.TypeTerminalOpen, ChannelID: "ch-1", FrameID: "no-such-frame",
		})
		if err := conn.Write(ctx, websocket.MessageText, open); err != nil {
			return
		}
		data, err := readUntil(ctx, conn, wire.TypeTerminalError)
		if err != nil {
			return
		}
		var te wire.TerminalError
		json.Unmarshal(data, &te)
		got <- te
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))
	go c.Run(ctx)

	select {
	case te := <-got:
		if te.Code != wire.TermErrFrameNotFound {
			t.Errorf("code = %q, want %q", te.Code, wire.TermErrFrameNotFound)
		}
		if te.ChannelID != "ch-1" {
			t.Errorf("channelId = %q", te.ChannelID)
		}
	case <-ctx.Done():
		t.Fatal("no terminal_error received")
	}
}

func TestTerminalOpenNotRunningFrame(t *testing.T) {
	frameID := make(chan string, 1)
	got := make(chan wire.TerminalError, 1)
	srv := relayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		open := wire.Marshal(wire.TerminalOpen{
			Type: wire.TypeTerminalOpen, ChannelID: "ch-2", FrameID: <-frameID,
		})
		if err := conn.Write(ctx, websocket.MessageText, open); err != nil {
			return
		}
		data, err := readUntil(ctx, conn, wire.TypeTerminalError)
		if err != nil {
			return
		}
		var te wire.TerminalError
		json.Unmarshal(data, &te)
		got <- te
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))
	f, err := c.Supervisor.CreateFrame(supervisor.CreateInput{Name: "idle", WorkspacePath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	frameID <- f.ID
	go c.Run(ctx)

	select {
	case te := <-got:
		if te.Code != wire.TermErrFrameNotRunning {
			t.Errorf("code = %q, want %q", te.Code, wire.TermErrFrameNotRunning)
		}
		if te.ChannelID != "ch-2" {
			t.Errorf("channelId = %q", te.ChannelID)
		}
	case <-ctx.Done():
		t.Fatal("no terminal_error received")
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	got := make(chan wire.Pong, 1)
	srv := relayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		ping := wire.Marshal(wire.Ping{Type: wire.TypePing, TS: 1234567890})
		if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
			return
		}
		data, err := readUntil(ctx, conn, wire.TypePong)
		if err != nil {
			return
		}
		var pong wire.Pong
		json.Unmarshal(data, &pong)
		got <- pong
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))
	go c.Run(ctx)

	select {
	case pong := <-got:
		if pong.TS != 1234567890 {
			t.Errorf("pong ts = %d, want the ping's ts echoed", pong.TS)
		}
	case <-ctx.Done():
		t.Fatal("no pong received")
	}
}

func TestAPIRequestOverTunnel(t *testing.T) {
	got := make(chan wire.APIResponse, 1)
	srv := relayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		req := wire.Marshal(wire.APIRequest{
			Type: wire.TypeAPIRequest, ReqID: "r-1", Method: "GET", Path: "/frames",
		})
		if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
			return
		}
		data, err := readUntil(ctx, conn, wire.TypeAPIResponse)
		if err != nil {
			return
		}
		var resp wire.APIResponse
		json.Unmarshal(data, &resp)
		got <- resp
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))
	go c.Run(ctx)

	select {
	case resp := <-got:
		if resp.ReqID != "r-1" || resp.Status != http.StatusOK {
			t.Errorf("resp = %+v", resp)
		}
		var body struct {
			Frames []wire.FrameSummary `json:"frames"`
		}
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			t.Fatalf("body: %v", err)
		}
		if body.Frames == nil {
			t.Error("frames list missing (want empty, not null)")
		}
	case <-ctx.Done():
		t.Fatal("no api_response received")
	}
}

func TestFramesSyncPushedOnConnect(t *testing.T) {
	got := make(chan wire.FramesSync, 1)
	srv := relayStub(t, func(ctx context.Context, conn *websocket.Conn) {
		data, err := readUntil(ctx, conn, wire.TypeFramesSync)
		if err != nil {
			return
		}
		var fs wire.FramesSync
		json.Unmarshal(data, &fs)
		got <- fs
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))
	ws := t.TempDir()
	if _, err := c.Supervisor.CreateFrame(supervisor.CreateInput{Name: "demo", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}
	go c.Run(ctx)

	select {
	case fs := <-got:
		if len(fs.Frames) != 1 {
			t.Fatalf("frames = %+v", fs.Frames)
		}
		f := fs.Frames[0]
		if f.Name != "demo" || f.Status != "stopped" {
			t.Errorf("summary = %+v (created coerces to stopped)", f)
		}
		if len(f.Ports) != 2 || f.Ports[1] != f.Ports[0]+2000 {
			t.Errorf("ports = %v", f.Ports)
		}
	case <-ctx.Done():
		t.Fatal("no frames_sync received")
	}
}

func TestAuthRejectionStopsReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		conn.Read(ctx)
		reject := wire.Marshal(wire.AuthError{
			Type: wire.TypeAuthError, Code: wire.AuthErrInvalidSignature, Message: "bad signature",
		})
		conn.Write(ctx, websocket.MessageText, reject)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))

	err := c.Run(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("Run = %v, want ErrAuthRejected", err)
	}
}

func TestSignedAuthVerifiable(t *testing.T) {
	dir := t.TempDir()
	pub, err := EnsureKeyPair(dir)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := LoadPrivateKey(dir)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan wire.Auth, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var auth wire.Auth
		json.Unmarshal(data, &auth)
		got <- auth
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newTestClient(t, wsURL(srv))
	c.Key = priv
	go c.Run(ctx)

	select {
	case auth := <-got:
		if auth.Type != wire.TypeAuth {
			t.Fatalf("type = %q", auth.Type)
		}
		sig, err := base64.StdEncoding.DecodeString(auth.Signature)
		if err != nil {
			t.Fatal(err)
		}
		pubRaw, _ := base64.StdEncoding.DecodeString(pub)
		msg := fmt.Sprintf("%s:%d", auth.ServerID, auth.Timestamp)
		if !ed25519.Verify(ed25519.PublicKey(pubRaw), []byte(msg), sig) {
			t.Error("auth signature does not verify")
		}
	case <-ctx.Done():
		t.Fatal("no auth message received")
	}
}

func TestAPIRouterPaths(t *testing.T) {
	c := newTestClient(t, "ws://unused")
	ws := t.TempDir()
	f, err := c.Supervisor.CreateFrame(supervisor.CreateInput{Name: "router", WorkspacePath: ws})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	resp := c.handleAPI(ctx, wire.APIRequest{ReqID: "a", Method: "GET", Path: "/frames/" + f.ID})
	if resp.Status != http.StatusOK {
		t.Errorf("get frame: %d", resp.Status)
	}
	resp = c.handleAPI(ctx, wire.APIRequest{ReqID: "b", Method: "GET", Path: "/frames/missing"})
	if resp.Status != http.StatusNotFound {
		t.Errorf("missing frame: %d", resp.Status)
	}
	resp = c.handleAPI(ctx, wire.APIRequest{ReqID: "c", Method: "GET", Path: "/bogus"})
	if resp.Status != http.StatusNotFound {
		t.Errorf("bogus route: %d", resp.Status)
	}

	resp = c.handleAPI(ctx, wire.APIRequest{ReqID: "d", Method: "POST", Path: "/frames/" + f.ID + "/start"})
	if resp.Status != http.StatusOK {
		t.Fatalf("start: %d %s", resp.Status, resp.Body)
	}
	resp = c.handleAPI(ctx, wire.APIRequest{ReqID: "e", Method: "POST", Path: "/frames/" + f.ID + "/start"})
	if resp.Status != http.StatusConflict {
		t.Errorf("double start: %d", resp.Status)
	}
	resp = c.handleAPI(ctx, wire.APIRequest{ReqID: "f", Method: "POST", Path: "/frames/" + f.ID + "/stop"})
	if resp.Status != http.StatusOK {
		t.Errorf("stop: %d", resp.Status)
	}
	resp = c.handleAPI(ctx, wire.APIRequest{ReqID: "g", Method: "GET", Path: "/frames/" + f.ID + "/events"})
	if resp.Status != http.StatusOK {
		t.Errorf("events: %d", resp.Status)
	}
	if resp.ReqID != "g" || resp.Type != wire.TypeAPIResponse {
		t.Errorf("envelope = %+v", resp)
	}
}
