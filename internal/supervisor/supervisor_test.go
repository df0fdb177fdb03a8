package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/engine"
	"github.com/frameline/frameline/internal/ports"
	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/template"
)

// fakeEngine records calls and simulates container state in memory.
type fakeEngine struct {
	mu      sync.Mutex
	nextID  string
	created []engine.CreateOptions
	running map[string]bool
	known   map[string]bool
	execs   [][]string

	createErr error
	startErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		nextID:  "abc123def456",
		running: make(map[string]bool),
		known:   make(map[string]bool),
	}
}

func (f *fakeEngine) Runtime() string { return "fake" }

func (f *fakeEngine) Create(_ context.Context, opts engine.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, opts)
	f.known[f.nextID] = true
	return f.nextID, nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[id] = true
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[id] && !force {
		return errors.New("container is running")
	}
	delete(f.known, id)
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (*engine.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id] {
		return nil, nil
	}
	return &engine.Info{ID: id, Running: f.running[id]}, nil
}

func (f *fakeEngine) Exec(_ context.Context, id string, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, argv)
	return "", nil
}

func (f *fakeEngine) ImageExists(context.Context, string) (bool, error) { return true, nil }

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeEngine, string) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "frameline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	cfg, err := config.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	eng := newFakeEngine()
	tpl := template.NewLoader(filepath.Join(root, "templates"))
	return New(st, eng, tpl, cfg, root), eng, root
}

func makeWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	return ws
}

func TestCreateFrame(t *testing.T) {
	s, _, root := newTestSupervisor(t)
	ws := makeWorkspace(t)

	f, err := s.CreateFrame(CreateInput{Name: "alpha", WorkspacePath: ws})
	if err != nil {
		t.Fatalf("CreateFrame: %v", err)
	}
	if f.Status != store.StatusCreated {
		t.Errorf("status = %s, want created", f.Status)
	}
	if f.HostPort < ports.DefaultStart || f.HostPort > ports.DefaultEnd {
		t.Errorf("hostPort = %d, outside the allocation range", f.HostPort)
	}
	if f.GraphitiGroupID != "frame:"+f.ID {
		t.Errorf("graphiti group = %q", f.GraphitiGroupID)
	}
	if _, err := os.Stat(config.FrameDir(root, f.ID)); err != nil {
		t.Errorf("frame dir missing: %v", err)
	}

	events, err := s.GetFrameEvents("alpha", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != store.EventCreated {
		t.Fatalf("events = %+v, want a single created event", events)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(events[0].Details), &details); err != nil {
		t.Fatalf("details not JSON: %v", err)
	}
	if details["workspacePath"] != ws {
		t.Errorf("details workspacePath = %v", details["workspacePath"])
	}
	if int(details["hostPort"].(float64)) != f.HostPort {
		t.Errorf("details hostPort = %v, want %d", details["hostPort"], f.HostPort)
	}
}

func TestCreateFrameValidation(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)

	if _, err := s.CreateFrame(CreateInput{WorkspacePath: ws}); !errors.Is(err, ErrNameRequired) {
		t.Errorf("empty name: %v", err)
	}
	if _, err := s.CreateFrame(CreateInput{Name: "x", WorkspacePath: "/nonexistent/path"}); !errors.Is(err, ErrWorkspaceMissing) {
		t.Errorf("missing workspace: %v", err)
	}
	if _, err := s.CreateFrame(CreateInput{Name: "x", WorkspacePath: ws, Template: "nope"}); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("unknown template: %v", err)
	}

	if _, err := s.CreateFrame(CreateInput{Name: "dup", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateFrame(CreateInput{Name: "dup", WorkspacePath: ws}); !errors.Is(err, store.ErrDuplicateName) {
		t.Errorf("duplicate name: %v", err)
	}
}

func TestStartFrame(t *testing.T) {
	s, eng, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)

	temp := 0.2
	created, err := s.CreateFrame(CreateInput{
		Name:          "beta",
		WorkspacePath: ws,
		Config: &store.FrameConfig{
			Manager: store.ManagerConfig{Provider: "anthropic", Model: "large", Temperature: &temp, APIKey: "sk-frame"},
			Ports:   store.PortsConfig{ServicePort: 3000, AdditionalPorts: []int{9229}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := s.StartFrame(context.Background(), "beta")
	if err != nil {
		t.Fatalf("StartFrame: %v", err)
	}
	if f.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", f.Status)
	}
	if f.ContainerID != "abc123def456" {
		t.Errorf("containerId = %q", f.ContainerID)
	}

	if len(eng.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(eng.created))
	}
	opts := eng.created[0]
	if opts.WorkspacePath != ws {
		t.Errorf("workspace = %q", opts.WorkspacePath)
	}
	wantPorts := []engine.PortMap{
		{Host: created.HostPort, Container: 3000},
		{Host: created.HostPort + ports.DerivedOffset, Container: 3001},
		{Host: created.HostPort + ports.DerivedOffset + 1, Container: 9229},
	}
	if len(opts.Ports) != len(wantPorts) {
		t.Fatalf("ports = %+v, want %+v", opts.Ports, wantPorts)
	}
	for i, p := range wantPorts {
		if opts.Ports[i] != p {
			t.Errorf("port[%d] = %+v, want %+v", i, opts.Ports[i], p)
		}
	}
	if opts.Env["PROVIDER"] != "anthropic" || opts.Env["MODEL"] != "large" {
		t.Errorf("manager env = %v", opts.Env)
	}
	if opts.Env["TEMPERATURE"] != "0.2" {
		t.Errorf("TEMPERATURE = %q", opts.Env["TEMPERATURE"])
	}
	if opts.Env["ANTHROPIC_API_KEY"] != "sk-frame" {
		t.Errorf("provider key env = %v", opts.Env)
	}
	if opts.Env["FRAME_NAME"] != "beta" {
		t.Errorf("FRAME_NAME = %q", opts.Env["FRAME_NAME"])
	}

	// Chronological event order: created then started.
	events, err := s.GetFrameEvents("beta", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != store.EventStarted || events[1].Kind != store.EventCreated {
		t.Errorf("event kinds newest-first = [%s %s]", events[0].Kind, events[1].Kind)
	}

	// tmux session bootstrap went through the engine.
	if len(eng.execs) == 0 {
		t.Fatal("no exec calls")
	}
	boot := eng.execs[0]
	if boot[0] != "tmux" || boot[len(boot)-2] != "-c" {
		t.Errorf("boot exec = %v", boot)
	}

	if _, err := s.StartFrame(context.Background(), "beta"); !errors.Is(err, ErrFrameRunning) {
		t.Errorf("double start: %v", err)
	}
}

func TestStartFailureMovesToError(t *testing.T) {
	s, eng, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)
	if _, err := s.CreateFrame(CreateInput{Name: "gamma", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}
	eng.createErr = errors.New("no such image")

	if _, err := s.StartFrame(context.Background(), "gamma"); err == nil {
		t.Fatal("want error")
	}
	f, _ := s.GetFrame("gamma")
	if f.Status != store.StatusError {
		t.Errorf("status = %s, want error", f.Status)
	}
	events, _ := s.GetFrameEvents("gamma", 0)
	if events[0].Kind != store.EventError {
		t.Errorf("latest event = %s, want error", events[0].Kind)
	}
	var details map[string]string
	json.Unmarshal([]byte(events[0].Details), &details)
	if details["error"] != "no such image" {
		t.Errorf("error detail = %v", details)
	}
}

func TestStopFrame(t *testing.T) {
	s, eng, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)
	if _, err := s.CreateFrame(CreateInput{Name: "delta", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.StopFrame(context.Background(), "delta"); !errors.Is(err, ErrFrameNotRunning) {
		t.Errorf("stop before start: %v", err)
	}

	if _, err := s.StartFrame(context.Background(), "delta"); err != nil {
		t.Fatal(err)
	}
	f, err := s.StopFrame(context.Background(), "delta")
	if err != nil {
		t.Fatalf("StopFrame: %v", err)
	}
	if f.Status != store.StatusStopped {
		t.Errorf("status = %s, want stopped", f.Status)
	}
	if eng.running["abc123def456"] {
		t.Error("container still running")
	}
	events, _ := s.GetFrameEvents("delta", 0)
	if events[0].Kind != store.EventStopped {
		t.Errorf("latest event = %s", events[0].Kind)
	}
}

func TestRestartReusesContainer(t *testing.T) {
	s, eng, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)
	if _, err := s.CreateFrame(CreateInput{Name: "eps", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartFrame(context.Background(), "eps"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StopFrame(context.Background(), "eps"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartFrame(context.Background(), "eps"); err != nil {
		t.Fatal(err)
	}
	if len(eng.created) != 1 {
		t.Errorf("created %d containers across restart, want 1", len(eng.created))
	}
}

func TestDestroyFrame(t *testing.T) {
	s, eng, root := newTestSupervisor(t)
	ws := makeWorkspace(t)
	f, err := s.CreateFrame(CreateInput{Name: "zeta", WorkspacePath: ws})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartFrame(context.Background(), "zeta"); err != nil {
		t.Fatal(err)
	}

	if err := s.DestroyFrame(context.Background(), "zeta", false); !errors.Is(err, ErrFrameRunning) {
		t.Errorf("destroy running without force: %v", err)
	}

	if err := s.DestroyFrame(context.Background(), "zeta", true); err != nil {
		t.Fatalf("force destroy: %v", err)
	}
	if _, err := s.GetFrame("zeta"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("frame still resolvable: %v", err)
	}
	if eng.known["abc123def456"] {
		t.Error("container not removed")
	}
	if _, err := os.Stat(config.FrameDir(root, f.ID)); !os.IsNotExist(err) {
		t.Error("frame dir not removed")
	}
}

func TestPortExhaustion(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)
	// Narrow the range to two slots.
	s.alloc = &ports.Allocator{Start: 33000, End: 33001, Used: s.store.UsedPorts}

	if _, err := s.CreateFrame(CreateInput{Name: "p1", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateFrame(CreateInput{Name: "p2", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateFrame(CreateInput{Name: "p3", WorkspacePath: ws}); !errors.Is(err, ports.ErrRangeFull) {
		t.Errorf("exhaustion: %v", err)
	}
}

func TestUpdateFrameConfig(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)
	if _, err := s.CreateFrame(CreateInput{Name: "eta", WorkspacePath: ws}); err != nil {
		t.Fatal(err)
	}

	cfg := &store.FrameConfig{Manager: store.ManagerConfig{Provider: "openai", Model: "small"}}
	if err := s.UpdateFrameConfig("eta", cfg); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetFrameConfig("eta")
	if err != nil {
		t.Fatal(err)
	}
	if got.Manager.Provider != "openai" || got.Manager.Model != "small" {
		t.Errorf("config = %+v", got)
	}
	events, _ := s.GetFrameEvents("eta", 0)
	if events[0].Kind != store.EventConfigChanged {
		t.Errorf("latest event = %s", events[0].Kind)
	}
}

func TestReconcile(t *testing.T) {
	s, eng, _ := newTestSupervisor(t)
	ws := makeWorkspace(t)

	stuck, err := s.CreateFrame(CreateInput{Name: "stuck-up", WorkspacePath: ws})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartFrame(context.Background(), "stuck-up"); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-transition.
	starting := store.StatusStarting
	s.store.UpdateFrame(stuck.ID, store.FrameUpdate{Status: &starting})

	down, err := s.CreateFrame(CreateInput{Name: "stuck-down", WorkspacePath: ws})
	if err != nil {
		t.Fatal(err)
	}
	stopping := store.StatusStopping
	s.store.UpdateFrame(down.ID, store.FrameUpdate{Status: &stopping})

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	f1, _ := s.GetFrame("stuck-up")
	if f1.Status != store.StatusRunning {
		t.Errorf("stuck-up = %s, want running (container is up)", f1.Status)
	}
	f2, _ := s.GetFrame("stuck-down")
	if f2.Status != store.StatusStopped {
		t.Errorf("stuck-down = %s, want stopped (no container)", f2.Status)
	}
	_ = eng
}

func TestAttachCommand(t *testing.T) {
	s, _, root := newTestSupervisor(t)
	ws := makeWorkspace(t)
	f, err := s.CreateFrame(CreateInput{Name: "theta", WorkspacePath: ws})
	if err != nil {
		t.Fatal(err)
	}
	want := "tmux -S " + filepath.Join(config.FrameDir(root, f.ID), SocketFileName) + " attach -t frame-theta"
	if got := s.AttachCommand(f); got != want {
		t.Errorf("AttachCommand = %q, want %q", got, want)
	}
}
