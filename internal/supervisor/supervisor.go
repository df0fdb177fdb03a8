// Package supervisor owns frame lifecycle: create, start, stop, destroy,
// config, and the event log. It is the only writer of frame state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/engine"
	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/ports"
	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/template"
)

var (
	ErrFrameRunning     = errors.New("frame is running")
	ErrFrameNotRunning  = errors.New("frame is not running")
	ErrWorkspaceMissing = errors.New("workspace path does not exist")
	ErrUnknownTemplate  = errors.New("unknown template")
	ErrNameRequired     = errors.New("frame name is required")
)

// DefaultServicePort is the container-side port the frame's primary service
// listens on when the config does not say otherwise.
const DefaultServicePort = 8080

// SocketFileName is the tmux control socket inside the frame aux directory.
const SocketFileName = "tmux.sock"

// ContainerSocketPath is where the aux dir is mounted inside the container.
const ContainerSocketPath = "/var/frameline/" + SocketFileName

// ContainerEngine is the capability the supervisor needs from the container
// runtime. *engine.Engine satisfies it.
type ContainerEngine interface {
	Runtime() string
	Create(ctx context.Context, opts engine.CreateOptions) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (*engine.Info, error)
	Exec(ctx context.Context, id string, argv []string) (string, error)
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Supervisor orchestrates frame transitions against the store and engine.
type Supervisor struct {
	store     *store.Store
	engine    ContainerEngine
	alloc     *ports.Allocator
	templates *template.Loader
	cfg       *config.Manager
	root      string

	// applyTemplate is the template application hook, overridable in tests.
	applyTemplate func(ctx context.Context, socket, session, workspace string, t *template.Template) error
}

func New(st *store.Store, eng ContainerEngine, tpl *template.Loader, cfg *config.Manager, root string) *Supervisor {
	s := &Supervisor{
		store:     st,
		engine:    eng,
		alloc:     ports.NewAllocator(st.UsedPorts),
		templates: tpl,
		cfg:       cfg,
		root:      root,
	}
	s.applyTemplate = func(ctx context.Context, socket, session, workspace string, t *template.Template) error {
		return template.NewApplier(socket, session, workspace).Apply(ctx, t)
	}
	return s
}

// CreateInput is the user-supplied part of a new frame.
type CreateInput struct {
	Name          string
	Description   string
	WorkspacePath string
	Template      string
	Config        *store.FrameConfig
}

// CreateFrame validates input, allocates a port, materializes the frame aux
// directory, and persists the record in created status. Template application
// is deferred until the first start.
func (s *Supervisor) CreateFrame(in CreateInput) (*store.Frame, error) {
	if in.Name == "" {
		return nil, ErrNameRequired
	}
	info, err := os.Stat(in.WorkspacePath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceMissing, in.WorkspacePath)
	}
	if _, err := s.store.GetFrameByName(in.Name); err == nil {
		return nil, fmt.Errorf("%w: %q", store.ErrDuplicateName, in.Name)
	}
	if in.Template != "" {
		if _, err := s.templates.Get(in.Template); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, in.Template)
		}
	}

	port, err := s.alloc.Allocate()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	frameDir := config.FrameDir(s.root, id)
	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}

	f := &store.Frame{
		ID:              id,
		Name:            in.Name,
		Description:     in.Description,
		WorkspacePath:   in.WorkspacePath,
		Status:          store.StatusCreated,
		HostPort:        port,
		Template:        in.Template,
		GraphitiGroupID: "frame:" + id,
	}
	if err := s.store.CreateFrame(f, in.Config); err != nil {
		os.RemoveAll(frameDir)
		return nil, err
	}
	s.store.AppendEvent(id, store.EventCreated, map[string]any{
		"workspacePath": in.WorkspacePath,
		"hostPort":      port,
	})
	logger.Info("frame created", "frame", in.Name, "id", id, "port", port)
	return s.store.GetFrame(id)
}

// StartFrame brings a frame to running: create or reuse its container,
// start it, boot the tmux session, and apply the template on first start.
func (s *Supervisor) StartFrame(ctx context.Context, ref string) (*store.Frame, error) {
	f, err := s.GetFrame(ref)
	if err != nil {
		return nil, err
	}
	if f.Status == store.StatusRunning {
		return nil, fmt.Errorf("%w: %q", ErrFrameRunning, f.Name)
	}

	if err := s.setStatus(f.ID, store.StatusStarting); err != nil {
		return nil, err
	}

	containerID, created, err := s.ensureContainer(ctx, f)
	if err != nil {
		s.fail(f.ID, err)
		return nil, err
	}
	if containerID != f.ContainerID {
		s.store.UpdateFrame(f.ID, store.FrameUpdate{ContainerID: &containerID})
	}

	if err := s.engine.Start(ctx, containerID); err != nil {
		s.fail(f.ID, err)
		return nil, err
	}

	if err := s.bootSession(ctx, containerID, f); err != nil {
		s.fail(f.ID, err)
		return nil, err
	}

	if created && f.Template != "" {
		if err := s.applyFrameTemplate(ctx, f); err != nil {
			// Template failure leaves a usable frame; log, don't fail the start.
			logger.Warn("template apply failed", "frame", f.Name, "template", f.Template, "error", err)
		}
	}

	now := time.Now()
	running := store.StatusRunning
	if err := s.store.UpdateFrame(f.ID, store.FrameUpdate{Status: &running, LastActivity: &now}); err != nil {
		return nil, err
	}
	s.store.AppendEvent(f.ID, store.EventStarted, map[string]any{"containerId": containerID})
	logger.Info("frame started", "frame", f.Name, "container", containerID)
	return s.store.GetFrame(f.ID)
}

// ensureContainer reuses the recorded container when it still exists,
// otherwise creates a fresh one. Returns (id, createdNew, err).
func (s *Supervisor) ensureContainer(ctx context.Context, f *store.Frame) (string, bool, error) {
	if f.ContainerID != "" {
		info, _ := s.engine.Inspect(ctx, f.ContainerID)
		if info != nil {
			return f.ContainerID, false, nil
		}
		logger.Warn("recorded container is gone, recreating", "frame", f.Name, "container", f.ContainerID)
	}

	cfg, err := s.store.GetConfig(f.ID)
	if err != nil {
		return "", false, err
	}
	opts := engine.CreateOptions{
		Name:          f.Name,
		WorkspacePath: f.WorkspacePath,
		AuxDir:        config.FrameDir(s.root, f.ID),
		Ports:         s.portMappings(f, cfg),
		Env:           s.containerEnv(f, cfg),
	}
	id, err := s.engine.Create(ctx, opts)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// portMappings maps the allocated base port to the in-container service
// port, the derived port to the secondary service, and any additional
// container ports to slots above the derived port.
func (s *Supervisor) portMappings(f *store.Frame, cfg *store.FrameConfig) []engine.PortMap {
	service := DefaultServicePort
	var additional []int
	if cfg != nil {
		if cfg.Ports.ServicePort > 0 {
			service = cfg.Ports.ServicePort
		}
		additional = cfg.Ports.AdditionalPorts
	}
	maps := []engine.PortMap{
		{Host: f.HostPort, Container: service},
		{Host: ports.Derived(f.HostPort), Container: service + 1},
	}
	for i, p := range additional {
		maps = append(maps, engine.PortMap{Host: ports.Derived(f.HostPort) + 1 + i, Container: p})
	}
	return maps
}

// containerEnv builds the env map for container creation: frame identity,
// manager block, and provider API keys (frame config wins over the global
// config file).
func (s *Supervisor) containerEnv(f *store.Frame, cfg *store.FrameConfig) map[string]string {
	env := map[string]string{
		"FRAME_ID":          f.ID,
		"FRAME_NAME":        f.Name,
		"GRAPHITI_GROUP_ID": f.GraphitiGroupID,
	}
	if s.cfg != nil {
		for k, v := range s.cfg.ProviderKeys() {
			env[k] = v
		}
	}
	if cfg == nil {
		return env
	}
	m := cfg.Manager
	if m.Provider != "" {
		env["PROVIDER"] = m.Provider
	}
	if m.Model != "" {
		env["MODEL"] = m.Model
	}
	if m.Temperature != nil {
		env["TEMPERATURE"] = strconv.FormatFloat(*m.Temperature, 'f', -1, 64)
	}
	if m.BaseURL != "" {
		env["BASE_URL"] = m.BaseURL
	}
	if m.APIKey != "" && m.Provider != "" {
		env[config.ProviderKeyEnv(m.Provider)] = m.APIKey
	}
	return env
}

// bootSession starts the tmux server inside the container on the shared
// socket. Already-exists is fine (restart path).
func (s *Supervisor) bootSession(ctx context.Context, containerID string, f *store.Frame) error {
	_, err := s.engine.Exec(ctx, containerID, []string{
		"tmux", "-S", ContainerSocketPath, "new-session", "-d", "-s", s.SessionName(f), "-c", "/workspace",
	})
	if err != nil {
		// A "duplicate session" error means the session survived a restart.
		if strings.Contains(err.Error(), "duplicate session") {
			return nil
		}
		return err
	}
	return nil
}

func (s *Supervisor) applyFrameTemplate(ctx context.Context, f *store.Frame) error {
	tpl, err := s.templates.Resolve(f.Template)
	if err != nil {
		return err
	}
	return s.applyTemplate(ctx, s.SocketPath(f), s.SessionName(f), f.WorkspacePath, tpl)
}

// StopFrame stops a running frame's container.
func (s *Supervisor) StopFrame(ctx context.Context, ref string) (*store.Frame, error) {
	f, err := s.GetFrame(ref)
	if err != nil {
		return nil, err
	}
	if f.Status != store.StatusRunning {
		return nil, fmt.Errorf("%w: %q is %s", ErrFrameNotRunning, f.Name, f.Status)
	}

	if err := s.setStatus(f.ID, store.StatusStopping); err != nil {
		return nil, err
	}
	if f.ContainerID != "" {
		if err := s.engine.Stop(ctx, f.ContainerID); err != nil {
			s.fail(f.ID, err)
			return nil, err
		}
	}
	if err := s.setStatus(f.ID, store.StatusStopped); err != nil {
		return nil, err
	}
	s.store.AppendEvent(f.ID, store.EventStopped, nil)
	logger.Info("frame stopped", "frame", f.Name)
	return s.store.GetFrame(f.ID)
}

// DestroyFrame removes the frame, its container, and its on-disk state.
// A running frame needs force.
func (s *Supervisor) DestroyFrame(ctx context.Context, ref string, force bool) error {
	f, err := s.GetFrame(ref)
	if err != nil {
		return err
	}
	if f.Status == store.StatusRunning && !force {
		return fmt.Errorf("%w: %q (use force)", ErrFrameRunning, f.Name)
	}

	if f.ContainerID != "" {
		if err := s.engine.Remove(ctx, f.ContainerID, true); err != nil {
			logger.Warn("container remove failed", "frame", f.Name, "error", err)
		}
	}

	// The destroyed event lands before the record (and its events) go away,
	// so an external log consumer sees the terminal entry.
	s.store.AppendEvent(f.ID, store.EventDestroyed, nil)
	if err := s.store.DeleteFrame(f.ID); err != nil {
		return err
	}
	os.RemoveAll(config.FrameDir(s.root, f.ID))
	logger.Info("frame destroyed", "frame", f.Name)
	return nil
}

// GetFrame resolves a frame by id first, then by name.
func (s *Supervisor) GetFrame(ref string) (*store.Frame, error) {
	f, err := s.store.GetFrame(ref)
	if err == nil {
		return f, nil
	}
	return s.store.GetFrameByName(ref)
}

func (s *Supervisor) ListFrames(status store.Status) ([]*store.Frame, error) {
	return s.store.ListFrames(status)
}

func (s *Supervisor) GetFrameConfig(ref string) (*store.FrameConfig, error) {
	f, err := s.GetFrame(ref)
	if err != nil {
		return nil, err
	}
	return s.store.GetConfig(f.ID)
}

// UpdateFrameConfig stores the new config and records the change. The new
// settings take effect on the next container creation.
func (s *Supervisor) UpdateFrameConfig(ref string, cfg *store.FrameConfig) error {
	f, err := s.GetFrame(ref)
	if err != nil {
		return err
	}
	if err := s.store.SetConfig(f.ID, cfg); err != nil {
		return err
	}
	return s.store.AppendEvent(f.ID, store.EventConfigChanged, nil)
}

func (s *Supervisor) GetFrameEvents(ref string, limit int) ([]*store.Event, error) {
	f, err := s.GetFrame(ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListEvents(f.ID, limit)
}

// TouchActivity bumps last_activity, used when a terminal attaches.
func (s *Supervisor) TouchActivity(ref string) {
	f, err := s.GetFrame(ref)
	if err != nil {
		return
	}
	now := time.Now()
	s.store.UpdateFrame(f.ID, store.FrameUpdate{LastActivity: &now})
}

// SessionName is the tmux session a frame hosts.
func (s *Supervisor) SessionName(f *store.Frame) string {
	return "frame-" + f.Name
}

// SocketPath is the host-side path of the frame's tmux control socket.
func (s *Supervisor) SocketPath(f *store.Frame) string {
	return filepath.Join(config.FrameDir(s.root, f.ID), SocketFileName)
}

// AttachCommand returns the shell command a local user runs to attach.
func (s *Supervisor) AttachCommand(f *store.Frame) string {
	return fmt.Sprintf("tmux -S %s attach -t %s", s.SocketPath(f), s.SessionName(f))
}

// Reconcile fixes frames stranded in transient states by a crash: a frame
// whose container is running becomes running, anything else becomes stopped.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	frames, err := s.store.ListFrames("")
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.Status != store.StatusStarting && f.Status != store.StatusStopping {
			continue
		}
		target := store.StatusStopped
		if f.ContainerID != "" {
			if info, _ := s.engine.Inspect(ctx, f.ContainerID); info != nil && info.Running {
				target = store.StatusRunning
			}
		}
		logger.Warn("reconciling frame stuck in transient state",
			"frame", f.Name, "was", f.Status, "now", target)
		if err := s.setStatus(f.ID, target); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) setStatus(id string, status store.Status) error {
	return s.store.UpdateFrame(id, store.FrameUpdate{Status: &status})
}

// fail moves the frame to error and records the cause.
func (s *Supervisor) fail(id string, cause error) {
	errStatus := store.StatusError
	s.store.UpdateFrame(id, store.FrameUpdate{Status: &errStatus})
	s.store.AppendEvent(id, store.EventError, map[string]string{"error": cause.Error()})
}
