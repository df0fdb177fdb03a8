// Package engine shells out to the local container engine. Podman is
// preferred, docker is the fallback; both speak the same CLI surface for
// everything this adapter needs.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/frameline/frameline/internal/logger"
)

// NamePrefix namespaces every container this adapter owns.
const NamePrefix = "frameline-"

// DefaultImage is the workspace image frames run.
const DefaultImage = "frameline-workspace:latest"

const commandTimeout = 60 * time.Second

var ErrNoEngine = errors.New("no container engine found (need podman or docker in PATH)")

// Engine drives one engine binary.
type Engine struct {
	bin string
}

// Detect locates the engine binary. Podman wins when both are present.
func Detect() (*Engine, error) {
	for _, bin := range []string{"podman", "docker"} {
		if path, err := exec.LookPath(bin); err == nil {
			logger.Debug("container engine detected", "engine", bin, "path", path)
			return &Engine{bin: bin}, nil
		}
	}
	return nil, ErrNoEngine
}

// Runtime returns the engine binary name, for logging.
func (e *Engine) Runtime() string { return e.bin }

// PortMap maps a host port to a container port.
type PortMap struct {
	Host      int
	Container int
}

// CreateOptions describes one frame container.
type CreateOptions struct {
	Name          string // without prefix
	Image         string
	WorkspacePath string // bind-mounted rw at /workspace
	AuxDir        string // bind-mounted at /var/frameline (tmux socket lives here)
	Ports         []PortMap
	Env           map[string]string
	EngineSocket  bool     // pass the local engine socket through for nested use
	ExtraMounts   []string // "src:dst:ro" form, best-effort
}

// Info is the parsed inspect result.
type Info struct {
	ID      string
	Name    string
	Status  string // engine-reported state string
	Running bool
	Ports   []PortMap
}

// Create creates (but does not start) a container and returns its id.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (string, error) {
	args := createArgs(opts, e.bin)
	out, err := e.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("create container: empty id from %s", e.bin)
	}
	return id, nil
}

// createArgs builds the create argv. Split out so option mapping is testable
// without an engine present.
func createArgs(opts CreateOptions, bin string) []string {
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}
	args := []string{"create",
		"--name", NamePrefix + opts.Name,
		"--hostname", opts.Name,
		"-v", opts.WorkspacePath + ":/workspace:rw",
		"-v", opts.AuxDir + ":/var/frameline",
		"-w", "/workspace",
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.Host, p.Container))
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.EngineSocket {
		sock := "/var/run/docker.sock"
		if bin == "podman" {
			sock = "/run/podman/podman.sock"
		}
		args = append(args, "-v", sock+":"+sock)
	}
	for _, m := range credentialMounts() {
		args = append(args, "-v", m)
	}
	for _, m := range opts.ExtraMounts {
		args = append(args, "-v", m)
	}
	return append(args, image)
}

// credentialMounts returns read-only mounts for per-user credential files
// that exist. Missing files are skipped; this is never fatal.
func credentialMounts() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var mounts []string
	for src, dst := range map[string]string{
		filepath.Join(home, ".gitconfig"):                         "/root/.gitconfig",
		filepath.Join(home, ".config", "frameline", "creds.json"): "/root/.config/frameline/creds.json",
	} {
		if _, err := os.Stat(src); err == nil {
			mounts = append(mounts, src+":"+dst+":ro")
		}
	}
	return mounts
}

func (e *Engine) Start(ctx context.Context, id string) error {
	if _, err := e.run(ctx, "start", id); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context, id string) error {
	if _, err := e.run(ctx, "stop", "-t", "10", id); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (e *Engine) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	if _, err := e.run(ctx, append(args, id)...); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Inspect returns container info, or nil (no error) when the container does
// not exist or inspect fails.
func (e *Engine) Inspect(ctx context.Context, id string) (*Info, error) {
	out, err := e.run(ctx, "inspect", id)
	if err != nil {
		return nil, nil
	}
	return parseInspect(out)
}

// FindByName resolves a container by its prefixed name.
func (e *Engine) FindByName(ctx context.Context, name string) (*Info, error) {
	return e.Inspect(ctx, NamePrefix+name)
}

// List returns every frameline-prefixed container, empty on engine failure.
func (e *Engine) List(ctx context.Context) ([]*Info, error) {
	out, err := e.run(ctx, "ps", "-a", "--filter", "name="+NamePrefix, "--format", "{{.ID}}")
	if err != nil {
		return nil, nil
	}
	var infos []*Info
	for _, id := range strings.Fields(out) {
		info, _ := e.Inspect(ctx, id)
		if info != nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Exec runs argv inside the container and returns stdout.
func (e *Engine) Exec(ctx context.Context, id string, argv []string) (string, error) {
	out, err := e.run(ctx, append([]string{"exec", id}, argv...)...)
	if err != nil {
		return "", fmt.Errorf("exec in container: %w", err)
	}
	return out, nil
}

// ImageExists reports whether image is present locally.
func (e *Engine) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := e.run(ctx, "image", "inspect", image)
	return err == nil, nil
}

// BuildImage builds the workspace image from a context directory.
func (e *Engine) BuildImage(ctx context.Context, dir, tag string) error {
	if tag == "" {
		tag = DefaultImage
	}
	if _, err := e.run(ctx, "build", "-t", tag, dir); err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	return nil
}

// run executes the engine with args. Non-zero exit surfaces stderr in the
// error.
func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", e.bin, args[0], detail)
	}
	return stdout.String(), nil
}

// inspectRecord matches the fields we need from podman/docker inspect output.
type inspectRecord struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	HostConfig struct {
		PortBindings map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"PortBindings"`
	} `json:"HostConfig"`
}

func parseInspect(out string) (*Info, error) {
	var records []inspectRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil || len(records) == 0 {
		return nil, nil
	}
	r := records[0]
	info := &Info{
		ID:      r.ID,
		Name:    strings.TrimPrefix(r.Name, "/"),
		Status:  r.State.Status,
		Running: r.State.Running,
	}
	for spec, bindings := range r.HostConfig.PortBindings {
		ctr, _ := strconv.Atoi(strings.SplitN(spec, "/", 2)[0])
		for _, b := range bindings {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			info.Ports = append(info.Ports, PortMap{Host: host, Container: ctr})
		}
	}
	return info, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
