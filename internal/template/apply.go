package template

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/frameline/frameline/internal/logger"
)

const (
	sessionWaitTimeout  = 5 * time.Second
	readyIdleThreshold  = 2 * time.Second
	readyDefaultTimeout = 30 * time.Second
	readyPollInterval   = 500 * time.Millisecond
	injectLineGap       = 250 * time.Millisecond
)

// defaultShells are commands that match what a fresh tmux window already
// runs; sending them would just nest a shell.
var defaultShells = map[string]bool{"": true, "sh": true, "bash": true, "zsh": true, "fish": true}

// Applier drives tmux over a frame's control socket.
type Applier struct {
	Socket    string
	Session   string
	Workspace string

	// run executes a tmux command. Overridable in tests.
	run func(ctx context.Context, args ...string) (string, error)
}

func NewApplier(socket, session, workspace string) *Applier {
	a := &Applier{Socket: socket, Session: session, Workspace: workspace}
	a.run = func(ctx context.Context, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "tmux", append([]string{"-S", a.Socket}, args...)...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = err.Error()
			}
			return "", fmt.Errorf("tmux %s: %s", args[0], detail)
		}
		return stdout.String(), nil
	}
	return a
}

// Apply lays the template out on the live session: rename window 0, create
// the rest, set up each window, then land on window 0.
func (a *Applier) Apply(ctx context.Context, t *Template) error {
	if err := a.waitForSession(ctx); err != nil {
		return err
	}

	for i, w := range t.Windows {
		target := fmt.Sprintf("%s:%d", a.Session, i)
		if i == 0 {
			if _, err := a.run(ctx, "rename-window", "-t", target, w.Name); err != nil {
				return fmt.Errorf("window %q: %w", w.Name, err)
			}
		} else {
			if _, err := a.run(ctx, "new-window", "-t", a.Session, "-n", w.Name); err != nil {
				return fmt.Errorf("window %q: %w", w.Name, err)
			}
		}
		if err := a.setupWindow(ctx, target, t, &w); err != nil {
			return err
		}
	}

	if _, err := a.run(ctx, "select-window", "-t", a.Session+":0"); err != nil {
		logger.Debug("select-window failed", "session", a.Session, "error", err)
	}
	return nil
}

func (a *Applier) setupWindow(ctx context.Context, target string, t *Template, w *Window) error {
	dir := a.Workspace
	if w.Dir != "" {
		if filepath.IsAbs(w.Dir) {
			dir = w.Dir
		} else {
			dir = filepath.Join(a.Workspace, w.Dir)
		}
	}
	if err := a.sendLine(ctx, target, "cd "+shellQuote(dir)); err != nil {
		return err
	}

	for _, k := range envKeys(t.Env, w.Env) {
		v, ok := w.Env[k]
		if !ok {
			v = t.Env[k]
		}
		if err := a.sendLine(ctx, target, "export "+k+"="+shellQuote(v)); err != nil {
			return err
		}
	}

	if !defaultShells[strings.TrimSpace(w.Command)] {
		if err := a.sendLine(ctx, target, w.Command); err != nil {
			return err
		}
	}

	if len(w.Inject) > 0 {
		a.awaitReady(ctx, target, w.Ready)
		for _, line := range w.Inject {
			if err := a.sendLine(ctx, target, line); err != nil {
				return err
			}
			sleepCtx(ctx, injectLineGap)
		}
	}
	return nil
}

func (a *Applier) sendLine(ctx context.Context, target, line string) error {
	_, err := a.run(ctx, "send-keys", "-t", target, line, "Enter")
	return err
}

// waitForSession polls has-session until the multiplexer is up.
func (a *Applier) waitForSession(ctx context.Context) error {
	deadline := time.Now().Add(sessionWaitTimeout)
	for {
		if _, err := a.run(ctx, "has-session", "-t", a.Session); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session %q did not appear within %s", a.Session, sessionWaitTimeout)
		}
		sleepCtx(ctx, 200*time.Millisecond)
	}
}

// awaitReady blocks until the window looks ready. Default policy: the pane
// content has been byte-stable for readyIdleThreshold. Timeout means ready.
func (a *Applier) awaitReady(ctx context.Context, target string, policy *ReadyPolicy) {
	if policy != nil && policy.Mode == "delay" {
		delay := time.Duration(policy.DelayMS) * time.Millisecond
		if delay <= 0 {
			delay = time.Second
		}
		sleepCtx(ctx, delay)
		return
	}

	timeout := readyDefaultTimeout
	if policy != nil && policy.TimeoutMS > 0 {
		timeout = time.Duration(policy.TimeoutMS) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	var last string
	var stableSince time.Time
	for time.Now().Before(deadline) {
		pane, err := a.run(ctx, "capture-pane", "-p", "-t", target)
		if err == nil {
			if pane == last {
				if !stableSince.IsZero() && time.Since(stableSince) >= readyIdleThreshold {
					return
				}
				if stableSince.IsZero() {
					stableSince = time.Now()
				}
			} else {
				last = pane
				stableSince = time.Now()
			}
		}
		sleepCtx(ctx, readyPollInterval)
		if ctx.Err() != nil {
			return
		}
	}
	// Best-effort ready by timeout.
}

func envKeys(base, override map[string]string) []string {
	seen := make(map[string]bool)
	var keys []string
	for k := range base {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range override {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
