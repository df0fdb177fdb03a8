// Package template loads declarative tmux window layouts and applies them to
// a frame's live multiplexer session.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/frameline/frameline/internal/logger"
)

// Template is one window layout. The canonical name is the filename stem;
// any name field inside the document is ignored.
type Template struct {
	Name        string            `yaml:"-"`
	Description string            `yaml:"description,omitempty"`
	Extends     string            `yaml:"extends,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Windows     []Window          `yaml:"windows"`
}

// Window is one tmux window in a layout.
type Window struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Dir     string            `yaml:"dir,omitempty"` // relative to workspace unless absolute
	Env     map[string]string `yaml:"env,omitempty"`
	Inject  []string          `yaml:"inject,omitempty"`
	Ready   *ReadyPolicy      `yaml:"ready,omitempty"`
}

// ReadyPolicy controls when injected lines are sent.
type ReadyPolicy struct {
	Mode      string `yaml:"mode,omitempty"` // "wait" (default) or "delay"
	TimeoutMS int    `yaml:"timeoutMs,omitempty"`
	DelayMS   int    `yaml:"delayMs,omitempty"`
}

// Loader scans template directories. Later directories override earlier
// ones, so the user directory comes last.
type Loader struct {
	dirs []string

	mu     sync.Mutex
	cache  map[string]*Template
	loaded bool
}

func NewLoader(dirs ...string) *Loader {
	return &Loader{dirs: dirs}
}

// List returns every loaded template name, sorted.
func (l *Loader) List() ([]string, error) {
	if err := l.ensure(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.cache))
	for name := range l.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the raw (unresolved) template.
func (l *Loader) Get(name string) (*Template, error) {
	if err := l.ensure(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.cache[name]
	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}
	return t, nil
}

// Resolve returns the template with its extends chain merged in. A cycle is
// broken with a warning at the point of re-entry.
func (l *Loader) Resolve(name string) (*Template, error) {
	t, err := l.Get(name)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{name: true}
	resolved := cloneTemplate(t)
	for resolved.Extends != "" {
		parentName := resolved.Extends
		if seen[parentName] {
			logger.Warn("template inheritance cycle", "template", name, "at", parentName)
			break
		}
		seen[parentName] = true
		parent, err := l.Get(parentName)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", name, err)
		}
		resolved = merge(parent, resolved)
	}
	resolved.Extends = ""
	return resolved, nil
}

// Invalidate drops the cache; the next access rescans the directories.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

func (l *Loader) ensure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}
	l.cache = make(map[string]*Template)
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // missing dir is fine
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ext)
			t, err := parseFile(filepath.Join(dir, e.Name()))
			if err != nil {
				logger.Warn("skipping template", "file", e.Name(), "error", err)
				continue
			}
			t.Name = name
			l.cache[name] = t
		}
	}
	l.loaded = true
	return nil
}

func parseFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func validate(t *Template) error {
	if len(t.Windows) == 0 {
		// Warning, not an error: a bare template can still extend another.
		logger.Warn("template has no windows")
	}
	seen := make(map[string]bool)
	for i, w := range t.Windows {
		if w.Name == "" {
			return fmt.Errorf("window %d: name is required", i)
		}
		if w.Command == "" {
			return fmt.Errorf("window %q: command is required", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("window %q: duplicate name", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// merge resolves child over parent: same-named windows are replaced in
// place, parent-only windows are prepended in parent order, env merges with
// child keys winning.
func merge(parent, child *Template) *Template {
	out := cloneTemplate(child)
	out.Extends = parent.Extends

	childNames := make(map[string]bool, len(child.Windows))
	for _, w := range child.Windows {
		childNames[w.Name] = true
	}

	var windows []Window
	for _, w := range parent.Windows {
		if childNames[w.Name] {
			continue // child's version appears at the child's position
		}
		windows = append(windows, w)
	}
	out.Windows = append(windows, child.Windows...)

	env := make(map[string]string, len(parent.Env)+len(child.Env))
	for k, v := range parent.Env {
		env[k] = v
	}
	for k, v := range child.Env {
		env[k] = v
	}
	if len(env) > 0 {
		out.Env = env
	}
	return out
}

func cloneTemplate(t *Template) *Template {
	out := *t
	out.Windows = append([]Window(nil), t.Windows...)
	if t.Env != nil {
		out.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			out.Env[k] = v
		}
	}
	return &out
}
