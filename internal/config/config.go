// Package config manages the freeform JSON key/value configuration file at
// ~/.frameline/config.json. Keys are arbitrary strings; provider API keys
// stored here are forwarded into frame containers by name.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const fileName = "config.json"

// KeyDatabaseURL overrides the default sqlite path when set. The
// DATABASE_URL environment variable wins over the file value.
const KeyDatabaseURL = "database_url"

var sensitiveKey = regexp.MustCompile(`(?i)(api_key|secret|token|password)`)

// Manager reads and writes the config file. Safe for concurrent use.
type Manager struct {
	path string
	mu   sync.Mutex
	data map[string]string
}

// Open loads the config file from dir, creating an empty manager when the
// file does not exist yet.
func Open(dir string) (*Manager, error) {
	m := &Manager{
		path: filepath.Join(dir, fileName),
		data: make(map[string]string),
	}
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// Get returns the value for key, with DATABASE_URL honored as an env
// override for the database key.
func (m *Manager) Get(key string) string {
	if key == KeyDatabaseURL {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			return v
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

// Set stores key=value and persists immediately.
func (m *Manager) Set(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return m.save()
}

// Delete removes key and persists.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return m.save()
}

// GetAll returns a copy of every key/value pair.
func (m *Manager) GetAll() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Keys returns all keys sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// save writes the file atomically (write temp, rename).
func (m *Manager) save() error {
	m.mu.Lock()
	raw, err := json.MarshalIndent(m.data, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// IsSensitive reports whether a key holds secret material.
func IsSensitive(key string) bool {
	return sensitiveKey.MatchString(key)
}

// MaskValue renders a value for display: sensitive values keep the first 8
// and last 4 characters, short values are fully redacted.
func MaskValue(key, value string) string {
	if !IsSensitive(key) {
		return value
	}
	if len(value) <= 12 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + "..." + value[len(value)-4:]
}

// ProviderKeyEnv returns the env var name that carries the API key for a
// model provider inside a frame container.
func ProviderKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "google", "gemini":
		return "GEMINI_API_KEY"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

// KnownProvider reports whether the tag has a dedicated key mapping.
func KnownProvider(provider string) bool {
	switch strings.ToLower(provider) {
	case "anthropic", "openai", "openrouter", "google", "gemini":
		return true
	}
	return false
}

// ProviderKeys returns every configured key that looks like a provider API
// key, for forwarding into containers by name.
func (m *Manager) ProviderKeys() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasSuffix(k, "_api_key") && v != "" {
			provider := strings.TrimSuffix(k, "_api_key")
			out[ProviderKeyEnv(provider)] = v
		}
	}
	return out
}
