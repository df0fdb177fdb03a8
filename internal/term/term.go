// Package term attaches pseudo-terminals to the tmux session inside a
// running frame. One PTY child process per open channel; output, exit, and
// error signals are delivered to the owner over a single event stream.
package term

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/frameline/frameline/internal/logger"
)

// detachSequence is the tmux default prefix (C-b) followed by "d".
var detachSequence = []byte{0x02, 'd'}

const closeGrace = 3 * time.Second

var (
	ErrChannelExists  = errors.New("channel already open")
	ErrChannelUnknown = errors.New("channel not open")
)

type EventKind int

const (
	EventData EventKind = iota
	EventExit
	EventError
)

// Event is one signal from an attached terminal.
type Event struct {
	ChannelID string
	Kind      EventKind
	Data      []byte
	ExitCode  int
	Err       error
}

// Manager owns every attached terminal, keyed by channelId.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	events   chan Event

	// attachCmd builds the attach process. Overridable in tests.
	attachCmd func(socket, name string) *exec.Cmd
}

type session struct {
	channelID string
	socket    string
	name      string
	cmd       *exec.Cmd
	ptmx      *os.File
	done      chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		events:   make(chan Event, 256),
		attachCmd: func(socket, name string) *exec.Cmd {
			return exec.Command("tmux", "-S", socket, "attach-session", "-t", name)
		},
	}
}

// Events returns the signal stream. The owner must drain it.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Open spawns a PTY attached to the tmux session behind socket. A second
// open on the same channelId fails without touching the existing session.
func (m *Manager) Open(channelID, socket, name string, cols, rows int) error {
	m.mu.Lock()
	if _, ok := m.sessions[channelID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelExists, channelID)
	}
	// Reserve the slot before spawning so concurrent opens can't race.
	m.sessions[channelID] = nil
	m.mu.Unlock()

	cmd := m.attachCmd(socket, name)
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, channelID)
		m.mu.Unlock()
		return fmt.Errorf("attach pty: %w", err)
	}

	s := &session{
		channelID: channelID,
		socket:    socket,
		name:      name,
		cmd:       cmd,
		ptmx:      ptmx,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[channelID] = s
	m.mu.Unlock()

	go m.readLoop(s)
	logger.Debug("terminal attached", "channel", channelID, "session", name)
	return nil
}

func (m *Manager) readLoop(s *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.events <- Event{ChannelID: s.channelID, Kind: EventData, Data: data}
		}
		if err != nil {
			break
		}
	}

	err := s.cmd.Wait()
	close(s.done)
	s.ptmx.Close()

	m.mu.Lock()
	if m.sessions[s.channelID] == s {
		delete(m.sessions, s.channelID)
	}
	m.mu.Unlock()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	m.events <- Event{ChannelID: s.channelID, Kind: EventExit, ExitCode: code}
}

// Write forwards raw bytes to the terminal.
func (m *Manager) Write(channelID string, b []byte) error {
	s := m.get(channelID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrChannelUnknown, channelID)
	}
	if _, err := s.ptmx.Write(b); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// Resize adjusts the host PTY and tells tmux to resize the session window.
// The PTY side alone is not enough: tmux sizes the window to the smallest
// attached client, so the remote session must be resized explicitly.
func (m *Manager) Resize(channelID string, cols, rows int) error {
	s := m.get(channelID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrChannelUnknown, channelID)
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	if s.socket != "" {
		cmd := exec.Command("tmux", "-S", s.socket, "resize-window",
			"-t", s.name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
		if err := cmd.Run(); err != nil {
			logger.Debug("tmux resize-window failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

// Close detaches the channel: first the tmux detach key sequence, then
// SIGTERM after a grace period if the attach process is still alive.
func (m *Manager) Close(channelID string) {
	s := m.get(channelID)
	if s == nil {
		return
	}
	s.ptmx.Write(detachSequence)
	go func() {
		select {
		case <-s.done:
		case <-time.After(closeGrace):
			if s.cmd.Process != nil {
				s.cmd.Process.Signal(syscall.SIGTERM)
			}
		}
	}()
}

// CloseAll tears down every open channel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// Count returns the number of open channels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

func (m *Manager) get(channelID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[channelID]
}
