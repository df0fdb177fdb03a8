package store

import "time"

// Status is the frame lifecycle state. Transitions follow the supervisor's
// state machine; the store only enforces the value domain.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ValidStatus reports whether s is in the allowed domain.
func ValidStatus(s Status) bool {
	switch s {
	case StatusCreated, StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusError:
		return true
	}
	return false
}

// Event kinds recorded in the frame lifecycle log.
const (
	EventCreated       = "created"
	EventStarted       = "started"
	EventStopped       = "stopped"
	EventError         = "error"
	EventConfigChanged = "config_changed"
	EventDestroyed     = "destroyed"
)

// Frame is one containerized workspace record.
type Frame struct {
	ID              string
	Name            string
	Description     string
	WorkspacePath   string
	ContainerID     string // empty until a container is created
	Status          Status
	HostPort        int // 0 = unassigned
	Template        string
	GraphitiGroupID string // knowledge-graph grouping key, "frame:<id>"
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastActivity    time.Time // zero when never attached
}

// FrameConfig is the optional structured blob attached per frame, applied at
// container creation and kept for future restarts.
type FrameConfig struct {
	Manager ManagerConfig   `json:"manager,omitempty"`
	Ports   PortsConfig     `json:"ports,omitempty"`
	Flags   map[string]bool `json:"flags,omitempty"`
}

// ManagerConfig holds the model-provider settings for a frame.
type ManagerConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	BaseURL     string   `json:"baseUrl,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	APIKey      string   `json:"apiKey,omitempty"` // per-frame key, wins over global
}

// PortsConfig holds the container-side port preferences.
type PortsConfig struct {
	ServicePort     int   `json:"servicePort,omitempty"` // inside the container
	AdditionalPorts []int `json:"additionalPorts,omitempty"`
}

// Event is one append-only lifecycle record.
type Event struct {
	ID        int64
	FrameID   string
	Kind      string
	Details   string // JSON blob, may be empty
	CreatedAt time.Time
}

// FrameUpdate is a partial update; nil fields are left untouched.
type FrameUpdate struct {
	Description  *string
	ContainerID  *string
	Status       *Status
	HostPort     *int
	Template     *string
	LastActivity *time.Time
}
