// Package store persists frame records, per-frame config blobs, and the
// lifecycle event log in sqlite.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound      = errors.New("frame not found")
	ErrDuplicateName = errors.New("frame name already exists")
	ErrDuplicatePort = errors.New("host port already allocated")
	ErrBadStatus     = errors.New("invalid frame status")
)

// Store wraps the sqlite database. A single supervisor process owns writes;
// the store itself is safe for concurrent use within that process.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle, for diagnostics only.
func (s *Store) DB() *sql.DB { return s.db }

// CreateFrame inserts a frame and, when cfg is non-nil, its config blob in
// one transaction. A failure on either leaves nothing behind.
func (s *Store) CreateFrame(f *Frame, cfg *FrameConfig) error {
	if !ValidStatus(f.Status) {
		return fmt.Errorf("%w: %q", ErrBadStatus, f.Status)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err = tx.Exec(`INSERT INTO frames
		(id, name, description, workspace_path, container_id, status, host_port,
		 template, graphiti_group_id, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Description, f.WorkspacePath,
		nullString(f.ContainerID), string(f.Status), nullInt(f.HostPort),
		nullString(f.Template), f.GraphitiGroupID,
		f.CreatedAt.Unix(), f.UpdatedAt.Unix(), nullTime(f.LastActivity))
	if err != nil {
		return wrapConstraint(err)
	}

	if cfg != nil {
		blob, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO frame_configs (frame_id, config, updated_at)
			VALUES (?, ?, ?)`, f.ID, string(blob), now.Unix()); err != nil {
			return fmt.Errorf("insert config: %w", err)
		}
	}

	return tx.Commit()
}

// GetFrame returns a copy of the frame with the given id, or ErrNotFound.
func (s *Store) GetFrame(id string) (*Frame, error) {
	return s.scanFrame(s.db.QueryRow(selectFrame+" WHERE id = ?", id))
}

// GetFrameByName resolves a frame by its unique human name.
func (s *Store) GetFrameByName(name string) (*Frame, error) {
	return s.scanFrame(s.db.QueryRow(selectFrame+" WHERE name = ?", name))
}

// ListFrames returns frames newest-first, optionally filtered by status.
func (s *Store) ListFrames(status Status) ([]*Frame, error) {
	query := selectFrame
	var args []any
	if status != "" {
		if !ValidStatus(status) {
			return nil, fmt.Errorf("%w: %q", ErrBadStatus, status)
		}
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []*Frame
	for rows.Next() {
		f, err := s.scanFrameRow(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// UpdateFrame applies the non-nil fields of u and bumps updated_at.
func (s *Store) UpdateFrame(id string, u FrameUpdate) error {
	var sets []string
	var args []any
	if u.Description != nil {
		sets, args = append(sets, "description = ?"), append(args, *u.Description)
	}
	if u.ContainerID != nil {
		sets, args = append(sets, "container_id = ?"), append(args, nullString(*u.ContainerID))
	}
	if u.Status != nil {
		if !ValidStatus(*u.Status) {
			return fmt.Errorf("%w: %q", ErrBadStatus, *u.Status)
		}
		sets, args = append(sets, "status = ?"), append(args, string(*u.Status))
	}
	if u.HostPort != nil {
		sets, args = append(sets, "host_port = ?"), append(args, nullInt(*u.HostPort))
	}
	if u.Template != nil {
		sets, args = append(sets, "template = ?"), append(args, nullString(*u.Template))
	}
	if u.LastActivity != nil {
		sets, args = append(sets, "last_activity = ?"), append(args, u.LastActivity.Unix())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), id)

	res, err := s.db.Exec("UPDATE frames SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrapConstraint(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFrame removes the frame; config and events cascade.
func (s *Store) DeleteFrame(id string) error {
	res, err := s.db.Exec("DELETE FROM frames WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete frame: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConfig returns the frame's config blob, or nil when none is stored.
func (s *Store) GetConfig(frameID string) (*FrameConfig, error) {
	var blob string
	err := s.db.QueryRow("SELECT config FROM frame_configs WHERE frame_id = ?", frameID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var cfg FrameConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// SetConfig upserts the frame's config blob.
func (s *Store) SetConfig(frameID string, cfg *FrameConfig) error {
	if _, err := s.GetFrame(frameID); err != nil {
		return err
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO frame_configs (frame_id, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(frame_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		frameID, string(blob), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// AppendEvent records one lifecycle event. details may be nil; otherwise it
// is stored as JSON.
func (s *Store) AppendEvent(frameID, kind string, details any) error {
	var detailJSON sql.NullString
	if details != nil {
		blob, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		detailJSON = sql.NullString{String: string(blob), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO frame_events (frame_id, event, details, created_at)
		VALUES (?, ?, ?, ?)`, frameID, kind, detailJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first, at most limit of them.
func (s *Store) ListEvents(frameID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, frame_id, event, details, created_at
		FROM frame_events WHERE frame_id = ? ORDER BY id DESC LIMIT ?`, frameID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.FrameID, &e.Kind, &details, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Details = details.String
		e.CreatedAt = time.Unix(created, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// UsedPorts returns every allocated base port, sorted ascending.
func (s *Store) UsedPorts() ([]int, error) {
	rows, err := s.db.Query("SELECT host_port FROM frames WHERE host_port IS NOT NULL ORDER BY host_port")
	if err != nil {
		return nil, fmt.Errorf("used ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

const selectFrame = `SELECT id, name, description, workspace_path, container_id,
	status, host_port, template, graphiti_group_id, created_at, updated_at, last_activity
	FROM frames`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanFrame(row *sql.Row) (*Frame, error) {
	f, err := s.scanFrameRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *Store) scanFrameRow(row rowScanner) (*Frame, error) {
	var f Frame
	var containerID, template sql.NullString
	var hostPort sql.NullInt64
	var created, updated int64
	var lastActivity sql.NullInt64
	var status string

	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.WorkspacePath,
		&containerID, &status, &hostPort, &template, &f.GraphitiGroupID,
		&created, &updated, &lastActivity)
	if err != nil {
		return nil, err
	}
	f.ContainerID = containerID.String
	f.Status = Status(status)
	f.HostPort = int(hostPort.Int64)
	f.Template = template.String
	f.CreatedAt = time.Unix(created, 0)
	f.UpdatedAt = time.Unix(updated, 0)
	if lastActivity.Valid {
		f.LastActivity = time.Unix(lastActivity.Int64, 0)
	}
	return &f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullTime(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.Unix(), Valid: !t.IsZero()}
}

func wrapConstraint(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "frames.name"):
		return fmt.Errorf("%w: %v", ErrDuplicateName, err)
	case strings.Contains(msg, "frames.host_port"):
		return fmt.Errorf("%w: %v", ErrDuplicatePort, err)
	case strings.Contains(msg, "CHECK"):
		return fmt.Errorf("%w: %v", ErrBadStatus, err)
	}
	return err
}
