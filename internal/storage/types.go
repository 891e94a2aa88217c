package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file backend
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is the persisted outcome of one task instance.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Queue      string    `json:"queue"`
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
