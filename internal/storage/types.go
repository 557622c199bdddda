package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetain bounds how many outcomes a store keeps.
const DefaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // 0 means DefaultRetain
}

// Outcome is the terminal record of one request.
// Keep it compact and schema-stable.
type Outcome struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Priority    float64           `json:"priority"`
	Attempts    int               `json:"attempts"`
	Retries     int               `json:"retries"`
	Route       string            `json:"route,omitempty"`
	Cached      bool              `json:"cached,omitempty"`
	Batched     bool              `json:"batched,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	TookMS      int64             `json:"took_ms"`
	Labels      map[string]string `json:"labels,omitempty"`
}
