package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/osintflow/internal/config"
	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/dag"
	"github.com/gyaneshwarpardhi/osintflow/internal/queue"
)

var (
	ErrInvalidTransition = errors.New("invalid scan state transition")
	ErrScanNotFound      = errors.New("scan not found")
	ErrScanActive        = errors.New("scan is still active")
	ErrInvalidRequest    = errors.New("invalid scan request")
	ErrShuttingDown      = errors.New("engine is shutting down")
)

// State is a scan's lifecycle position.
type State string

const (
	StateCreated  State = "CREATED"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateStopping State = "STOPPING"
	StateFinished State = "FINISHED"
	StateAborted  State = "ABORTED"
	StateFailed   State = "ERROR-FAILED"
)

var transitions = map[State][]State{
	StateCreated:  {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StatePaused, StateStopping, StateFailed},
	StatePaused:   {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateFinished, StateAborted, StateFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateFailed
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ScanRequest starts a scan. With Modules set exactly those modules run; otherwise
// Desired selects the minimal set producing those event types; with neither, every
// registered module runs.
type ScanRequest struct {
	Target     string           `json:"target"`
	TargetType string           `json:"target_type"`
	Modules    []string         `json:"modules,omitempty"`
	Desired    []string         `json:"desired,omitempty"`
	Overrides  config.Overrides `json:"overrides,omitempty"`
}

func (r ScanRequest) validate() error {
	if r.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	if r.TargetType == "" {
		return fmt.Errorf("%w: target_type is required", ErrInvalidRequest)
	}
	return nil
}

// Stats are a scan's running counters.
type Stats struct {
	Events       int    `json:"events"`
	Produced     uint64 `json:"produced"`
	Duplicates   uint64 `json:"duplicates"`
	Invalid      uint64 `json:"invalid"`
	Dispatched   uint64 `json:"dispatched"`
	Errors       uint64 `json:"errors"`
	Timeouts     uint64 `json:"timeouts"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	Dropped      uint64 `json:"dropped"`
	Rejected     uint64 `json:"rejected"`
	Restarts     uint64 `json:"restarts"`
	InFlight     int64  `json:"in_flight"`
}

// Scan is a point-in-time snapshot of a scan session.
type Scan struct {
	ID         string                     `json:"id"`
	Target     string                     `json:"target"`
	TargetType string                     `json:"target_type"`
	Modules    []string                   `json:"modules"`
	Disabled   []string                   `json:"disabled,omitempty"`
	State      State                      `json:"state"`
	CreatedAt  time.Time                  `json:"created_at"`
	StartedAt  *time.Time                 `json:"started_at,omitempty"`
	EndedAt    *time.Time                 `json:"ended_at,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`
	Stats      Stats                      `json:"stats"`
	Queue      map[string]queue.LaneStats `json:"queue"`
	Config     config.EngineConf          `json:"config"`
	LoadResult *dag.LoadResult            `json:"load_result"`
	Failures   map[string]string          `json:"module_failures,omitempty"`
	Results    correlation.Results        `json:"-"`
}
