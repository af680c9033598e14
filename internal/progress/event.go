package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the workflow step an Event reports on.
type Stage string

// Supported progress stages.
const (
	StageSession     Stage = "session"
	StageCalibrate   Stage = "calibrate"
	StageDiscover    Stage = "discover"
	StageRunTest     Stage = "run_test"
	StageFetchResult Stage = "fetch_result"
)

// Status is the lifecycle position of a stage.
type Status string

// Supported stage statuses. Failed marks a test whose attempts were exhausted
// without a committed result.
const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends a stage.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusFailed
}

// Event captures a single step of session progress.
type Event struct {
	// SessionID identifies the workflow run using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which workflow step occurred.
	Stage Stage
	// Status is the step's lifecycle position.
	Status Status
	// URL is the page under test for run_test and fetch_result events.
	URL string
	// ID is the content address of a committed result.
	ID string
	// URLs counts the pages found by discovery.
	URLs int
	// Multiplier carries the calibrated CPU slowdown multiplier.
	Multiplier float64
	// Dur captures the step's execution latency.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSession, StageCalibrate, StageDiscover:
	case StageRunTest, StageFetchResult:
		if e.URL == "" && e.ID == "" {
			return fmt.Errorf("%s requires url or id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	switch e.Status {
	case StatusInProgress, StatusSuccess, StatusError, StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
