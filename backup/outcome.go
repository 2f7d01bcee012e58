package backup

import (
	"fmt"

	"github.com/alecthomas/units"

	"github.com/cloudpg/cloudpg/blob"
)

// Status is the aggregate result of a backup session's uploads.
type Status int

// Aggregate statuses.
const (
	StatusSuccess Status = iota
	StatusPartialFailure
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartialFailure:
		return "partial-failure"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome aggregates the terminal states of all upload tasks. It is derived
// once every submitted task has finished.
type Outcome struct {
	TotalSegments  int
	Completed      int
	CompletedBytes int64
	FailedSegments []blob.ID
}

// Status derives the overall session status. A backup with any missing
// segment is not restorable, so any failure fails the session.
func (o *Outcome) Status() Status {
	switch {
	case len(o.FailedSegments) == 0:
		return StatusSuccess
	case o.Completed > 0:
		return StatusPartialFailure
	default:
		return StatusFailure
	}
}

// AllFailed reports whether not a single segment reached the backend,
// indicating a connectivity problem rather than sporadic upload failures.
func (o *Outcome) AllFailed() bool {
	return o.TotalSegments > 0 && o.Completed == 0
}

func (o *Outcome) String() string {
	return fmt.Sprintf("%v: %v/%v segments uploaded (%v), %v failed",
		o.Status(), o.Completed, o.TotalSegments, units.Base2Bytes(o.CompletedBytes), len(o.FailedSegments))
}
