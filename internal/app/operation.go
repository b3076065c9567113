package app

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks one CLI invocation. Its ID tags every log line the
// invocation writes, so interleaved processes can be told apart in the log.
type Operation struct {
	ID         string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
}

// NewOperation starts an operation named after the command being run.
func NewOperation(name string, now time.Time) *Operation {
	now = now.UTC()
	return &Operation{
		ID:        now.Format("20060102T150405Z") + "-" + uuid.NewString()[:8],
		Name:      name,
		StartedAt: now,
		Status:    StatusRunning,
	}
}

// Finish records the outcome. Only the first call has an effect.
func (op *Operation) Finish(err error, now time.Time) {
	if op.Finished() {
		return
	}
	op.FinishedAt = now.UTC()
	op.Status = StatusSuccess
	if err != nil {
		op.Status = StatusError
	}
}

func (op *Operation) Finished() bool {
	return op.Status != StatusRunning
}

func (op *Operation) Duration() time.Duration {
	if !op.Finished() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
