package run

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one ingest of a source file into the configured sinks.
type Run struct {
	ID           string    `json:"id"`
	Instrument   string    `json:"instrument"`
	SourcePath   string    `json:"sourcePath"`
	Checksum     string    `json:"checksum,omitempty"`
	Sinks        string    `json:"sinks"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	RowsRead     int64     `json:"rowsRead"`
	RowsWritten  int64     `json:"rowsWritten"`
	RowsRejected int64     `json:"rowsRejected"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// New returns a pending run with a fresh ID.
func New(instrument, sourcePath string, sinks []string) *Run {
	return &Run{
		ID:         uuid.NewString(),
		Instrument: instrument,
		SourcePath: sourcePath,
		Sinks:      strings.Join(sinks, ","),
		Status:     StatusPending,
	}
}

// SinkNames splits the stored sink list.
func (r *Run) SinkNames() []string {
	if r.Sinks == "" {
		return nil
	}
	return strings.Split(r.Sinks, ",")
}
