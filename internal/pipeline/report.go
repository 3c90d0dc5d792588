package pipeline

import (
	"github.com/ahmethakanbesel/priceload/internal/normalize"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

// Report summarizes one pipeline run.
type Report struct {
	RowsRead     int
	RowsRejected int
	// Dropped counts records removed by the integrity policy.
	Dropped    int
	Duplicates int
	// Records is the number of unique records sent to each sink.
	Records     int
	Warnings    []*normalize.IntegrityWarning
	RowFailures []error
	Sinks       []SinkReport
}

type SinkReport struct {
	Name     string
	Batches  int
	Rows     int
	Retries  int
	Verified bool
	Latest   sink.Point
}

// RowsWritten is the number of records every sink acknowledged.
func (r *Report) RowsWritten() int {
	if len(r.Sinks) == 0 {
		return 0
	}
	n := r.Sinks[0].Rows
	for _, s := range r.Sinks[1:] {
		n = min(n, s.Rows)
	}
	return n
}
