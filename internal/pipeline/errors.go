package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

// SinkWriteError reports a sink call that failed permanently or ran out of
// retry attempts. Batch is the 0-based batch index and Offset the position of
// the batch's first record in the ordered record set. Op is "prepare" or
// "write".
type SinkWriteError struct {
	Sink     string
	Op       string
	Batch    int
	Offset   int
	Size     int
	Attempts int
	Err      error
}

func (e *SinkWriteError) Error() string {
	if e.Op == opPrepare {
		return fmt.Sprintf("sink %s: prepare failed after %d attempt(s): %v", e.Sink, e.Attempts, e.Err)
	}
	return fmt.Sprintf("sink %s: batch %d (records %d-%d) failed after %d attempt(s): %v",
		e.Sink, e.Batch, e.Offset+1, e.Offset+e.Size, e.Attempts, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// VerificationError reports a sink whose most recent close does not match
// the last record written. Err is set when the read-back itself failed.
type VerificationError struct {
	Sink string
	Want price.Record
	Got  sink.Point
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify %s: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("verify %s: latest close %s on %s, want %s on %s",
		e.Sink,
		e.Got.Close, e.Got.Date.Format(price.DateFormat),
		e.Want.Close, e.Want.Date.Format(price.DateFormat))
}

func (e *VerificationError) Unwrap() error { return e.Err }

// RowErrors aggregates the rows rejected during a run.
type RowErrors struct {
	Errors []error
}

func (e *RowErrors) Error() string {
	if len(e.Errors) == 1 {
		return "1 row rejected: " + e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d rows rejected", len(e.Errors))
	for i, err := range e.Errors {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Errors)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *RowErrors) Unwrap() []error { return e.Errors }

// withRowErrors joins a run-level failure with the rows rejected before it.
func withRowErrors(err error, rows []error) error {
	if len(rows) == 0 {
		return err
	}
	return errors.Join(err, &RowErrors{Errors: rows})
}
