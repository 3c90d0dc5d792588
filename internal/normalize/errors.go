package normalize

import (
	"fmt"
	"time"

	"github.com/ahmethakanbesel/priceload/internal/price"
)

// InvalidDateError reports a Date field that matches no accepted layout.
type InvalidDateError struct {
	Row   int
	Value string
	Err   error
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("row %d: invalid date %q: %v", e.Row, e.Value, e.Err)
}

func (e *InvalidDateError) Unwrap() error { return e.Err }

// InvalidNumericError reports a price or volume field that is not a valid
// number for its column.
type InvalidNumericError struct {
	Row    int
	Field  string
	Value  string
	Reason string
}

func (e *InvalidNumericError) Error() string {
	return fmt.Sprintf("row %d: invalid %s %q: %s", e.Row, e.Field, e.Value, e.Reason)
}

// IntegrityWarning reports a record whose prices break the OHLC ordering.
// It is not fatal; the integrity policy decides whether the record is kept.
type IntegrityWarning struct {
	Row    int
	Date   time.Time
	Reason string
}

func (w *IntegrityWarning) Error() string {
	return fmt.Sprintf("row %d (%s): integrity: %s", w.Row, w.Date.Format(price.DateFormat), w.Reason)
}
