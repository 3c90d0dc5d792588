// Package loader reads OHLCV rows from CSV input.
//
// A Loader is restartable: every call to Rows opens the input again and
// yields rows lazily, so the same Loader can be iterated more than once.
package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

// Required lists the header columns every input must carry.
var Required = []string{"Date", "Open", "High", "Low", "Close", "Volume"}

// Row is one data line keyed by canonical column name. Index is the
// 1-based position of the row after the header.
type Row struct {
	Index  int
	Fields map[string]string
}

// MalformedInputError reports input that cannot be read as an OHLCV table.
// Row is 0 for header problems and the data row index otherwise.
type MalformedInputError struct {
	Row     int
	Missing []string
	Err     error
}

func (e *MalformedInputError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("malformed input: missing required columns %s", strings.Join(e.Missing, ", "))
	case e.Row == 0:
		return fmt.Sprintf("malformed input: header: %v", e.Err)
	default:
		return fmt.Sprintf("malformed input: row %d: %v", e.Row, e.Err)
	}
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Fatal reports whether the error concerns the whole input rather than a
// single row.
func (e *MalformedInputError) Fatal() bool { return e.Row == 0 }

type Loader struct {
	open  func() (io.ReadCloser, error)
	comma rune
}

// New creates a Loader that calls open at the start of every iteration.
func New(open func() (io.ReadCloser, error), opts ...Option) *Loader {
	l := &Loader{open: open, comma: ','}
	for _, o := range opts {
		o(l)
	}
	return l
}

type Option func(*Loader)

// WithComma sets the field delimiter.
func WithComma(r rune) Option {
	return func(l *Loader) { l.comma = r }
}

// FromFile loads from the file at path.
func FromFile(path string, opts ...Option) *Loader {
	return New(func() (io.ReadCloser, error) {
		return os.Open(path) //nolint:gosec // path comes from configuration
	}, opts...)
}

// FromReadSeeker loads from rs, rewinding it before each iteration.
func FromReadSeeker(rs io.ReadSeeker, opts ...Option) *Loader {
	return New(func() (io.ReadCloser, error) {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind input: %w", err)
		}
		return io.NopCloser(rs), nil
	}, opts...)
}

// FromBytes loads from an in-memory copy of b.
func FromBytes(b []byte, opts ...Option) *Loader {
	return FromReadSeeker(bytes.NewReader(b), opts...)
}

// Rows yields every data row in input order. A header problem is yielded
// as a fatal *MalformedInputError and ends the sequence; a broken data line
// is yielded as a non-fatal one and iteration continues.
func (l *Loader) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		rc, err := l.open()
		if err != nil {
			yield(Row{}, fmt.Errorf("open input: %w", err))
			return
		}
		defer func() { _ = rc.Close() }()

		reader := csv.NewReader(rc)
		reader.Comma = l.comma
		reader.TrimLeadingSpace = true

		header, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("input is empty")
			}
			yield(Row{}, &MalformedInputError{Err: err})
			return
		}

		columns, missing := mapHeader(header)
		if len(missing) > 0 {
			yield(Row{}, &MalformedInputError{Missing: missing})
			return
		}

		for index := 1; ; index++ {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}

			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if !yield(Row{Index: index}, &MalformedInputError{Row: index, Err: err}) {
					return
				}
				continue
			}
			if isBlank(record) {
				index--
				continue
			}

			fields := make(map[string]string, len(columns))
			for name, pos := range columns {
				fields[name] = strings.TrimSpace(record[pos])
			}
			if !yield(Row{Index: index, Fields: fields}, nil) {
				return
			}
		}
	}
}

// mapHeader locates the required columns, ignoring case, surrounding
// whitespace and a leading byte order mark.
func mapHeader(header []string) (map[string]int, []string) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		positions[strings.ToLower(strings.TrimSpace(h))] = i
	}

	columns := make(map[string]int, len(Required))
	var missing []string
	for _, name := range Required {
		pos, ok := positions[strings.ToLower(name)]
		if !ok {
			missing = append(missing, name)
			continue
		}
		columns[name] = pos
	}
	return columns, missing
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
