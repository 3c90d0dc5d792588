// Package normalize turns raw CSV rows into validated price records.
package normalize

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/priceload/internal/loader"
	"github.com/ahmethakanbesel/priceload/internal/price"
)

// Policy decides what happens to a record that violates the OHLC ordering.
type Policy string

const (
	PolicyPass Policy = "pass"
	PolicyDrop Policy = "drop"
)

// ParsePolicy accepts "pass" or "drop".
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyPass, PolicyDrop:
		return p, nil
	default:
		return "", fmt.Errorf("unknown integrity policy %q (want pass or drop)", s)
	}
}

// DefaultDateLayouts are tried in order. Date-time layouts cover exports
// that stamp each day with the exchange's local midnight.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"20060102",
	"Jan 2, 2006",
	"2 Jan 2006",
}

var (
	priceFields = []string{"Open", "High", "Low", "Close"}
	maxVolume   = decimal.NewFromInt(math.MaxInt64)
)

// Result is the outcome of normalizing one row. Warning is set when the
// record breaks low <= open,close <= high; Keep tells whether the record
// should be written under the configured policy.
type Result struct {
	Record  price.Record
	Warning *IntegrityWarning
	Keep    bool
}

type Normalizer struct {
	policy  Policy
	layouts []string
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		policy:  PolicyPass,
		layouts: DefaultDateLayouts,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

type Option func(*Normalizer)

// WithIntegrityPolicy sets how OHLC ordering violations are handled.
func WithIntegrityPolicy(p Policy) Option {
	return func(n *Normalizer) { n.policy = p }
}

// WithDateLayouts replaces the accepted date layouts.
func WithDateLayouts(layouts ...string) Option {
	return func(n *Normalizer) { n.layouts = layouts }
}

func (n *Normalizer) Policy() Policy { return n.policy }

// Normalize parses row into a price.Record. Parse failures are returned as
// *InvalidDateError or *InvalidNumericError naming the row and field.
func (n *Normalizer) Normalize(row loader.Row) (Result, error) {
	var rec price.Record

	date, err := n.parseDate(row.Fields["Date"])
	if err != nil {
		return Result{}, &InvalidDateError{Row: row.Index, Value: row.Fields["Date"], Err: err}
	}
	rec.Date = date

	prices := make([]decimal.Decimal, len(priceFields))
	for i, field := range priceFields {
		v, err := parsePrice(row.Fields[field])
		if err != nil {
			return Result{}, &InvalidNumericError{Row: row.Index, Field: field, Value: row.Fields[field], Reason: err.Error()}
		}
		prices[i] = v
	}
	rec.Open, rec.High, rec.Low, rec.Close = prices[0], prices[1], prices[2], prices[3]

	vol, err := parseVolume(row.Fields["Volume"])
	if err != nil {
		return Result{}, &InvalidNumericError{Row: row.Index, Field: "Volume", Value: row.Fields["Volume"], Reason: err.Error()}
	}
	rec.Volume = vol

	res := Result{Record: rec, Keep: true}
	if reason := rec.CheckIntegrity(); reason != "" {
		res.Warning = &IntegrityWarning{Row: row.Index, Date: rec.Date, Reason: reason}
		res.Keep = n.policy != PolicyDrop
	}
	return res, nil
}

func (n *Normalizer) parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range n.layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return price.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("no known layout matches %q", s)
}

// cleanNumber strips currency symbols and thousands separators.
func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.TrimSpace(s)
}

func parsePrice(s string) (decimal.Decimal, error) {
	s = cleanNumber(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("not a decimal")
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("price must be positive")
	}
	return d, nil
}

func parseVolume(s string) (int64, error) {
	s = cleanNumber(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("volume must not be negative")
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("volume must be a whole number")
	}
	if d.GreaterThan(maxVolume) {
		return 0, fmt.Errorf("volume out of range")
	}
	return d.IntPart(), nil
}
