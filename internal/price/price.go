package price

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DateFormat = "2006-01-02"

// Record is one trading day of OHLCV data for an instrument.
type Record struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// CheckIntegrity reports a violation of low <= open,close <= high.
// It returns an empty string when the record is consistent.
func (r Record) CheckIntegrity() string {
	switch {
	case r.High.LessThan(r.Low):
		return fmt.Sprintf("high %s is below low %s", r.High, r.Low)
	case r.Open.LessThan(r.Low) || r.Open.GreaterThan(r.High):
		return fmt.Sprintf("open %s outside [%s, %s]", r.Open, r.Low, r.High)
	case r.Close.LessThan(r.Low) || r.Close.GreaterThan(r.High):
		return fmt.Sprintf("close %s outside [%s, %s]", r.Close, r.Low, r.High)
	}
	return ""
}

// Day truncates t to its calendar date at 00:00 UTC, keeping the date as
// written in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var instrumentPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// NormalizeInstrument lowercases an instrument name and checks that it is
// safe to embed in table and measurement names.
func NormalizeInstrument(instrument string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(instrument))
	name = strings.NewReplacer(".", "_", "-", "_").Replace(name)
	if !instrumentPattern.MatchString(name) {
		return "", fmt.Errorf("invalid instrument name %q", instrument)
	}
	return name, nil
}

// TableName returns the relational table holding an instrument's prices,
// e.g. "ionq" -> "ionq_prices".
func TableName(instrument string) (string, error) {
	name, err := NormalizeInstrument(instrument)
	if err != nil {
		return "", err
	}
	return name + "_prices", nil
}
