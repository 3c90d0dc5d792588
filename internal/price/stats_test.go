package price

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func rec(day int, closePrice float64, volume int64) Record {
	c := decimal.NewFromFloat(closePrice)
	return Record{
		Date:   time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:   c,
		High:   c,
		Low:    c,
		Close:  c,
		Volume: volume,
	}
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSummarize(t *testing.T) {
	// deliberately unsorted
	records := []Record{
		rec(3, 12, 300),
		rec(1, 10, 100),
		rec(2, 11, 200),
		rec(4, 9, 400),
	}

	s := Summarize(records)

	if s.Count != 4 {
		t.Errorf("count = %d, want 4", s.Count)
	}
	if !s.FirstDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first date = %v", s.FirstDate)
	}
	if s.DaysCovered != 3 {
		t.Errorf("days covered = %d, want 3", s.DaysCovered)
	}
	if s.LastClose != 9 {
		t.Errorf("last close = %f, want 9", s.LastClose)
	}
	if !almost(s.MeanClose, 10.5) {
		t.Errorf("mean = %f, want 10.5", s.MeanClose)
	}
	if !almost(s.MedianClose, 10.5) {
		t.Errorf("median = %f, want 10.5", s.MedianClose)
	}
	if s.MinClose != 9 || s.MinCloseDate.Day() != 4 {
		t.Errorf("min = %f on %v", s.MinClose, s.MinCloseDate)
	}
	if s.MaxClose != 12 || s.MaxCloseDate.Day() != 3 {
		t.Errorf("max = %f on %v", s.MaxClose, s.MaxCloseDate)
	}
	if s.TotalVolume != 1000 {
		t.Errorf("total volume = %d, want 1000", s.TotalVolume)
	}
	// sample std of 10,11,12,9
	if !almost(s.StdDevClose, math.Sqrt(5.0/3.0)) {
		t.Errorf("std = %f", s.StdDevClose)
	}
	if s.MeanDailyReturn == 0 {
		t.Error("expected non-zero mean daily return")
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name string
		xs   []float64
		want float64
	}{
		{"single", []float64{7}, 7},
		{"pair", []float64{3, 1}, 2},
		{"odd", []float64{5, 1, 3, 9, 7}, 5},
		{"even six", []float64{6, 1, 5, 2, 4, 3}, 3.5},
		{"even ten", []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, 5.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := median(tt.xs); !almost(got, tt.want) {
				t.Errorf("median(%v) = %f, want %f", tt.xs, got, tt.want)
			}
		})
	}
}

func TestMeanStd(t *testing.T) {
	mean, std := meanStd([]float64{42})
	if mean != 42 || std != 0 {
		t.Errorf("single value: mean = %f, std = %f", mean, std)
	}

	mean, std = meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !almost(mean, 5) {
		t.Errorf("mean = %f, want 5", mean)
	}
	if !almost(std, math.Sqrt(32.0/7.0)) {
		t.Errorf("std = %f, want sample std", std)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Count != 0 {
		t.Errorf("count = %d, want 0", s.Count)
	}
}

func TestCheckIntegrity(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name string
		r    Record
		ok   bool
	}{
		{"consistent", Record{Open: d("10"), High: d("11"), Low: d("9.5"), Close: d("10.5")}, true},
		{"flat bar", Record{Open: d("10"), High: d("10"), Low: d("10"), Close: d("10")}, true},
		{"high below low", Record{Open: d("10"), High: d("9"), Low: d("11"), Close: d("10")}, false},
		{"open above high", Record{Open: d("12"), High: d("11"), Low: d("9"), Close: d("10")}, false},
		{"close below low", Record{Open: d("10"), High: d("11"), Low: d("9"), Close: d("8")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.r.CheckIntegrity() == ""
			if got != tt.ok {
				t.Errorf("CheckIntegrity() ok = %v, want %v (%q)", got, tt.ok, tt.r.CheckIntegrity())
			}
		})
	}
}

func TestTableName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ionq", "ionq_prices", false},
		{"IONQ", "ionq_prices", false},
		{"brk.b", "brk_b_prices", false},
		{"1abc", "", true},
		{"ionq; drop table x", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := TableName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("TableName(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("TableName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
