package price

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Stats summarizes a daily close series.
type Stats struct {
	Instrument      string    `json:"instrument"`
	Count           int       `json:"count"`
	FirstDate       time.Time `json:"firstDate"`
	LastDate        time.Time `json:"lastDate"`
	DaysCovered     int       `json:"daysCovered"`
	LastClose       float64   `json:"lastClose"`
	MeanClose       float64   `json:"meanClose"`
	MedianClose     float64   `json:"medianClose"`
	MinClose        float64   `json:"minClose"`
	MinCloseDate    time.Time `json:"minCloseDate"`
	MaxClose        float64   `json:"maxClose"`
	MaxCloseDate    time.Time `json:"maxCloseDate"`
	StdDevClose     float64   `json:"stdDevClose"`
	TotalVolume     int64     `json:"totalVolume"`
	MeanDailyReturn float64   `json:"meanDailyReturn"`
	StdDailyReturn  float64   `json:"stdDailyReturn"`
}

// Summarize computes Stats over records. Records need not be sorted.
func Summarize(records []Record) Stats {
	var s Stats
	if len(records) == 0 {
		return s
	}

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	closes := make([]float64, len(sorted))
	s.Count = len(sorted)
	s.FirstDate = sorted[0].Date
	s.LastDate = sorted[len(sorted)-1].Date
	s.DaysCovered = int(s.LastDate.Sub(s.FirstDate).Hours() / 24)

	s.MinClose = math.Inf(1)
	s.MaxClose = math.Inf(-1)
	for i, r := range sorted {
		c := r.Close.InexactFloat64()
		closes[i] = c
		s.TotalVolume += r.Volume
		if c < s.MinClose {
			s.MinClose, s.MinCloseDate = c, r.Date
		}
		if c > s.MaxClose {
			s.MaxClose, s.MaxCloseDate = c, r.Date
		}
	}
	s.LastClose = closes[len(closes)-1]
	s.MeanClose, s.StdDevClose = meanStd(closes)
	s.MedianClose = median(closes)

	if len(closes) > 1 {
		returns := make([]float64, 0, len(closes)-1)
		for i := 1; i < len(closes); i++ {
			if closes[i-1] == 0 {
				continue
			}
			returns = append(returns, closes[i]/closes[i-1]-1)
		}
		s.MeanDailyReturn, s.StdDailyReturn = meanStd(returns)
	}
	return s
}

// meanStd returns the mean and the sample standard deviation.
func meanStd(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// median averages the two middle values of an even-length series. The
// empirical quantile alone returns the lower one.
func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	lower := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if len(sorted)%2 == 1 {
		return lower
	}
	n := len(sorted)
	upper := stat.Quantile((float64(n/2)+0.5)/float64(n), stat.Empirical, sorted, nil)
	return (lower + upper) / 2
}
