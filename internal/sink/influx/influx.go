// Package influx writes price records to an InfluxDB v2 bucket.
package influx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	httpapi "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

const (
	defaultBatchSize    = 1000
	defaultVerifyWindow = 5 * 365 * 24 * time.Hour
)

type Config struct {
	URL          string
	Token        string
	Org          string
	Bucket       string
	Instrument   string
	Measurement  string // defaults to <instrument>_stock
	Timeout      time.Duration
	VerifyWindow time.Duration
}

type Option func(*Sink)

// WithClock overrides the clock used to compute the verification range.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// Sink writes one point per record to a measurement. Fields are open, high,
// low and close as floats and volume as an integer; the timestamp is the
// trading date.
type Sink struct {
	client       influxdb2.Client
	writer       api.WriteAPIBlocking
	querier      api.QueryAPI
	bucket       string
	measurement  string
	verifyWindow time.Duration
	now          func() time.Time

	lastWritten time.Time
}

var _ sink.Sink = (*Sink)(nil)

func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: url, org and bucket are required")
	}

	measurement := cfg.Measurement
	if measurement == "" {
		name, err := price.NormalizeInstrument(cfg.Instrument)
		if err != nil {
			return nil, err
		}
		measurement = name + "_stock"
	}

	options := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		// whole seconds, rounded up
		options.SetHTTPRequestTimeout(uint(math.Ceil(cfg.Timeout.Seconds())))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)

	s := &Sink{
		client:       client,
		writer:       client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		querier:      client.QueryAPI(cfg.Org),
		bucket:       cfg.Bucket,
		measurement:  measurement,
		verifyWindow: cfg.VerifyWindow,
		now:          time.Now,
	}
	if s.verifyWindow <= 0 {
		s.verifyWindow = defaultVerifyWindow
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sink) Name() string { return "influx" }

func (s *Sink) DefaultBatchSize() int { return defaultBatchSize }

func (s *Sink) Measurement() string { return s.measurement }

func (s *Sink) WriteBatch(ctx context.Context, records []price.Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*write.Point, len(records))
	for i, r := range records {
		points[i] = write.NewPoint(s.measurement, nil, map[string]any{
			"open":   r.Open.InexactFloat64(),
			"high":   r.High.InexactFloat64(),
			"low":    r.Low.InexactFloat64(),
			"close":  r.Close.InexactFloat64(),
			"volume": r.Volume,
		}, r.Date)
	}

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return classify(fmt.Errorf("write points: %w", err))
	}

	for _, r := range records {
		if r.Date.After(s.lastWritten) {
			s.lastWritten = r.Date
		}
	}
	return nil
}

// Latest returns the most recent close in the measurement.
func (s *Sink) Latest(ctx context.Context) (sink.Point, error) {
	result, err := s.querier.QueryWithParams(ctx, s.latestQuery(), latestParams{
		Bucket:      s.bucket,
		Measurement: s.measurement,
	})
	if err != nil {
		return sink.Point{}, classify(fmt.Errorf("query latest close: %w", err))
	}
	defer func() { _ = result.Close() }()

	var (
		p     sink.Point
		found bool
	)
	for result.Next() {
		rec := result.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			return sink.Point{}, fmt.Errorf("query latest close: unexpected value type %T", rec.Value())
		}
		p = sink.Point{Date: price.Day(rec.Time().UTC()), Close: decimal.NewFromFloat(v)}
		found = true
	}
	if err := result.Err(); err != nil {
		return sink.Point{}, classify(fmt.Errorf("query latest close: %w", err))
	}
	if !found {
		return sink.Point{}, sink.ErrNoData
	}
	return p, nil
}

// latestParams are bound to the query as Flux parameters, so names are
// never parsed as Flux source.
type latestParams struct {
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement"`
}

// latestQuery looks back VerifyWindow from now. The range is moved back to
// the newest written date when that date falls before the window.
func (s *Sink) latestQuery() string {
	start := s.now().UTC().Add(-s.verifyWindow)
	if !s.lastWritten.IsZero() && s.lastWritten.Before(start) {
		start = s.lastWritten
	}
	return fmt.Sprintf(`from(bucket: params.bucket)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == params.measurement)
  |> filter(fn: (r) => r._field == "close")
  |> last()`, start.Format(time.RFC3339))
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// classify marks rate limiting, server errors and network failures as
// transient. Other client errors are permanent.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var he *httpapi.Error
	if errors.As(err, &he) {
		if he.StatusCode == 0 || he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= http.StatusInternalServerError {
			return sink.Transient(err)
		}
		return err
	}
	return sink.Transient(err)
}
