package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/priceload/internal/loader"
	"github.com/ahmethakanbesel/priceload/internal/normalize"
	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
)

// memSink is an in-memory sink that upserts by date and can be scripted to
// fail.
type memSink struct {
	mu         sync.Mutex
	name       string
	defSize    int
	data       map[time.Time]price.Record
	batchSizes []int
	prepared   int

	// failures are returned by successive WriteBatch calls before the write
	// is applied.
	failures []error
	latest   func() (sink.Point, error)
	onWrite  func(n int)
}

func newMemSink(name string) *memSink {
	return &memSink{name: name, data: map[time.Time]price.Record{}}
}

func (m *memSink) Name() string          { return m.name }
func (m *memSink) DefaultBatchSize() int { return m.defSize }
func (m *memSink) Close() error          { return nil }

func (m *memSink) Prepare(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared++
	return nil
}

func (m *memSink) WriteBatch(_ context.Context, records []price.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchSizes = append(m.batchSizes, len(records))
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	for _, r := range records {
		m.data[r.Date] = r
	}
	if m.onWrite != nil {
		m.onWrite(len(records))
	}
	return nil
}

func (m *memSink) Latest(context.Context) (sink.Point, error) {
	if m.latest != nil {
		return m.latest()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return sink.Point{}, sink.ErrNoData
	}
	var last price.Record
	for _, r := range m.data {
		if r.Date.After(last.Date) {
			last = r
		}
	}
	return sink.Point{Date: last.Date, Close: last.Close}, nil
}

func (m *memSink) sorted() []price.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]price.Record, 0, len(m.data))
	for _, r := range m.data {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b price.Record) int { return a.Date.Compare(b.Date) })
	return out
}

const header = "Date,Open,High,Low,Close,Volume\n"

func csvRows(n int) []byte {
	var b strings.Builder
	b.WriteString(header)
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range n {
		fmt.Fprintf(&b, "%s,10.00,11.00,9.50,10.%d5,1000\n", start.AddDate(0, 0, i).Format(price.DateFormat), i%3)
	}
	return []byte(b.String())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// instantTimer fires as soon as it is started and records each delay.
// When onStart is set it runs instead and the timer never fires.
type instantTimer struct {
	delays  []time.Duration
	onStart func()
	c       chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	if t.onStart != nil {
		t.onStart()
		return
	}
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func newPipeline(src []byte, sinks []sink.Sink, cfg Config, opts ...Option) *Pipeline {
	opts = append([]Option{WithLogger(quietLogger()), WithTimer(newInstantTimer())}, opts...)
	return New(loader.FromBytes(src), normalize.New(), sinks, cfg, opts...)
}

func TestRun_SingleRecordScenario(t *testing.T) {
	s := newMemSink("mem")
	src := []byte(header + "2021-01-01,10.00,11.00,9.50,10.50,1000\n")

	report, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	got := s.sorted()
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), got[0].Date)
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("10.50")))
	assert.Equal(t, int64(1000), got[0].Volume)

	require.Len(t, report.Sinks, 1)
	assert.True(t, report.Sinks[0].Verified)
	assert.Equal(t, 1, report.RowsWritten())
	assert.Equal(t, 1, s.prepared)
}

func TestRun_BatchSizes(t *testing.T) {
	s := newMemSink("mem")
	cfg := DefaultConfig()
	cfg.BatchSize = 1000

	_, err := newPipeline(csvRows(2500), []sink.Sink{s}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 1000, 500}, s.batchSizes)
}

func TestRun_SinkDefaultBatchSize(t *testing.T) {
	remote := newMemSink("remote")
	remote.defSize = 1000
	embedded := newMemSink("embedded")

	_, err := newPipeline(csvRows(2500), []sink.Sink{remote, embedded}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 1000, 500}, remote.batchSizes)
	assert.Equal(t, []int{2500}, embedded.batchSizes)
}

func TestRun_TransientRetriedWithinBound(t *testing.T) {
	s := newMemSink("mem")
	s.failures = []error{
		sink.Transient(errors.New("503 service unavailable")),
		sink.Transient(errors.New("503 service unavailable")),
	}

	timer := newInstantTimer()
	cfg := DefaultConfig()
	cfg.RetryBackoff = 100 * time.Millisecond
	p := newPipeline(csvRows(3), []sink.Sink{s}, cfg, WithTimer(timer))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.sorted(), 3)
	assert.Equal(t, 2, report.Sinks[0].Retries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, timer.delays)
}

func TestRun_RetryExhausted(t *testing.T) {
	s := newMemSink("mem")
	for range 3 {
		s.failures = append(s.failures, sink.Transient(errors.New("timeout")))
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	_, err := newPipeline(csvRows(5), []sink.Sink{s}, cfg).Run(context.Background())

	var swe *SinkWriteError
	require.True(t, errors.As(err, &swe), "got %v", err)
	assert.Equal(t, "mem", swe.Sink)
	assert.Equal(t, 0, swe.Batch)
	assert.Equal(t, 2, swe.Size)
	assert.Equal(t, 3, swe.Attempts)
	assert.Contains(t, swe.Error(), "records 1-2")
}

func TestRun_PermanentErrorNotRetried(t *testing.T) {
	s := newMemSink("mem")
	// the second batch fails permanently
	s.failures = nil
	writes := 0
	s.onWrite = func(int) {
		writes++
		if writes == 1 {
			s.failures = []error{errors.New("400 bad request")}
		}
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	_, err := newPipeline(csvRows(5), []sink.Sink{s}, cfg).Run(context.Background())

	var swe *SinkWriteError
	require.True(t, errors.As(err, &swe), "got %v", err)
	assert.Equal(t, 1, swe.Batch)
	assert.Equal(t, 2, swe.Offset)
	assert.Equal(t, 1, swe.Attempts)
	assert.Equal(t, []int{2, 2}, s.batchSizes)
}

func TestRun_SinkFailureStopsLaterSinks(t *testing.T) {
	bad := newMemSink("bad")
	bad.failures = []error{errors.New("unauthorized")}
	good := newMemSink("good")

	_, err := newPipeline(csvRows(3), []sink.Sink{bad, good}, DefaultConfig()).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, good.batchSizes)
}

func TestRun_VerificationMismatch(t *testing.T) {
	s := newMemSink("mem")
	s.latest = func() (sink.Point, error) {
		return sink.Point{Date: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), Close: decimal.NewFromInt(99)}, nil
	}
	src := []byte(header + "2021-01-01,10.00,11.00,9.50,10.50,1000\n")

	report, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())

	var ve *VerificationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "mem", ve.Sink)
	assert.True(t, ve.Got.Close.Equal(decimal.NewFromInt(99)))
	assert.False(t, report.Sinks[0].Verified)
}

func TestRun_VerificationNoData(t *testing.T) {
	s := newMemSink("mem")
	s.latest = func() (sink.Point, error) { return sink.Point{}, sink.ErrNoData }

	_, err := newPipeline(csvRows(1), []sink.Sink{s}, DefaultConfig()).Run(context.Background())

	var ve *VerificationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, errors.Is(err, sink.ErrNoData))
}

func TestRun_VerificationToleratesFloatRoundTrip(t *testing.T) {
	s := newMemSink("mem")
	s.latest = func() (sink.Point, error) {
		return sink.Point{Date: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), Close: decimal.NewFromFloat(0.1 + 0.2)}, nil
	}
	src := []byte(header + "2021-01-01,0.30,0.30,0.30,0.30,1\n")

	_, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	assert.NoError(t, err)
}

func TestRun_RowErrorsStillWriteValidRows(t *testing.T) {
	s := newMemSink("mem")
	src := []byte(header +
		"2021-01-01,10.00,11.00,9.50,10.50,1000\n" +
		"2021-01-02,10.00,11.00,9.50,10.50,-5\n" +
		"2021-01-03,10.00,11.00,9.50,10.75,2000\n")

	report, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.Error(t, err)

	var rowErrs *RowErrors
	require.True(t, errors.As(err, &rowErrs))
	require.Len(t, rowErrs.Errors, 1)

	var ine *normalize.InvalidNumericError
	require.True(t, errors.As(err, &ine))
	assert.Equal(t, 2, ine.Row)
	assert.Equal(t, "Volume", ine.Field)

	assert.Len(t, s.sorted(), 2)
	assert.Equal(t, 1, report.RowsRejected)
	assert.True(t, report.Sinks[0].Verified)
}

func TestRun_FailFastWritesNothing(t *testing.T) {
	s := newMemSink("mem")
	src := []byte(header +
		"2021-01-01,10.00,11.00,9.50,10.50,1000\n" +
		"not-a-date,10.00,11.00,9.50,10.50,1000\n" +
		"2021-01-03,10.00,11.00,9.50,10.75,2000\n")
	cfg := DefaultConfig()
	cfg.FailFast = true

	_, err := newPipeline(src, []sink.Sink{s}, cfg).Run(context.Background())

	var ide *normalize.InvalidDateError
	require.True(t, errors.As(err, &ide), "got %v", err)
	assert.Equal(t, 2, ide.Row)
	assert.Empty(t, s.batchSizes)
	assert.Zero(t, s.prepared)
}

func TestRun_MissingColumnsIsFatal(t *testing.T) {
	s := newMemSink("mem")
	src := []byte("Date,Open,High,Close\n2021-01-01,1,1,1\n")

	_, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())

	var mie *loader.MalformedInputError
	require.True(t, errors.As(err, &mie))
	assert.ElementsMatch(t, []string{"Low", "Volume"}, mie.Missing)
	assert.Empty(t, s.batchSizes)
}

func TestRun_BrokenLineIsRowError(t *testing.T) {
	s := newMemSink("mem")
	src := []byte(header +
		"2021-01-01,10.00,11.00,9.50,10.50,1000\n" +
		"2021-01-02,10.00\n")

	_, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())

	var rowErrs *RowErrors
	require.True(t, errors.As(err, &rowErrs), "got %v", err)
	var mie *loader.MalformedInputError
	require.True(t, errors.As(err, &mie))
	assert.Equal(t, 2, mie.Row)
	assert.Len(t, s.sorted(), 1)
}

func TestRun_DuplicateDatesLastWins(t *testing.T) {
	s := newMemSink("mem")
	src := []byte(header +
		"2021-01-02,10.00,11.00,9.50,10.50,1000\n" +
		"2021-01-01,10.00,11.00,9.50,10.00,1000\n" +
		"2021-01-02,10.00,11.00,9.50,10.90,1000\n")

	report, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.Records)
	got := s.sorted()
	require.Len(t, got, 2)
	assert.True(t, got[1].Close.Equal(decimal.RequireFromString("10.90")))
	assert.True(t, report.Sinks[0].Latest.Close.Equal(decimal.RequireFromString("10.90")))
}

func TestRun_Idempotent(t *testing.T) {
	s := newMemSink("mem")
	src := csvRows(50)

	_, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	first := s.sorted()

	_, err = newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, s.sorted())
}

func TestRun_IntegrityWarningsReported(t *testing.T) {
	s := newMemSink("mem")
	src := []byte(header +
		"2021-01-01,10.00,9.00,11.00,10.00,1000\n" +
		"2021-01-02,10.00,11.00,9.50,10.50,1000\n")

	report, err := newPipeline(src, []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, 1, report.Warnings[0].Row)
	assert.Len(t, s.sorted(), 2)

	dropping := New(loader.FromBytes(src), normalize.New(normalize.WithIntegrityPolicy(normalize.PolicyDrop)),
		[]sink.Sink{newMemSink("mem")}, DefaultConfig(), WithLogger(quietLogger()))
	report, err = dropping.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.Records)
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	s := newMemSink("mem")
	ctx, cancel := context.WithCancel(context.Background())
	s.onWrite = func(int) { cancel() }
	cfg := DefaultConfig()
	cfg.BatchSize = 10

	_, err := newPipeline(csvRows(30), []sink.Sink{s}, cfg).Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []int{10}, s.batchSizes)
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	s := newMemSink("mem")
	s.failures = []error{sink.Transient(errors.New("503"))}
	ctx, cancel := context.WithCancel(context.Background())

	timer := newInstantTimer()
	timer.onStart = cancel
	p := newPipeline(csvRows(3), []sink.Sink{s}, DefaultConfig(), WithTimer(timer))

	_, err := p.Run(ctx)
	var swe *SinkWriteError
	require.True(t, errors.As(err, &swe))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRun_CallTimeoutIsSinkWriteError(t *testing.T) {
	s := newMemSink("mem")
	s.failures = []error{context.DeadlineExceeded}

	_, err := newPipeline(csvRows(3), []sink.Sink{s}, DefaultConfig()).Run(context.Background())

	var swe *SinkWriteError
	require.True(t, errors.As(err, &swe))
	assert.Equal(t, 1, swe.Attempts)
}

func TestRun_HeaderOnly(t *testing.T) {
	s := newMemSink("mem")

	report, err := newPipeline([]byte(header), []sink.Sink{s}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.RowsRead)
	assert.Empty(t, s.batchSizes)
}

func TestBackoff(t *testing.T) {
	b := New(nil, nil, nil, Config{RetryBackoff: time.Second, RetryMaxBackoff: 5 * time.Second}).newBackOff()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}
}

func TestBackoff_StaysCappedOverManyAttempts(t *testing.T) {
	b := New(nil, nil, nil, Config{RetryBackoff: 500 * time.Millisecond, RetryMaxBackoff: 10 * time.Second}).newBackOff()

	for i := range 200 {
		d := b.NextBackOff()
		require.Positive(t, d, "attempt %d", i+1)
		require.LessOrEqual(t, d, 10*time.Second, "attempt %d", i+1)
	}
}

func TestRun_LargeRetryBoundKeepsDelays(t *testing.T) {
	s := newMemSink("mem")
	for range 59 {
		s.failures = append(s.failures, sink.Transient(errors.New("503")))
	}

	timer := newInstantTimer()
	cfg := DefaultConfig()
	cfg.RetryBound = 60
	report, err := newPipeline(csvRows(3), []sink.Sink{s}, cfg, WithTimer(timer)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 59, report.Sinks[0].Retries)

	require.Len(t, timer.delays, 59)
	for _, d := range timer.delays {
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, cfg.RetryMaxBackoff)
	}
}

func TestRowErrors_Message(t *testing.T) {
	err := &RowErrors{Errors: []error{
		errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d"), errors.New("e"),
	}}
	assert.Equal(t, "5 rows rejected; a; b; c; and 2 more", err.Error())
}
