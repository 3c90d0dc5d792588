package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahmethakanbesel/priceload/internal/config"
	"github.com/ahmethakanbesel/priceload/internal/price"
	pricerepo "github.com/ahmethakanbesel/priceload/internal/repository/price"
	"github.com/ahmethakanbesel/priceload/internal/sink"
	"github.com/ahmethakanbesel/priceload/internal/sink/influx"
	"github.com/ahmethakanbesel/priceload/internal/sink/postgres"
	sqlitesink "github.com/ahmethakanbesel/priceload/internal/sink/sqlite"
)

// SinkOpener opens the named sinks for one instrument. The caller closes
// every returned sink.
type SinkOpener interface {
	Open(ctx context.Context, instrument string, names []string) ([]sink.Sink, error)
}

// Opener builds sinks from configuration.
type Opener struct {
	cfg    config.Config
	prices *pricerepo.Repository
}

func NewOpener(cfg config.Config, prices *pricerepo.Repository) *Opener {
	return &Opener{cfg: cfg, prices: prices}
}

// Open returns the sinks in the order named. If any sink fails to open, the
// ones already opened are closed.
func (o *Opener) Open(ctx context.Context, instrument string, names []string) ([]sink.Sink, error) {
	sinks := make([]sink.Sink, 0, len(names))
	for _, name := range names {
		s, err := o.open(ctx, instrument, name)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open sink %s: %w", name, err), closeAll(sinks))
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (o *Opener) open(ctx context.Context, instrument, name string) (sink.Sink, error) {
	switch name {
	case config.SinkSQLite:
		return sqlitesink.New(o.prices, instrument)
	case config.SinkInflux:
		measurement := o.cfg.DestMeasurement
		if configured, _ := price.NormalizeInstrument(o.cfg.Instrument); instrument != configured {
			// a configured measurement belongs to the configured instrument
			measurement = ""
		}
		return influx.New(influx.Config{
			URL:          o.cfg.DestURL,
			Token:        o.cfg.DestToken,
			Org:          o.cfg.DestNamespace,
			Bucket:       o.cfg.DestBucket,
			Instrument:   instrument,
			Measurement:  measurement,
			Timeout:      o.cfg.DestTimeout,
			VerifyWindow: o.cfg.VerifyWindow,
		})
	case config.SinkPostgres:
		if o.cfg.DestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.DestTimeout)
			defer cancel()
		}
		return postgres.Connect(ctx, o.cfg.PostgresURL, instrument)
	default:
		return nil, fmt.Errorf("unknown sink %q", name)
	}
}

func closeAll(sinks []sink.Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
