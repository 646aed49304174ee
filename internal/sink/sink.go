// Package sink implements the downstream stores a cycle's batch is written
// to.
package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/gauge/internal/model"
)

// Sink is a closable point writer.
type Sink interface {
	model.PointWriter
	Name() string
	Close() error
}

// Multi fans one batch out to every sink in order. Every sink is attempted;
// failures are joined.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Multi over sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string { return "multi" }

// Sinks returns the wrapped sinks.
func (m *Multi) Sinks() []Sink { return m.sinks }

// WritePoints fails if any sink fails, even when the others stored the batch.
// A journaled batch replayed after such a failure reaches every sink again.
func (m *Multi) WritePoints(ctx context.Context, points []model.Point) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WritePoints(ctx, points); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, in reverse order of opening.
func (m *Multi) Close() error {
	var errs []error
	for i := len(m.sinks) - 1; i >= 0; i-- {
		if err := m.sinks[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.sinks[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes points to a logger. It is used when no database is configured.
type Log struct {
	log *zap.Logger
}

// NewLog returns a Log sink.
func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) WritePoints(_ context.Context, points []model.Point) error {
	for _, p := range points {
		l.log.Info("point",
			zap.String("measurement", p.Measurement),
			zap.Any("tags", p.Tags),
			zap.Any("fields", p.Fields),
			zap.Time("time", p.Time))
	}
	return nil
}

func (l *Log) Close() error { return nil }
