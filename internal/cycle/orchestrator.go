// Package cycle drives fixed-cadence sampling: every tick it samples all live
// sources concurrently, builds one point per source and hands the batch to the
// sink exactly once.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/gauge/internal/model"
	"github.com/tinytelemetry/gauge/internal/sampler"
)

// Source pairs a source's configuration with the consuming end of its
// document queue.
type Source struct {
	Config model.SourceConfig
	Docs   sampler.Receiver
}

// Journal is the write-ahead log a batch is recorded in before the sink sees
// it.
type Journal interface {
	Append(points []model.Point) (uint64, error)
	Commit(seq uint64) error
}

// Config controls cycle cadence.
type Config struct {
	Interval    time.Duration
	SampleCount int

	// Timeout bounds how long one source may take to deliver its documents
	// within a cycle. Zero waits indefinitely.
	Timeout time.Duration
}

// Stats is a snapshot of orchestrator progress.
type Stats struct {
	Cycles       uint64            `json:"cycles"`
	WriteErrors  uint64            `json:"write_errors"`
	LastCycle    time.Time         `json:"last_cycle"`
	LastDuration time.Duration     `json:"last_duration_ns"`
	LastError    string            `json:"last_error,omitempty"`
	Active       []string          `json:"active"`
	Dead         map[string]string `json:"dead,omitempty"`
}

type sourceState struct {
	Source
	dead error
}

// Orchestrator owns the cycle loop. It is the only caller of the sink.
type Orchestrator struct {
	cfg     Config
	sources []*sourceState
	sink    model.PointWriter
	journal Journal
	metrics *Metrics
	log     *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	stats Stats
	last  []model.Point
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithJournal records every batch in j before writing it.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithMetrics reports cycle progress to m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides the point timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over sources writing to sink.
func New(cfg Config, sources []Source, sink model.PointWriter, opts ...Option) (*Orchestrator, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("cycle: interval must be positive")
	}
	if cfg.SampleCount < 1 {
		return nil, errors.New("cycle: sample count must be at least 1")
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("cycle: timeout must not be negative")
	}
	if sink == nil {
		return nil, errors.New("cycle: nil sink")
	}
	if len(sources) == 0 {
		return nil, errors.New("cycle: no sources")
	}

	o := &Orchestrator{
		cfg:  cfg,
		sink: sink,
		log:  zap.NewNop(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	for _, src := range sources {
		o.sources = append(o.sources, &sourceState{Source: src})
	}
	o.metrics.activeSources.Set(float64(len(o.sources)))
	o.stats.Active = o.activeNames()
	return o, nil
}

// Run samples one cycle immediately and then once per interval until ctx is
// cancelled. A slow cycle delays the next one rather than overlapping it.
// Run returns nil on cancellation and the error on a fatal extraction failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("cycle loop started",
		zap.Duration("interval", o.cfg.Interval),
		zap.Int("sample_count", o.cfg.SampleCount),
		zap.Int("sources", len(o.sources)))

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := o.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ticker.Reset(o.cfg.Interval)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one cycle: sample, build, journal, write. Sink and
// journal failures are logged and counted; only context cancellation and
// extraction failures are returned.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	live := o.liveSources()

	results := make([][]sampler.Average, len(live))
	errs := make([]error, len(live))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range live {
		g.Go(func() error {
			sctx, cancel := gctx, context.CancelFunc(func() {})
			if o.cfg.Timeout > 0 {
				sctx, cancel = context.WithTimeout(gctx, o.cfg.Timeout)
			}
			defer cancel()

			avgs, err := sampler.Sample(sctx, src.Config.Measurement(), src.Docs, src.Config.Values, o.cfg.SampleCount)
			var extractErr *sampler.ExtractionError
			if errors.As(err, &extractErr) {
				return err
			}
			results[i], errs[i] = avgs, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t := o.now()
	batch := make([]model.Point, 0, len(live))
	for i, src := range live {
		name := src.Config.Measurement()
		switch err := errs[i]; {
		case err == nil:
		case errors.Is(err, sampler.ErrSourceClosed):
			o.markDead(src, err)
			continue
		case errors.Is(err, context.DeadlineExceeded):
			o.log.Warn("source missed cycle timeout", zap.String("source", name), zap.Duration("timeout", o.cfg.Timeout))
			o.metrics.sourceTimeouts.WithLabelValues(name).Inc()
			continue
		default:
			return fmt.Errorf("cycle: sample %s: %w", name, err)
		}

		p, err := model.BuildPoint(src.Config, sampler.Averagers(results[i]), t)
		if err != nil {
			return fmt.Errorf("cycle: %w", err)
		}
		batch = append(batch, p)
	}

	writeErr := o.write(ctx, batch)
	o.finish(start, batch, writeErr)
	return nil
}

func (o *Orchestrator) write(ctx context.Context, batch []model.Point) error {
	var seq uint64
	if o.journal != nil {
		var err error
		if seq, err = o.journal.Append(batch); err != nil {
			o.metrics.journalErrors.Inc()
			o.log.Error("journal append failed", zap.Error(err))
		}
	}

	if err := o.sink.WritePoints(ctx, batch); err != nil {
		o.metrics.writeErrors.Inc()
		o.log.Error("sink write failed", zap.Int("points", len(batch)), zap.Error(err))
		return fmt.Errorf("write points: %w", err)
	}
	o.metrics.pointsWritten.Add(float64(len(batch)))

	if seq > 0 {
		if err := o.journal.Commit(seq); err != nil {
			o.metrics.journalErrors.Inc()
			o.log.Error("journal commit failed", zap.Uint64("seq", seq), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) finish(start time.Time, batch []model.Point, writeErr error) {
	elapsed := time.Since(start)
	o.metrics.cycles.Inc()
	o.metrics.cycleDuration.Observe(elapsed.Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Cycles++
	o.stats.LastCycle = start
	o.stats.LastDuration = elapsed
	o.stats.LastError = ""
	if writeErr != nil {
		o.stats.WriteErrors++
		o.stats.LastError = writeErr.Error()
	} else {
		o.last = batch
	}
	o.log.Debug("cycle complete", zap.Int("points", len(batch)), zap.Duration("took", elapsed))
}

func (o *Orchestrator) liveSources() []*sourceState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	live := make([]*sourceState, 0, len(o.sources))
	for _, s := range o.sources {
		if s.dead == nil {
			live = append(live, s)
		}
	}
	return live
}

// markDead excludes src from this and every later cycle.
func (o *Orchestrator) markDead(src *sourceState, err error) {
	name := src.Config.Measurement()
	o.log.Error("source stopped; excluding it from further cycles", zap.String("source", name), zap.Error(err))
	o.metrics.sourceFailures.WithLabelValues(name).Inc()

	o.mu.Lock()
	src.dead = err
	if o.stats.Dead == nil {
		o.stats.Dead = map[string]string{}
	}
	o.stats.Dead[name] = err.Error()
	o.stats.Active = o.activeNames()
	active := len(o.stats.Active)
	o.mu.Unlock()

	o.metrics.activeSources.Set(float64(active))
}

// activeNames must be called with mu held, or before the orchestrator is
// shared.
func (o *Orchestrator) activeNames() []string {
	names := make([]string, 0, len(o.sources))
	for _, s := range o.sources {
		if s.dead == nil {
			names = append(names, s.Config.Measurement())
		}
	}
	return names
}

// Stats returns a snapshot of cycle progress.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := o.stats
	st.Active = append([]string(nil), o.stats.Active...)
	if o.stats.Dead != nil {
		st.Dead = make(map[string]string, len(o.stats.Dead))
		for k, v := range o.stats.Dead {
			st.Dead[k] = v
		}
	}
	return st
}

// LatestPoints returns up to limit points of the last batch the sink
// accepted. A limit of zero or less returns the whole batch.
func (o *Orchestrator) LatestPoints(_ context.Context, limit int) ([]model.Point, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := len(o.last)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Point, n)
	for i := 0; i < n; i++ {
		out[i] = o.last[i].Clone()
	}
	return out, nil
}
