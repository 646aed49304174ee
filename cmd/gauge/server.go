package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/gauge/internal/cycle"
	"github.com/tinytelemetry/gauge/internal/duckdb"
	"github.com/tinytelemetry/gauge/internal/httpserver"
	"github.com/tinytelemetry/gauge/internal/journal"
	"github.com/tinytelemetry/gauge/internal/model"
	"github.com/tinytelemetry/gauge/internal/probe"
	"github.com/tinytelemetry/gauge/internal/sink"
)

const (
	shutdownTimeout = 10 * time.Second
	versionTimeout  = 5 * time.Second
)

// runServer starts every probe job and the cycle loop, and blocks until a
// signal arrives or the loop fails.
func runServer(cfg appConfig, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks, err := openSinks(ctx, buildSinkPlugins(cfg, log), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Warn("closing sinks", zap.Error(err))
		}
	}()

	// Batches journaled but never written by a previous run go out first.
	var pointJournal *journal.Journal
	if cfg.Journal.Enabled {
		pointJournal, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open point journal: %w", err)
		}
		defer pointJournal.Close()
		if err := replayJournal(ctx, pointJournal, sinks, log); err != nil {
			return fmt.Errorf("failed to replay point journal: %w", err)
		}
	}

	if store := findStore(sinks); store != nil {
		retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
			RetentionDays: cfg.Sinks.DuckDB.RetentionDays,
		})
		if retentionCleaner != nil {
			defer retentionCleaner.Stop()
		}
	}

	jobs, sources, err := buildJobs(ctx, cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []cycle.Option{
		cycle.WithLogger(log),
		cycle.WithMetrics(cycle.NewMetrics(reg)),
	}
	if pointJournal != nil {
		opts = append(opts, cycle.WithJournal(pointJournal))
	}
	orch, err := cycle.New(cycle.Config{
		Interval:    cfg.SampleInterval(),
		SampleCount: cfg.SampleCount,
		Timeout:     cfg.CycleTimeout(),
	}, sources, sinks, opts...)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		var points model.PointReader = orch
		if r := findReader(sinks); r != nil {
			points = r
		}
		apiServer := httpserver.NewServer(cfg.API.Addr, httpserver.Deps{
			Points:   points,
			Stats:    orch.Stats,
			Jobs:     jobStatuses(jobs),
			Gatherer: reg,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
		cfg.API.Addr = apiServer.Addr()
	}

	printStartupBanner(cfg, sinks, sources)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(shutdownTimeout)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			// A failed job is excluded by the cycle loop; siblings keep running.
			_ = job.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		err := orch.Run(gctx)
		cancel()
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("cycle loop: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// buildJobs creates one probe job per enabled source, paired with the cycle
// source that reads its queue.
func buildJobs(ctx context.Context, cfg appConfig, log *zap.Logger) ([]*probe.Job, []cycle.Source, error) {
	var (
		jobs    []*probe.Job
		sources []cycle.Source
	)
	for _, src := range cfg.Sources() {
		spec, err := probe.SpecFor(src, cfg.SampleInterval())
		if err != nil {
			return nil, nil, err
		}
		job := probe.NewJob(spec, log)
		logProbeVersion(ctx, job, log)
		jobs = append(jobs, job)
		sources = append(sources, cycle.Source{Config: src, Docs: job.Documents()})
	}
	return jobs, sources, nil
}

func logProbeVersion(ctx context.Context, job *probe.Job, log *zap.Logger) {
	vctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	v, err := job.Version(vctx)
	switch {
	case err != nil:
		log.Warn("probe version unavailable", zap.String("source", job.Name()), zap.Error(err))
	case v != "":
		log.Info("probe version", zap.String("source", job.Name()), zap.String("version", v))
	}
}

func jobStatuses(jobs []*probe.Job) func() []probe.Status {
	return func() []probe.Status {
		out := make([]probe.Status, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, j.Status())
		}
		return out
	}
}

// replayJournal writes every uncommitted batch to w, oldest first, and
// commits it. A write failure is logged and ends the replay: the remaining
// batches stay uncommitted, and are dropped once the cycle loop commits a
// newer batch, the same as a live cycle whose write failed. Only journal
// errors are returned.
func replayJournal(ctx context.Context, j *journal.Journal, w model.PointWriter, log *zap.Logger) error {
	var (
		replayed int
		writeErr error
	)
	err := j.Replay(func(seq uint64, points []model.Point) error {
		if err := w.WritePoints(ctx, points); err != nil {
			writeErr = err
			return err
		}
		replayed += len(points)
		return j.Commit(seq)
	})
	if replayed > 0 {
		log.Info("point journal: replayed uncommitted points", zap.Int("points", replayed))
	}
	if writeErr != nil {
		log.Warn("point journal: replay stopped, batches stay uncommitted", zap.Error(writeErr))
		return nil
	}
	return err
}

func findStore(m *sink.Multi) *duckdb.Store {
	for _, s := range m.Sinks() {
		if store, ok := s.(*duckdb.Store); ok {
			return store
		}
	}
	return nil
}

// findReader returns the first sink that can serve recent points.
func findReader(m *sink.Multi) model.PointReader {
	for _, s := range m.Sinks() {
		if r, ok := s.(model.PointReader); ok {
			return r
		}
	}
	return nil
}
