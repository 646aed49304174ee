package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/gauge/internal/duckdb"
	"github.com/tinytelemetry/gauge/internal/sink"
)

// SinkPlugin is a small plugin primitive for wiring point sinks.
type SinkPlugin interface {
	Name() string
	Enabled() bool
	Open(ctx context.Context) (sink.Sink, error)
}

func buildSinkPlugins(cfg appConfig, log *zap.Logger) []SinkPlugin {
	retry := sink.DefaultRetry(cfg.ConnectTimeout())
	s := cfg.Sinks
	return []SinkPlugin{
		duckdbSinkPlugin{cfg: s.DuckDB, log: log},
		sqliteSinkPlugin{cfg: s.SQLite, log: log},
		postgresSinkPlugin{cfg: s.Postgres, retry: retry},
		influxSinkPlugin{cfg: s.Influx, retry: retry},
		otlpSinkPlugin{cfg: s.OTLP},
	}
}

// openSinks opens every enabled sink. When none is enabled points are only
// logged. A sink that fails to open closes the ones already opened.
func openSinks(ctx context.Context, plugins []SinkPlugin, log *zap.Logger) (*sink.Multi, error) {
	var opened []sink.Sink
	for _, p := range plugins {
		if !p.Enabled() {
			continue
		}
		s, err := p.Open(ctx)
		if err != nil {
			_ = sink.NewMulti(opened...).Close()
			return nil, fmt.Errorf("open %s sink: %w", p.Name(), err)
		}
		log.Info("sink opened", zap.String("sink", p.Name()))
		opened = append(opened, s)
	}
	if len(opened) == 0 {
		log.Warn("no sink configured, not connecting to db; points will be logged")
		opened = append(opened, sink.NewLog(log))
	}
	return sink.NewMulti(opened...), nil
}

type duckdbSinkPlugin struct {
	cfg duckdbConfig
	log *zap.Logger
}

func (p duckdbSinkPlugin) Name() string  { return "duckdb" }
func (p duckdbSinkPlugin) Enabled() bool { return p.cfg.Enabled }

func (p duckdbSinkPlugin) Open(_ context.Context) (sink.Sink, error) {
	return duckdb.NewStore(p.cfg.Path, p.log)
}

type sqliteSinkPlugin struct {
	cfg sqliteConfig
	log *zap.Logger
}

func (p sqliteSinkPlugin) Name() string  { return "sqlite" }
func (p sqliteSinkPlugin) Enabled() bool { return p.cfg.Enabled }

func (p sqliteSinkPlugin) Open(_ context.Context) (sink.Sink, error) {
	return sink.NewSQLite(p.cfg.Path, p.log)
}

type postgresSinkPlugin struct {
	cfg   postgresConfig
	retry sink.RetrySettings
}

func (p postgresSinkPlugin) Name() string  { return "postgres" }
func (p postgresSinkPlugin) Enabled() bool { return p.cfg.Enabled }

func (p postgresSinkPlugin) Open(ctx context.Context) (sink.Sink, error) {
	return sink.OpenPostgres(ctx, p.cfg.DSN, p.cfg.Table, p.retry)
}

type influxSinkPlugin struct {
	cfg   influxConfig
	retry sink.RetrySettings
}

func (p influxSinkPlugin) Name() string  { return "influx" }
func (p influxSinkPlugin) Enabled() bool { return p.cfg.Enabled }

func (p influxSinkPlugin) Open(ctx context.Context) (sink.Sink, error) {
	return sink.OpenInflux(ctx, sink.InfluxConfig{
		Host:   p.cfg.Host,
		Org:    p.cfg.Org,
		Bucket: p.cfg.Bucket,
		Token:  p.cfg.Token,
	}, p.retry)
}

type otlpSinkPlugin struct {
	cfg otlpConfig
}

func (p otlpSinkPlugin) Name() string  { return "otlp" }
func (p otlpSinkPlugin) Enabled() bool { return p.cfg.Enabled }

func (p otlpSinkPlugin) Open(_ context.Context) (sink.Sink, error) {
	return sink.NewOTLP(sink.OTLPConfig{Endpoint: p.cfg.Endpoint, Insecure: p.cfg.Insecure})
}
