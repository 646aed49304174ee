package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tinytelemetry/gauge/internal/model"
)

// InfluxConfig addresses an InfluxDB 2.x bucket.
type InfluxConfig struct {
	Host   string
	Org    string
	Bucket string
	Token  string
}

// Influx writes points to InfluxDB with the blocking write API, one request
// per batch.
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// OpenInflux creates a client and waits for the server to answer a ping.
func OpenInflux(ctx context.Context, cfg InfluxConfig, retry RetrySettings) (*Influx, error) {
	if cfg.Host == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: host, org and bucket are required")
	}
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(30)
	client := influxdb2.NewClientWithOptions(cfg.Host, cfg.Token, opts)

	err := WaitUntil(ctx, retry, func() error {
		ok, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("influx: %s not ready", cfg.Host)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect influx: %w", err)
	}

	return &Influx{client: client, writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

func (i *Influx) Name() string { return "influx" }

func (i *Influx) WritePoints(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := i.writer.WritePoint(ctx, influxPoints(points)...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (i *Influx) Close() error {
	i.client.Close()
	return nil
}

func influxPoints(points []model.Point) []*write.Point {
	out := make([]*write.Point, len(points))
	for n, p := range points {
		fields := make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		ts := p.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		out[n] = influxdb2.NewPoint(p.Measurement, p.Tags, fields, ts)
	}
	return out
}
