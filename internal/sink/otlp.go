package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinytelemetry/gauge/internal/model"
)

const scopeName = "github.com/tinytelemetry/gauge"

// OTLPConfig addresses an OTLP/gRPC metrics receiver.
type OTLPConfig struct {
	Endpoint string
	Insecure bool
}

// OTLP exports every field of a batch as an OTLP gauge data point named
// "<measurement>.<field>", with the point's tags as attributes.
type OTLP struct {
	conn   *grpc.ClientConn
	client colmetricspb.MetricsServiceClient
}

// NewOTLP creates a client for cfg.Endpoint. Extra dial options are appended
// after the transport credentials.
func NewOTLP(cfg OTLPConfig, opts ...grpc.DialOption) (*OTLP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlp: endpoint is required")
	}
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp: dial %s: %w", cfg.Endpoint, err)
	}
	return &OTLP{conn: conn, client: colmetricspb.NewMetricsServiceClient(conn)}, nil
}

func (o *OTLP) Name() string { return "otlp" }

func (o *OTLP) WritePoints(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	resp, err := o.client.Export(ctx, exportRequest(points))
	if err != nil {
		return fmt.Errorf("otlp export: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		return fmt.Errorf("otlp export: %d data points rejected: %s", ps.GetRejectedDataPoints(), ps.GetErrorMessage())
	}
	return nil
}

func (o *OTLP) Close() error { return o.conn.Close() }

func exportRequest(points []model.Point) *colmetricspb.ExportMetricsServiceRequest {
	var metrics []*metricspb.Metric
	for _, p := range points {
		attrs := make([]*commonpb.KeyValue, 0, len(p.Tags))
		for _, k := range p.TagKeys() {
			attrs = append(attrs, &commonpb.KeyValue{
				Key:   k,
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: p.Tags[k]}},
			})
		}
		ts := uint64(p.Time.UnixNano())
		for _, field := range p.FieldKeys() {
			metrics = append(metrics, &metricspb.Metric{
				Name: p.Measurement + "." + field,
				Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
					DataPoints: []*metricspb.NumberDataPoint{{
						Attributes:   attrs,
						TimeUnixNano: ts,
						Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: p.Fields[field]},
					}},
				}},
			})
		}
	}

	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "gauge"}},
			}}},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: scopeName},
				Metrics: metrics,
			}},
		}},
	}
}
