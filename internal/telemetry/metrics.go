// Package telemetry exports provider metrics over OTLP: work request and
// completion counters fed by the data path, packet and recovery counters
// from the transport, and a completion latency histogram. Every recording
// method is safe on a nil receiver so the provider runs unchanged without
// a collector.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the provider's metric instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	postedCounter     metric.Int64Counter
	completionCounter metric.Int64Counter
	completionErrors  metric.Int64Counter
	packetsTx         metric.Int64Counter
	packetsRx         metric.Int64Counter
	nakCounter        metric.Int64Counter
	retransmitCounter metric.Int64Counter
	qpTransitions     metric.Int64Counter

	completionLatency metric.Float64Histogram
}

// NewMetrics connects an OTLP exporter at collectorAddr and builds the
// instrument set. The address scheme selects the transport: grpc (plain),
// grpcs (TLS), http or https.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse collector address '%s': %w", collectorAddr, err)
	}

	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" {
		// Schemeless addresses like "localhost:4317" parse into Path or Opaque
		if parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/") {
			exporterEndpoint = parsedURL.Path
		} else if parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/") {
			exporterEndpoint = parsedURL.Opaque
		} else if collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			exporterEndpoint = collectorAddr
		} else {
			return nil, fmt.Errorf("collector address '%s' is missing a host", collectorAddr)
		}
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("goverbs"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		// Pre-dial the connection so exporter setup failures surface here
		conn, dialErr := grpc.NewClient(exporterEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			return nil, fmt.Errorf("failed to create client for collector at %s: %w", exporterEndpoint, dialErr)
		}
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(exporterEndpoint))
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(exporterEndpoint),
		}
		if parsedURL.Scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter scheme '%s' in %s; use grpc, grpcs, http or https", parsedURL.Scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", parsedURL.Scheme, exporterEndpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/bluerdma/goverbs")

	m := &Metrics{provider: provider, meter: meter}

	m.postedCounter, err = meter.Int64Counter(
		"goverbs.work_requests_posted",
		metric.WithDescription("Work requests accepted by post_send and post_recv"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	m.completionCounter, err = meter.Int64Counter(
		"goverbs.work_completions",
		metric.WithDescription("Work completions delivered to completion queues"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}
	m.completionErrors, err = meter.Int64Counter(
		"goverbs.completion_errors",
		metric.WithDescription("Work completions with a non-success status"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}
	m.packetsTx, err = meter.Int64Counter(
		"goverbs.packets_tx",
		metric.WithDescription("Data path packets transmitted"),
		metric.WithUnit("{packet}"),
	)
	if err != nil {
		return nil, err
	}
	m.packetsRx, err = meter.Int64Counter(
		"goverbs.packets_rx",
		metric.WithDescription("Data path packets received"),
		metric.WithUnit("{packet}"),
	)
	if err != nil {
		return nil, err
	}
	m.nakCounter, err = meter.Int64Counter(
		"goverbs.naks",
		metric.WithDescription("Negative acknowledgements sent or received"),
		metric.WithUnit("{packet}"),
	)
	if err != nil {
		return nil, err
	}
	m.retransmitCounter, err = meter.Int64Counter(
		"goverbs.retransmits",
		metric.WithDescription("Retransmission rounds triggered by timeouts or NAKs"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, err
	}
	m.qpTransitions, err = meter.Int64Counter(
		"goverbs.qp_transitions",
		metric.WithDescription("Queue pair state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	m.completionLatency, err = meter.Float64Histogram(
		"goverbs.completion_latency_ms",
		metric.WithDescription("Latency from post to completion in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPosted counts accepted work requests.
func (m *Metrics) RecordPosted(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.postedCounter.Add(ctx, n)
}

// RecordCompletions counts delivered work completions.
func (m *Metrics) RecordCompletions(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.completionCounter.Add(ctx, n)
}

// RecordCompletionError counts one non-success completion.
func (m *Metrics) RecordCompletionError(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.completionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPacketsTx counts transmitted data path packets.
func (m *Metrics) RecordPacketsTx(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.packetsTx.Add(ctx, n)
}

// RecordPacketsRx counts received data path packets.
func (m *Metrics) RecordPacketsRx(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.packetsRx.Add(ctx, n)
}

// RecordNak counts one negative acknowledgement.
func (m *Metrics) RecordNak(ctx context.Context) {
	if m == nil {
		return
	}
	m.nakCounter.Add(ctx, 1)
}

// RecordRetransmit counts one retransmission round.
func (m *Metrics) RecordRetransmit(ctx context.Context) {
	if m == nil {
		return
	}
	m.retransmitCounter.Add(ctx, 1)
}

// RecordQPTransition counts one queue pair state change.
func (m *Metrics) RecordQPTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.qpTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordCompletionLatency records one post-to-completion latency sample.
func (m *Metrics) RecordCompletionLatency(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.completionLatency.Record(ctx, float64(elapsed.Nanoseconds())/1_000_000.0)
}

// Shutdown flushes buffered metrics and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
