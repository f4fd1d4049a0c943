package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes marketplace instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	invoiceTransitions metric.Int64Counter
	ledgerInvocations  metric.Int64Counter
	ledgerLatency      metric.Float64Histogram
	investments        metric.Int64Counter
	settlements        metric.Int64Counter
	tokenizations      metric.Int64Counter
	reconcileDrift     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "factora"
	}
	meter := provider.Meter(name)

	invoiceTransitions, err := meter.Int64Counter("factora_invoice_transitions_total")
	if err != nil {
		return nil, err
	}
	ledgerInvocations, err := meter.Int64Counter("factora_ledger_invocations_total")
	if err != nil {
		return nil, err
	}
	ledgerLatency, err := meter.Float64Histogram("factora_ledger_invocation_seconds")
	if err != nil {
		return nil, err
	}
	investments, err := meter.Int64Counter("factora_investments_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("factora_settlements_total")
	if err != nil {
		return nil, err
	}
	tokenizations, err := meter.Int64Counter("factora_tokenizations_total")
	if err != nil {
		return nil, err
	}
	reconcileDrift, err := meter.Int64Counter("factora_escrow_reconcile_drift_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invoiceTransitions: invoiceTransitions,
		ledgerInvocations:  ledgerInvocations,
		ledgerLatency:      ledgerLatency,
		investments:        investments,
		settlements:        settlements,
		tokenizations:      tokenizations,
		reconcileDrift:     reconcileDrift,
	}, nil
}

// RecordInvoiceTransition counts a committed status change.
func (m *Metrics) RecordInvoiceTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.invoiceTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerInvocation counts a contract call and its latency.
func (m *Metrics) RecordLedgerInvocation(ctx context.Context, function string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("function", strings.TrimSpace(function)),
		attribute.String("outcome", outcome(err)),
	)
	m.ledgerInvocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ledgerLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInvestment(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.investments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func (m *Metrics) RecordSettlement(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func (m *Metrics) RecordTokenization(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.tokenizations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

// RecordReconcileDrift counts escrow records whose ledger state disagrees with the database.
func (m *Metrics) RecordReconcileDrift(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.reconcileDrift.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"from_status": {},
	"to_status":   {},
	"function":    {},
	"outcome":     {},
	"route":       {},
	"method":      {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
