package metrics

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MerkledropMetrics struct {
	roundsRegistered *prometheus.CounterVec
	claimsSettled    *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	latency          *prometheus.HistogramVec

	otel atomic.Pointer[otelInstruments]
}

// otelInstruments mirrors the prometheus series onto an OpenTelemetry meter
// so OTLP collectors see the same ledger activity as the scrape endpoint.
type otelInstruments struct {
	roundsRegistered metric.Int64Counter
	claimsSettled    metric.Int64Counter
	rejections       metric.Int64Counter
	dispatched       metric.Float64Counter
	latency          metric.Float64Histogram
}

var (
	merkledropOnce     sync.Once
	merkledropRegistry *MerkledropMetrics
)

// Merkledrop returns the lazily-initialised registry for round registration
// and claim settlement metrics.
func Merkledrop() *MerkledropMetrics {
	merkledropOnce.Do(func() {
		merkledropRegistry = newMerkledropMetrics()
		prometheus.MustRegister(merkledropRegistry.collectors()...)
	})
	return merkledropRegistry
}

func newMerkledropMetrics() *MerkledropMetrics {
	return &MerkledropMetrics{
		roundsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merkledrop",
			Name:      "rounds_registered_total",
			Help:      "Count of distribution rounds registered by asset.",
		}, []string{"asset"}),
		claimsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merkledrop",
			Name:      "claims_settled_total",
			Help:      "Count of individual claim requests settled by asset.",
		}, []string{"asset"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merkledrop",
			Name:      "rejections_total",
			Help:      "Count of rejected operations by operation and reason.",
		}, []string{"operation", "reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merkledrop",
			Name:      "dispatched_amount_total",
			Help:      "Sum of aggregated amounts dispatched to beneficiaries by asset and delivery mode.",
		}, []string{"asset", "mode"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "merkledrop",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for registry and ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}
}

func (m *MerkledropMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.roundsRegistered,
		m.claimsSettled,
		m.rejections,
		m.dispatched,
		m.latency,
	}
}

// AttachMeter creates the OpenTelemetry instruments on meter. Every later
// observation is recorded on both the prometheus and the OTLP side.
func (m *MerkledropMetrics) AttachMeter(meter metric.Meter) error {
	if m == nil || meter == nil {
		return nil
	}
	var (
		inst otelInstruments
		err  error
	)
	if inst.roundsRegistered, err = meter.Int64Counter("merkledrop.rounds.registered",
		metric.WithDescription("Distribution rounds registered.")); err != nil {
		return err
	}
	if inst.claimsSettled, err = meter.Int64Counter("merkledrop.claims.settled",
		metric.WithDescription("Claim requests settled.")); err != nil {
		return err
	}
	if inst.rejections, err = meter.Int64Counter("merkledrop.rejections",
		metric.WithDescription("Rejected registry and ledger operations.")); err != nil {
		return err
	}
	if inst.dispatched, err = meter.Float64Counter("merkledrop.dispatched.amount",
		metric.WithDescription("Aggregated amount dispatched to beneficiaries, in base units.")); err != nil {
		return err
	}
	if inst.latency, err = meter.Float64Histogram("merkledrop.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Latency of registry and ledger operations.")); err != nil {
		return err
	}
	m.otel.Store(&inst)
	return nil
}

func (m *MerkledropMetrics) ObserveRoundRegistered(asset string) {
	if m == nil {
		return
	}
	asset = labelOrUnknown(asset)
	m.roundsRegistered.WithLabelValues(asset).Inc()
	if inst := m.otel.Load(); inst != nil {
		inst.roundsRegistered.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("asset", asset)))
	}
}

func (m *MerkledropMetrics) ObserveClaimsSettled(asset string, count int) {
	if m == nil || count <= 0 {
		return
	}
	asset = labelOrUnknown(asset)
	m.claimsSettled.WithLabelValues(asset).Add(float64(count))
	if inst := m.otel.Load(); inst != nil {
		inst.claimsSettled.Add(context.Background(), int64(count),
			metric.WithAttributes(attribute.String("asset", asset)))
	}
}

// ObserveDispatched records an aggregated payout. Amounts are converted to
// float64 and lose precision beyond 2^53 base units.
func (m *MerkledropMetrics) ObserveDispatched(asset, mode string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	asset, mode = labelOrUnknown(asset), labelOrUnknown(mode)
	m.dispatched.WithLabelValues(asset, mode).Add(value)
	if inst := m.otel.Load(); inst != nil {
		inst.dispatched.Add(context.Background(), value, metric.WithAttributes(
			attribute.String("asset", asset),
			attribute.String("mode", mode),
		))
	}
}

// ObserveOperation records latency and, on failure, the rejection reason.
func (m *MerkledropMetrics) ObserveOperation(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	operation = labelOrUnknown(operation)
	outcome := "success"
	if reason != "" {
		outcome = "error"
		m.rejections.WithLabelValues(operation, reason).Inc()
	}
	m.latency.WithLabelValues(operation, outcome).Observe(duration.Seconds())

	inst := m.otel.Load()
	if inst == nil {
		return
	}
	ctx := context.Background()
	if reason != "" {
		inst.rejections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("reason", reason),
		))
	}
	inst.latency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
