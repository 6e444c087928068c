package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics holds all the metric instruments for the transaction manager.
type TxnMetrics struct {
	OpsStartedCounter       metric.Int64Counter
	LocksGrantedCounter     metric.Int64Counter
	LockWaitsCounter        metric.Int64Counter
	LockWaitHistogram       metric.Int64Histogram
	CommitsCounter          metric.Int64Counter
	AbortsCounter           metric.Int64Counter
	ErrorsCounter           metric.Int64Counter
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
}

// NewTxnMetrics creates and registers all the metrics for the transaction manager.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	opsStarted, err := meter.Int64Counter(
		"gojotm.txn.operations_total",
		metric.WithDescription("Total number of operations started, by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	locksGranted, err := meter.Int64Counter(
		"gojotm.lock.granted_total",
		metric.WithDescription("Total number of locks granted, by mode."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWaits, err := meter.Int64Counter(
		"gojotm.lock.waits_total",
		metric.WithDescription("Total number of times a transaction blocked behind another."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Int64Histogram(
		"gojotm.lock.wait_duration",
		metric.WithDescription("Time spent blocked behind a wait target."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"gojotm.txn.commits_total",
		metric.WithDescription("Total number of committed transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborts, err := meter.Int64Counter(
		"gojotm.txn.aborts_total",
		metric.WithDescription("Total number of aborted transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(
		"gojotm.txn.errors_total",
		metric.WithDescription("Total number of abandoned operations, by error class."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotm.txn.active",
		metric.WithDescription("Number of registered transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		OpsStartedCounter:       opsStarted,
		LocksGrantedCounter:     locksGranted,
		LockWaitsCounter:        lockWaits,
		LockWaitHistogram:       lockWait,
		CommitsCounter:          commits,
		AbortsCounter:           aborts,
		ErrorsCounter:           errs,
		ActiveTxnsUpDownCounter: active,
	}, nil
}

// NewNoopTxnMetrics returns instruments that record nothing.
func NewNoopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// OpStarted counts an operation of the given kind.
func (m *TxnMetrics) OpStarted(ctx context.Context, op string) {
	m.OpsStartedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// LockGranted counts a granted lock in the given mode.
func (m *TxnMetrics) LockGranted(ctx context.Context, mode string) {
	m.LocksGrantedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// Error counts an abandoned operation.
func (m *TxnMetrics) Error(ctx context.Context, class string) {
	m.ErrorsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}
