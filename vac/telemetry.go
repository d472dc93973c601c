package vac

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/virtac-project/virtac/vac")

var (
	// updateDuration measures one full readback refresh after a
	// recalculation, across all simulation-fed PVs.
	updateDuration metric.Float64Histogram
	// monitorCallbacks counts channel-access monitor deliveries, labelled by
	// the owning PV.
	monitorCallbacks metric.Int64Counter
	// writeFailures counts setpoint writes the lattice rejected.
	writeFailures metric.Int64Counter
)

func init() {
	var err error
	updateDuration, err = meter.Float64Histogram(
		"virtac.update.duration",
		metric.WithDescription("Duration of one post-recalculation refresh of all simulation-fed readback PVs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("vac: failed to init 'virtac.update.duration' instrument")
	}
	monitorCallbacks, err = meter.Int64Counter(
		"virtac.monitor.callbacks",
		metric.WithDescription("Number of channel-access monitor callbacks delivered to mirror PVs."),
	)
	if err != nil {
		panic("vac: failed to init 'virtac.monitor.callbacks' instrument")
	}
	writeFailures, err = meter.Int64Counter(
		"virtac.write.failures",
		metric.WithDescription("Number of setpoint writes rejected by the lattice."),
	)
	if err != nil {
		panic("vac: failed to init 'virtac.write.failures' instrument")
	}
}

func measureUpdate(d time.Duration) {
	updateDuration.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

func countMonitorCallback(pv string) {
	attrs := attribute.NewSet(attribute.String("pv", pv))
	monitorCallbacks.Add(context.Background(), 1, metric.WithAttributeSet(attrs))
}

func countWriteFailure(pv string) {
	attrs := attribute.NewSet(attribute.String("pv", pv))
	writeFailures.Add(context.Background(), 1, metric.WithAttributeSet(attrs))
}
