package metrics

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewOperationMetrics(t *testing.T) {
	Convey("When creating metrics on the global provider", t, func() {
		m, err := NewOperationMetrics(nil)

		Convey("Then it should not be nil", func() {
			So(err, ShouldBeNil)
			So(m, ShouldNotBeNil)
		})
	})
}

func TestRecordOperation(t *testing.T) {
	Convey("Given a metrics instance", t, func() {
		m, _ := NewOperationMetrics(nil)

		m.RecordOperation(context.Background(), "add", false, 10*time.Millisecond)
		m.RecordOperation(context.Background(), "add", true, 30*time.Millisecond)
		m.RecordCompensation(context.Background(), "add")
		m.RecordQueueDepth(3)
		m.RecordTask("succeeded")

		Convey("Then the snapshot reflects the counts", func() {
			snapshot := m.GetMetrics()
			add := snapshot["operations"].(map[string]any)["add"].(map[string]any)

			So(add["success"], ShouldEqual, 1)
			So(add["failure"], ShouldEqual, 1)
			So(add["avg_latency_ms"], ShouldAlmostEqual, 20.0)
			So(snapshot["compensations"].(map[string]int64)["add"], ShouldEqual, 1)
			So(snapshot["queue_depth"], ShouldEqual, 3)
			So(snapshot["tasks"].(map[string]int64)["succeeded"], ShouldEqual, 1)
		})
	})

	Convey("Given a nil instance", t, func() {
		var m *OperationMetrics

		Convey("Then recording is a no-op", func() {
			So(func() { m.RecordOperation(context.Background(), "get", false, time.Millisecond) }, ShouldNotPanic)
			So(func() { m.RecordCompensation(context.Background(), "add") }, ShouldNotPanic)
		})
	})
}

func TestInstrumentsExport(t *testing.T) {
	Convey("Given a manual reader", t, func() {
		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

		m, err := NewOperationMetrics(provider.Meter("test"))
		So(err, ShouldBeNil)

		m.RecordOperation(context.Background(), "search", false, time.Millisecond)

		var rm metricdata.ResourceMetrics
		So(reader.Collect(context.Background(), &rm), ShouldBeNil)

		names := map[string]bool{}
		for _, scope := range rm.ScopeMetrics {
			for _, metric := range scope.Metrics {
				names[metric.Name] = true
			}
		}

		Convey("Then the instruments are exported", func() {
			So(names["memcube.operations"], ShouldBeTrue)
			So(names["memcube.operation.duration"], ShouldBeTrue)
		})
	})
}
