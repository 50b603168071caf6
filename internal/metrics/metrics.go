// Package metrics registers the daemon's Prometheus collectors,
// scraped by the façade's /metrics endpoint (promhttp.Handler).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ModbusRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatctld",
		Subsystem: "modbus",
		Name:      "requests_total",
		Help:      "Modbus TCP requests handled, by function code and exception code (0 = success).",
	}, []string{"function_code", "exception_code"})

	RegulatorTickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "heatctld",
		Subsystem: "regulator",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of one per-device regulator tick.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"device_id"})

	TelemetryStale = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "heatctld",
		Subsystem: "telemetry",
		Name:      "sensor_stale",
		Help:      "1 if a device's temperature reading is older than the stale threshold, else 0.",
	}, []string{"device_id"})

	SafetyTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heatctld",
		Subsystem: "regulator",
		Name:      "safety_trips_total",
		Help:      "Emergency-stop trips caused by the overheat safety interlock, by device.",
	}, []string{"device_id"})
)

func init() {
	prometheus.MustRegister(ModbusRequests, RegulatorTickDuration, TelemetryStale, SafetyTrips)
}

// FunctionCodeLabel formats a Modbus function code for the
// ModbusRequests label set.
func FunctionCodeLabel(fc byte) string {
	return strconv.Itoa(int(fc))
}

// ExceptionCodeLabel formats a Modbus exception code (0 for success)
// for the ModbusRequests label set.
func ExceptionCodeLabel(code byte) string {
	return strconv.Itoa(int(code))
}
