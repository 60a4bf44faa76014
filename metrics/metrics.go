// Package metrics exposes Prometheus collectors for bus traffic, device
// health and trajectory playback.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dynamixel"

// Transaction kinds.
const (
	KindWrite  = "bulk_write"
	KindRead   = "bulk_read"
	KindReboot = "reboot"
	KindPing   = "ping"
)

// Transaction results.
const (
	ResultOK       = "ok"
	ResultDegraded = "degraded"
	ResultError    = "error"
)

// Trajectory step outcomes.
const (
	StepSent    = "sent"
	StepSkipped = "skipped"
	StepFailed  = "failed"
)

var (
	transactionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "transactions_total",
			Help:      "Count of bulk transactions by kind and result.",
		},
		[]string{"kind", "result"},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "transaction_duration_seconds",
			Help:      "Bus transaction latency in seconds.",
			Buckets: []float64{
				0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1,
			},
		},
		[]string{"kind"},
	)
	missingDeviceCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_devices_total",
			Help:      "Count of devices that did not answer a bulk read.",
		},
		[]string{"device"},
	)
	deviceErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Count of error statuses reported by devices.",
		},
		[]string{"device"},
	)
	trajectoryStepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trajectory_steps_total",
			Help:      "Count of trajectory steps by outcome.",
		},
		[]string{"outcome"},
	)
	recoveryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Count of reboot-and-reapply recovery sequences.",
		},
	)
)

var registerMetrics sync.Once

// Register registers all collectors with reg. Only the first call has an
// effect.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(transactionCounter)
		reg.MustRegister(transactionDuration)
		reg.MustRegister(missingDeviceCounter)
		reg.MustRegister(deviceErrorCounter)
		reg.MustRegister(trajectoryStepCounter)
		reg.MustRegister(recoveryCounter)
	})
}

// RecordTransaction records the result and latency of one bus transaction.
func RecordTransaction(kind, result string, d time.Duration) {
	transactionCounter.WithLabelValues(kind, result).Inc()
	transactionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordMissingDevice records a device that stayed silent during a read.
func RecordMissingDevice(id int) {
	missingDeviceCounter.WithLabelValues(strconv.Itoa(id)).Inc()
}

// RecordDeviceError records an error status from a device.
func RecordDeviceError(id int) {
	deviceErrorCounter.WithLabelValues(strconv.Itoa(id)).Inc()
}

// RecordTrajectoryStep records one step of trajectory playback.
func RecordTrajectoryStep(outcome string) {
	trajectoryStepCounter.WithLabelValues(outcome).Inc()
}

// RecordRecovery records one recovery sequence.
func RecordRecovery() {
	recoveryCounter.Inc()
}
