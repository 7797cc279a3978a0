package monitor

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bq76-utils/src/server/bq76"
)

// Metrics exports device readings and bus statistics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connected    prometheus.Gauge
	address      prometheus.Gauge
	packVoltage  prometheus.Gauge
	cellVoltage  *prometheus.GaugeVec
	temperature  *prometheus.GaugeVec
	alerts       prometheus.Gauge
	faults       prometheus.Gauge
	ovThreshold  prometheus.Gauge
	uvThreshold  prometheus.Gauge
	transactions *prometheus.CounterVec
	txDuration   prometheus.Histogram
	polls        *prometheus.CounterVec
	pollDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_connected",
			Help: "1 while a device session is open",
		}),
		address: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_device_address",
			Help: "Bus address of the connected device",
		}),
		packVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_pack_millivolts",
			Help: "Pack voltage (mV)",
		}),
		cellVoltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bq76_cell_millivolts",
			Help: "Cell voltage (mV)",
		}, []string{"cell"}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bq76_temperature_celsius",
			Help: "Thermistor temperature (°C)",
		}, []string{"sensor"}),
		alerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_alert_status",
			Help: "Raw alert status register",
		}),
		faults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_fault_status",
			Help: "Raw fault status register",
		}),
		ovThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_ov_threshold_volts",
			Help: "Cell overvoltage threshold (V), 0 when disabled",
		}),
		uvThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bq76_uv_threshold_volts",
			Help: "Cell undervoltage threshold (V), 0 when disabled",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bq76_transactions_total",
			Help: "Bus round trips by operation and result",
		}, []string{"op", "result"}),
		txDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bq76_transaction_seconds",
			Help:    "Bus round trip duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bq76_polls_total",
			Help: "Snapshot refreshes by result",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bq76_poll_seconds",
			Help:    "Snapshot refresh duration",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.connected, m.address, m.packVoltage, m.cellVoltage, m.temperature,
		m.alerts, m.faults, m.ovThreshold, m.uvThreshold,
		m.transactions, m.txDuration, m.polls, m.pollDuration,
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// resultLabel classifies a protocol error.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, bq76.ErrCrcMismatch):
		return "crc_mismatch"
	case errors.Is(err, bq76.ErrTimeout):
		return "timeout"
	case errors.Is(err, bq76.ErrWriteVerifyMismatch):
		return "verify_mismatch"
	case errors.Is(err, bq76.ErrConnection):
		return "connection"
	}
	return "error"
}

// ObserveTransaction counts one bus round trip. It is installed as the
// session's transaction observer.
func (m *Metrics) ObserveTransaction(tx bq76.Transaction) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(tx.Op, resultLabel(tx.Err)).Inc()
	m.txDuration.Observe(tx.Duration.Seconds())
}

func (m *Metrics) observePoll(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(resultLabel(err)).Inc()
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) update(s Snapshot) {
	if m == nil {
		return
	}
	m.address.Set(float64(s.Device.Address))
	m.packVoltage.Set(s.Measurement.PackMillivolts)
	for i, mv := range s.Measurement.CellMillivolts {
		m.cellVoltage.WithLabelValues(strconv.Itoa(i + 1)).Set(mv)
	}
	for i, c := range s.Measurement.Temperatures {
		m.temperature.WithLabelValues(strconv.Itoa(i + 1)).Set(c)
	}
	m.alerts.Set(float64(s.Alerts))
	m.faults.Set(float64(s.Faults))
	m.ovThreshold.Set(s.OV.Volts)
	m.uvThreshold.Set(s.UV.Volts)
}
