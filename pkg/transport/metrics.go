package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики транспортов, метка transport - id транспорта.
// Один экземпляр разделяется всеми транспортами процесса.
type Metrics struct {
	packets       *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	nacksSent     *prometheus.CounterVec
	nacksReceived *prometheus.CounterVec
	rtxSent       *prometheus.CounterVec
	rtxThrottled  *prometheus.CounterVec
	probingBytes  *prometheus.CounterVec
	rtt           *prometheus.GaugeVec
	bitrate       *prometheus.GaugeVec
	groups        *prometheus.GaugeVec
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "media", "transport"

	return &Metrics{
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_total",
			Help:      "Packets by direction and kind",
		}, []string{"transport", "direction", "kind"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Bytes by direction and kind",
		}, []string{"transport", "direction", "kind"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_packets_total",
			Help:      "Dropped packets by reason",
		}, []string{"transport", "reason"}),
		nacksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nacks_sent_total",
			Help:      "NACK feedback packets sent",
		}, []string{"transport"}),
		nacksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nacks_received_total",
			Help:      "NACK feedback packets received",
		}, []string{"transport"}),
		rtxSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rtx_sent_total",
			Help:      "Retransmitted packets",
		}, []string{"transport"}),
		rtxThrottled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rtx_throttled_total",
			Help:      "Retransmissions skipped by the RTX bitrate cap",
		}, []string{"transport"}),
		probingBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probing_bytes_total",
			Help:      "Bytes sent by bandwidth probing",
		}, []string{"transport"}),
		rtt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rtt_seconds",
			Help:      "Current round trip time",
		}, []string{"transport"}),
		bitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bitrate_bps",
			Help:      "Bandwidth estimator outputs",
		}, []string{"transport", "kind"}),
		groups: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "source_groups",
			Help:      "Registered source groups",
		}, []string{"transport", "direction"}),
	}
}

// transportMetrics метрики одного транспорта. nil безопасен.
type transportMetrics struct {
	m  *Metrics
	id string
}

func (m *Metrics) forTransport(id string) *transportMetrics {
	if m == nil {
		return nil
	}
	return &transportMetrics{m: m, id: id}
}

func (t *transportMetrics) packet(direction, kind string, size int) {
	if t == nil {
		return
	}
	t.m.packets.WithLabelValues(t.id, direction, kind).Inc()
	t.m.bytes.WithLabelValues(t.id, direction, kind).Add(float64(size))
}

func (t *transportMetrics) drop(reason string) {
	if t == nil {
		return
	}
	t.m.dropped.WithLabelValues(t.id, reason).Inc()
}

func (t *transportMetrics) nackSent() {
	if t == nil {
		return
	}
	t.m.nacksSent.WithLabelValues(t.id).Inc()
}

func (t *transportMetrics) nackReceived() {
	if t == nil {
		return
	}
	t.m.nacksReceived.WithLabelValues(t.id).Inc()
}

func (t *transportMetrics) rtx(throttled bool) {
	if t == nil {
		return
	}
	if throttled {
		t.m.rtxThrottled.WithLabelValues(t.id).Inc()
		return
	}
	t.m.rtxSent.WithLabelValues(t.id).Inc()
}

func (t *transportMetrics) probing(size int) {
	if t == nil {
		return
	}
	t.m.probingBytes.WithLabelValues(t.id).Add(float64(size))
}

func (t *transportMetrics) setRTT(seconds float64) {
	if t == nil {
		return
	}
	t.m.rtt.WithLabelValues(t.id).Set(seconds)
}

func (t *transportMetrics) setBitrate(kind string, bps uint64) {
	if t == nil {
		return
	}
	t.m.bitrate.WithLabelValues(t.id, kind).Set(float64(bps))
}

func (t *transportMetrics) setGroups(direction string, n int) {
	if t == nil {
		return
	}
	t.m.groups.WithLabelValues(t.id, direction).Set(float64(n))
}

// delete убирает серии транспорта после остановки
func (t *transportMetrics) delete() {
	if t == nil {
		return
	}
	labels := prometheus.Labels{"transport": t.id}
	for _, vec := range []*prometheus.CounterVec{
		t.m.packets, t.m.bytes, t.m.dropped, t.m.nacksSent, t.m.nacksReceived,
		t.m.rtxSent, t.m.rtxThrottled, t.m.probingBytes,
	} {
		vec.DeletePartialMatch(labels)
	}
	for _, vec := range []*prometheus.GaugeVec{t.m.rtt, t.m.bitrate, t.m.groups} {
		vec.DeletePartialMatch(labels)
	}
}
