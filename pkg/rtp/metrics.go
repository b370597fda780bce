package rtp

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig конфигурация экспорта метрик
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultMetricsConfig конфигурация по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "media",
		Subsystem: "rtp",
	}
}

// MetricsCollector экспортирует статистику зарегистрированных сессий в Prometheus.
// Значения читаются при каждом сборе через AllStatistics, поэтому сессии
// не хранят отдельных счетчиков.
//
// Usage:
//
//	collector := NewMetricsCollector(DefaultMetricsConfig())
//	prometheus.MustRegister(collector)
//	collector.RegisterSession(session)
type MetricsCollector struct {
	mutex    sync.RWMutex
	sessions map[string]*Session

	packets    *prometheus.Desc
	octets     *prometheus.Desc
	lost       *prometheus.Desc
	outOfOrder *prometheus.Desc
	tooLate    *prometheus.Desc
	nacks      *prometheus.Desc
	jitter     *prometheus.Desc
	remoteLost *prometheus.Desc
	rtt        *prometheus.Desc
	sources    *prometheus.Desc
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector создает сборщик метрик
func NewMetricsCollector(config MetricsConfig) *MetricsCollector {
	sourceLabels := []string{"session_id", "ssrc", "direction"}
	name := func(metric string) string {
		return prometheus.BuildFQName(config.Namespace, config.Subsystem, metric)
	}

	return &MetricsCollector{
		sessions: make(map[string]*Session),

		packets: prometheus.NewDesc(name("packets_total"),
			"Packets sent or received by source", sourceLabels, nil),
		octets: prometheus.NewDesc(name("octets_total"),
			"Payload octets sent or received by source", sourceLabels, nil),
		lost: prometheus.NewDesc(name("packets_lost_total"),
			"Packets detected as lost", sourceLabels, nil),
		outOfOrder: prometheus.NewDesc(name("packets_out_of_order_total"),
			"Packets received out of order", sourceLabels, nil),
		tooLate: prometheus.NewDesc(name("packets_too_late_total"),
			"Packets discarded as too late or duplicate", sourceLabels, nil),
		nacks: prometheus.NewDesc(name("nacks_total"),
			"NACK feedback sent or received for source", sourceLabels, nil),
		jitter: prometheus.NewDesc(name("jitter_seconds"),
			"Interarrival jitter estimate", sourceLabels, nil),
		remoteLost: prometheus.NewDesc(name("remote_packets_lost"),
			"Cumulative loss reported by remote receiver", sourceLabels, nil),
		rtt: prometheus.NewDesc(name("round_trip_time_seconds"),
			"Last round trip time estimate", []string{"session_id"}, nil),
		sources: prometheus.NewDesc(name("sources"),
			"Synchronization sources in session", []string{"session_id", "direction"}, nil),
	}
}

// RegisterSession добавляет сессию в экспорт
func (mc *MetricsCollector) RegisterSession(s *Session) {
	mc.mutex.Lock()
	mc.sessions[s.ID()] = s
	mc.mutex.Unlock()
}

// UnregisterSession убирает сессию из экспорта
func (mc *MetricsCollector) UnregisterSession(id string) {
	mc.mutex.Lock()
	delete(mc.sessions, id)
	mc.mutex.Unlock()
}

// Describe реализует prometheus.Collector
func (mc *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		mc.packets, mc.octets, mc.lost, mc.outOfOrder, mc.tooLate,
		mc.nacks, mc.jitter, mc.remoteLost, mc.rtt, mc.sources,
	} {
		ch <- d
	}
}

// Collect реализует prometheus.Collector
func (mc *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	mc.mutex.RLock()
	sessions := make([]*Session, 0, len(mc.sessions))
	for _, s := range mc.sessions {
		sessions = append(sessions, s)
	}
	mc.mutex.RUnlock()

	for _, s := range sessions {
		id := s.ID()
		counts := map[Direction]int{DirectionSend: 0, DirectionReceive: 0}

		for _, st := range s.AllStatistics() {
			counts[st.Direction]++
			labels := []string{id, strconv.FormatUint(uint64(st.SSRC), 10), st.Direction.String()}

			ch <- prometheus.MustNewConstMetric(mc.packets, prometheus.CounterValue, float64(st.Packets), labels...)
			ch <- prometheus.MustNewConstMetric(mc.octets, prometheus.CounterValue, float64(st.Octets), labels...)
			ch <- prometheus.MustNewConstMetric(mc.lost, prometheus.CounterValue, float64(st.PacketsLost), labels...)
			ch <- prometheus.MustNewConstMetric(mc.outOfOrder, prometheus.CounterValue, float64(st.PacketsOutOfOrder), labels...)
			ch <- prometheus.MustNewConstMetric(mc.tooLate, prometheus.CounterValue, float64(st.PacketsTooLate), labels...)
			ch <- prometheus.MustNewConstMetric(mc.nacks, prometheus.CounterValue, float64(st.NACKs), labels...)
			ch <- prometheus.MustNewConstMetric(mc.jitter, prometheus.GaugeValue, st.Jitter.Seconds(), labels...)
			if st.Direction == DirectionSend {
				ch <- prometheus.MustNewConstMetric(mc.remoteLost, prometheus.GaugeValue, float64(st.RemotePacketsLost), labels...)
			}
		}

		for dir, n := range counts {
			ch <- prometheus.MustNewConstMetric(mc.sources, prometheus.GaugeValue, float64(n), id, dir.String())
		}
		ch <- prometheus.MustNewConstMetric(mc.rtt, prometheus.GaugeValue, s.RoundTripTime().Seconds(), id)
	}
}
