package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gcslink"

// Metrics bundles the engine, link and HTTP collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	FramesDecoded     *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ChecksumFailures  *prometheus.CounterVec
	LostFrames        *prometheus.CounterVec
	LossRatio         prometheus.Gauge
	Sessions          prometheus.Gauge
	LinkBytes         *prometheus.CounterVec
	LinksConnected    prometheus.Gauge
	PacketLogRecords  prometheus.Counter
	PacketLogFailures prometheus.Counter
	HeartbeatsSent    prometheus.Counter
	SendFailures      *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers collectors against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns
// the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error
	if m.FramesDecoded, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "frames_decoded_total",
		Help: "Checksum-valid frames decoded, by link.",
	}, []string{"link"})); err != nil {
		return nil, err
	}
	if m.FramesDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "frames_dropped_total",
		Help: "Decoded frames not published, by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.ChecksumFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "checksum_failures_total",
		Help: "Candidate frames rejected by checksum, by link.",
	}, []string{"link"})); err != nil {
		return nil, err
	}
	if m.LostFrames, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "lost_frames_total",
		Help: "Frames inferred lost from sequence gaps, by system.",
	}, []string{"system"})); err != nil {
		return nil, err
	}
	if m.LossRatio, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "engine", Name: "loss_ratio_percent",
		Help: "Most recent loss ratio window across all senders.",
	})); err != nil {
		return nil, err
	}
	if m.Sessions, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "engine", Name: "sessions",
		Help: "Sessions currently registered.",
	})); err != nil {
		return nil, err
	}
	if m.LinkBytes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "link", Name: "bytes_total",
		Help: "Bytes moved over links, by link and direction.",
	}, []string{"link", "direction"})); err != nil {
		return nil, err
	}
	if m.LinksConnected, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "link", Name: "connected",
		Help: "Links currently connected.",
	})); err != nil {
		return nil, err
	}
	if m.PacketLogRecords, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "packetlog", Name: "records_total",
		Help: "Records appended to the packet log.",
	})); err != nil {
		return nil, err
	}
	if m.PacketLogFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "packetlog", Name: "failures_total",
		Help: "Packet log open or write failures.",
	})); err != nil {
		return nil, err
	}
	if m.HeartbeatsSent, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "heartbeats_sent_total",
		Help: "Heartbeats emitted by this station.",
	})); err != nil {
		return nil, err
	}
	if m.SendFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "link", Name: "send_failures_total",
		Help: "Outbound writes that failed, by link.",
	}, []string{"link"})); err != nil {
		return nil, err
	}
	if m.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests.",
	}, []string{"method", "path", "status"})); err != nil {
		return nil, err
	}
	if m.HTTPDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry the metrics were registered against.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFrameDecoded(linkID int) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(strconv.Itoa(linkID)).Inc()
}

func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordChecksumFailures(linkID int, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.ChecksumFailures.WithLabelValues(strconv.Itoa(linkID)).Add(float64(n))
}

func (m *Metrics) RecordLoss(systemID uint8, lost int) {
	if m == nil || lost <= 0 {
		return
	}
	m.LostFrames.WithLabelValues(strconv.Itoa(int(systemID))).Add(float64(lost))
}

func (m *Metrics) SetLossRatio(pct float64) {
	if m == nil {
		return
	}
	m.LossRatio.Set(pct)
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Metrics) RecordLinkBytes(linkID int, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LinkBytes.WithLabelValues(strconv.Itoa(linkID), direction).Add(float64(n))
}

func (m *Metrics) SetLinksConnected(n int) {
	if m == nil {
		return
	}
	m.LinksConnected.Set(float64(n))
}

func (m *Metrics) RecordPacketLog(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PacketLogFailures.Inc()
		return
	}
	m.PacketLogRecords.Inc()
}

func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsSent.Inc()
}

func (m *Metrics) RecordSendFailure(linkID int) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(strconv.Itoa(linkID)).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.HTTPDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, fmt.Errorf("observability: collector already registered with incompatible type: %w", err)
		}
		return existing, nil
	}
	return c, nil
}
