// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 所有记录方法对 nil 接收者安全，未启用指标时组件直接传 nil。
type Collector struct {
	// 流会话指标
	streamStateTransitions *prometheus.CounterVec
	streamRecords          *prometheus.CounterVec
	streamReconnects       prometheus.Counter
	streamOpenFailures     *prometheus.CounterVec

	// 双工 RPC 指标
	duplexCallsTotal         *prometheus.CounterVec
	duplexCallDuration       *prometheus.HistogramVec
	duplexPendingCalls       prometheus.Gauge
	duplexProtocolViolations prometheus.Counter
	duplexFrames             *prometheus.CounterVec
	duplexDroppedPushes      prometheus.Counter

	// 续传存储指标
	resumeOps *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 流会话指标
	c.streamStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_state_transitions_total",
			Help:      "Total number of stream session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.streamRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_records_total",
			Help:      "Total number of decoded stream records",
		},
		[]string{"kind"}, // kind: data, named
	)

	c.streamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Total number of stream reconnects after a dropped connection",
		},
	)

	c.streamOpenFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_open_failures_total",
			Help:      "Total number of connect attempts answered with a non-stream status",
		},
		[]string{"status"},
	)

	// 双工 RPC 指标
	c.duplexCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplex_calls_total",
			Help:      "Total number of correlated duplex calls",
		},
		[]string{"method", "outcome"},
	)

	c.duplexCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duplex_call_duration_seconds",
			Help:      "Correlated duplex call duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method"},
	)

	c.duplexPendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplex_pending_calls",
			Help:      "Number of correlated calls waiting for a reply",
		},
	)

	c.duplexProtocolViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplex_protocol_violations_total",
			Help:      "Total number of connections closed for a protocol violation",
		},
	)

	c.duplexFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplex_frames_total",
			Help:      "Total number of duplex frames by direction and type",
		},
		[]string{"direction", "type"},
	)

	c.duplexDroppedPushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplex_dropped_pushes_total",
			Help:      "Total number of pushed payloads shed because the receive handler fell behind",
		},
	)

	// 续传存储指标
	c.resumeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_store_operations_total",
			Help:      "Total number of resume token store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📡 流会话指标记录
// =============================================================================

// RecordStreamTransition 记录会话状态转换
func (c *Collector) RecordStreamTransition(from, to string) {
	if c == nil {
		return
	}
	c.streamStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordStreamRecord 记录一条解码后的记录
func (c *Collector) RecordStreamRecord(named bool) {
	if c == nil {
		return
	}
	kind := "data"
	if named {
		kind = "named"
	}
	c.streamRecords.WithLabelValues(kind).Inc()
}

// RecordStreamReconnect 记录一次断线重连
func (c *Collector) RecordStreamReconnect() {
	if c == nil {
		return
	}
	c.streamReconnects.Inc()
}

// RecordStreamOpenFailure 记录一次非 200/204 的连接响应
func (c *Collector) RecordStreamOpenFailure(status int) {
	if c == nil {
		return
	}
	c.streamOpenFailures.WithLabelValues(statusCode(status)).Inc()
}

// =============================================================================
// 🔁 双工 RPC 指标记录
// =============================================================================

// RecordDuplexCall 记录一次关联调用
func (c *Collector) RecordDuplexCall(method, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.duplexCallsTotal.WithLabelValues(method, outcome).Inc()
	c.duplexCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetDuplexPending 设置等待应答的调用数
func (c *Collector) SetDuplexPending(n int) {
	if c == nil {
		return
	}
	c.duplexPendingCalls.Set(float64(n))
}

// RecordProtocolViolation 记录一次协议违规
func (c *Collector) RecordProtocolViolation() {
	if c == nil {
		return
	}
	c.duplexProtocolViolations.Inc()
}

// RecordDuplexFrame 记录收发的帧
func (c *Collector) RecordDuplexFrame(direction, frameType string) {
	if c == nil {
		return
	}
	c.duplexFrames.WithLabelValues(direction, frameType).Inc()
}

// RecordDuplexDroppedPush 记录一次因接收处理器积压而丢弃的推送
func (c *Collector) RecordDuplexDroppedPush() {
	if c == nil {
		return
	}
	c.duplexDroppedPushes.Inc()
}

// =============================================================================
// 💾 续传存储指标记录
// =============================================================================

// RecordResumeOp 记录续传令牌存取
func (c *Collector) RecordResumeOp(backend, operation string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.resumeOps.WithLabelValues(backend, operation, status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
