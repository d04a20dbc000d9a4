package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "revsocks"

// 方向标签
const (
	DirUpstream   = "upstream"   // 客户端 → 目标
	DirDownstream = "downstream" // 目标 → 客户端
)

var (
	activeCircuits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_circuits",
		Help:      "Number of circuits currently registered.",
	}, []string{"side", "proto"})

	tunnelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_messages_total",
		Help:      "Tunnel messages handled, by side, direction and status.",
	}, []string{"side", "direction", "status"})

	relayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_bytes_total",
		Help:      "Payload bytes relayed through circuits.",
	}, []string{"side", "direction"})

	handshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "SOCKS5 handshakes that ended without a circuit.",
	}, []string{"reason"})

	transportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Failed poll/deliver calls against the tunnel transport.",
	}, []string{"op"})
)

func CircuitOpened(side, proto string) { activeCircuits.WithLabelValues(side, proto).Inc() }
func CircuitClosed(side, proto string) { activeCircuits.WithLabelValues(side, proto).Dec() }

func MessageHandled(side, direction, status string) {
	tunnelMessages.WithLabelValues(side, direction, status).Inc()
}

func BytesRelayed(side, direction string, n int) {
	relayBytes.WithLabelValues(side, direction).Add(float64(n))
}

func HandshakeFailed(reason string) { handshakeFailures.WithLabelValues(reason).Inc() }

func TransportFailed(op string) { transportErrors.WithLabelValues(op).Inc() }

// Handler 返回 /metrics 的 HTTP 处理器
func Handler() http.Handler { return promhttp.Handler() }
