package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors, registered on the
// default registry and served from the gateway's /metrics endpoint.
type Metrics struct {
	MessagesInbound  *prometheus.CounterVec
	MessagesOutbound *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	ToolInvocations  *prometheus.CounterVec
	LLMTokens        *prometheus.CounterVec
	VisionSteps      prometheus.Counter
	SubAgentsActive  prometheus.Gauge
	CronFires        *prometheus.CounterVec
}

// NewMetrics registers and returns the runtime collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesInbound: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_messages_inbound_total",
			Help: "Inbound messages by channel and router verdict.",
		}, []string{"channel", "status"}),
		MessagesOutbound: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_messages_outbound_total",
			Help: "Outbound deliveries by channel.",
		}, []string{"channel"}),
		TurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_turn_duration_seconds",
			Help:    "Wall time of one conversation engine turn.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_tool_invocations_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		LLMTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_llm_tokens_total",
			Help: "Token usage by provider and direction.",
		}, []string{"provider", "direction"}),
		VisionSteps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexus_vision_steps_total",
			Help: "Executed vision worker actions.",
		}),
		SubAgentsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_sub_agents_active",
			Help: "Sub-agents currently in the working state.",
		}),
		CronFires: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_cron_fires_total",
			Help: "Scheduler job fires by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveTurn records one engine turn's duration under the given kind
// label (the daemon passes "detached" for cron and reflection turns).
func (m *Metrics) ObserveTurn(kind string, start time.Time) {
	m.TurnDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
