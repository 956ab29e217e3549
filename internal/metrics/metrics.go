// Package metrics holds the Prometheus collectors shared by the agent components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics (registered once).
var (
	RuleSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_rule_syncs_total",
			Help: "Rule syncs from the authority by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)
	RulesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "endpoint_agent_rules_live",
			Help: "Number of rules in the live rule set",
		},
	)
	RulesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "endpoint_agent_rules_dropped_total",
			Help: "Rules from the authority dropped as invalid or duplicate",
		},
	)
	RuleApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_rule_applies_total",
			Help: "Rule application runs by outcome",
		},
		[]string{"outcome"},
	)
	TrafficRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_traffic_records_total",
			Help: "Traffic records ingested by status and direction",
		},
		[]string{"status", "direction"},
	)
	AnomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_anomalies_total",
			Help: "Anomalies detected by type and severity",
		},
		[]string{"type", "severity"},
	)
	AnomaliesResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "endpoint_agent_anomalies_resolved_total",
			Help: "Anomalies resolved locally",
		},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_deliveries_total",
			Help: "Outbound deliveries to the authority by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_task_runs_total",
			Help: "Scheduled task runs by task and outcome (ok, error, skipped)",
		},
		[]string{"task", "outcome"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "endpoint_agent_task_duration_seconds",
			Help:    "Scheduled task run duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)
	PushPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "endpoint_agent_push_phase",
			Help: "Push channel phase (1 for the current phase)",
		},
		[]string{"phase"},
	)
	PushReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "endpoint_agent_push_reconnects_total",
			Help: "Push channel reconnection attempts",
		},
	)
	PushBackoff = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "endpoint_agent_push_backoff_seconds",
			Help: "Current push channel reconnect backoff",
		},
	)
	PushMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_agent_push_messages_total",
			Help: "Inbound push messages by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(RuleSyncs)
	prometheus.MustRegister(RulesLive)
	prometheus.MustRegister(RulesDropped)
	prometheus.MustRegister(RuleApplies)
	prometheus.MustRegister(TrafficRecords)
	prometheus.MustRegister(AnomaliesDetected)
	prometheus.MustRegister(AnomaliesResolved)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(TaskRuns)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(PushPhase)
	prometheus.MustRegister(PushReconnects)
	prometheus.MustRegister(PushBackoff)
	prometheus.MustRegister(PushMessages)
}

// SetPushPhase marks phase as current and clears the others.
func SetPushPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		PushPhase.WithLabelValues(p).Set(v)
	}
}
