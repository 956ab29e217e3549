package rules

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// Enforcer performs the packet-filtering side effect for a rule set.
type Enforcer interface {
	Apply(ctx context.Context, rules []types.FirewallRule) error
}

// LogEnforcer records each rule it would install. It stands in for a
// platform packet filter.
type LogEnforcer struct {
	log *logrus.Logger
}

// NewLogEnforcer creates a LogEnforcer.
func NewLogEnforcer(log *logrus.Logger) *LogEnforcer {
	return &LogEnforcer{log: log}
}

// Apply logs every rule in order.
func (e *LogEnforcer) Apply(ctx context.Context, rules []types.FirewallRule) error {
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.log.WithFields(logrus.Fields{
			"rule_id":          r.ID,
			"rule_name":        r.Name,
			"action":           r.Action,
			"protocol":         r.Protocol,
			"source_ip":        r.SourceIP,
			"destination_ip":   r.DestinationIP,
			"source_port":      r.SourcePort,
			"destination_port": r.DestinationPort,
			"priority":         r.Priority,
		}).Debug("Applying firewall rule")
	}
	e.log.WithField("rule_count", len(rules)).Info("Firewall rules applied")
	return nil
}
