// Package anomaly classifies traffic records into anomalies and keeps the
// anomaly log with its resolution lifecycle.
package anomaly

import (
	"fmt"
	"hash/fnv"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// DefaultThreshold is the bytes-transferred threshold used when none is configured.
const DefaultThreshold int64 = 1000

// Rule assigns a category to an anomalous record when its condition holds.
type Rule struct {
	ID          string
	Type        types.AnomalyType
	Description string
	Condition   func(rec *types.TrafficRecord) bool
}

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	Threshold       int64
	SuspiciousPorts []int
}

// Classifier maps a traffic record to zero or one anomaly. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	threshold int64
	rules     []*Rule
	now       func() time.Time
}

// NewClassifier creates a classifier with the default category rules.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Threshold < 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Classifier{
		threshold: cfg.Threshold,
		rules:     defaultRules(cfg),
		now:       time.Now,
	}
}

// Threshold returns the configured threshold.
func (c *Classifier) Threshold() int64 {
	return c.threshold
}

// Rules returns the loaded category rules (read-only).
func (c *Classifier) Rules() []*Rule {
	return c.rules
}

// IsAnomalous reports whether rec transferred strictly more than the threshold.
func (c *Classifier) IsAnomalous(rec types.TrafficRecord) bool {
	return rec.BytesTransferred > c.threshold
}

// Classify returns the anomaly for rec, or false if rec is not anomalous.
func (c *Classifier) Classify(rec types.TrafficRecord) (types.Anomaly, bool) {
	if !c.IsAnomalous(rec) {
		return types.Anomaly{}, false
	}
	category := c.category(&rec)
	return types.Anomaly{
		ID:            uuid.NewString(),
		EndpointID:    rec.EndpointID,
		ApplicationID: rec.ApplicationID,
		Type:          category,
		Description: fmt.Sprintf("%s: %d bytes %s %s %s:%d -> %s:%d",
			category, rec.BytesTransferred, rec.TrafficType, rec.Protocol,
			rec.SourceIP, rec.SourcePort, rec.DestinationIP, rec.DestinationPort),
		Severity:  c.severity(rec.BytesTransferred),
		Timestamp: c.now(),
		TrafficID: rec.ID,
	}, true
}

// category returns the first matching rule's type, else a stable hash of the record id.
func (c *Classifier) category(rec *types.TrafficRecord) types.AnomalyType {
	for _, r := range c.rules {
		if r.Condition(rec) {
			return r.Type
		}
	}
	h := fnv.New32a()
	h.Write([]byte(rec.ID))
	return types.AnomalyTypes[h.Sum32()%uint32(len(types.AnomalyTypes))]
}

// severity grades by how far bytes exceed the threshold.
func (c *Classifier) severity(bytes int64) types.Severity {
	if c.threshold == 0 {
		return types.SeverityHigh
	}
	ratio := float64(bytes) / float64(c.threshold)
	switch {
	case ratio > 5:
		return types.SeverityHigh
	case ratio > 2:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func defaultRules(cfg ClassifierConfig) []*Rule {
	suspicious := make(map[int]bool, len(cfg.SuspiciousPorts))
	for _, p := range cfg.SuspiciousPorts {
		suspicious[p] = true
	}
	threshold := cfg.Threshold

	return []*Rule{
		{
			ID:          "EPA-001",
			Type:        types.AnomalyUnusualPort,
			Description: "Large transfer on a port associated with remote shells or remote desktop",
			Condition: func(r *types.TrafficRecord) bool {
				return suspicious[r.DestinationPort] || suspicious[r.SourcePort]
			},
		},
		{
			ID:          "EPA-002",
			Type:        types.AnomalyProtocolViolation,
			Description: "Large ICMP payload to or from a public address",
			Condition: func(r *types.TrafficRecord) bool {
				return r.Protocol == types.ProtocolICMP && (isExternal(r.SourceIP) || isExternal(r.DestinationIP))
			},
		},
		{
			ID:          "EPA-003",
			Type:        types.AnomalySuspiciousIP,
			Description: "Large outbound transfer that policy blocked",
			Condition: func(r *types.TrafficRecord) bool {
				return r.TrafficType == types.TrafficOutbound && r.Status == types.TrafficBlocked
			},
		},
		{
			ID:          "EPA-004",
			Type:        types.AnomalyExcessiveTransfer,
			Description: "Transfer at least ten times the threshold",
			Condition: func(r *types.TrafficRecord) bool {
				return r.BytesTransferred >= 10*threshold
			},
		},
	}
}

var privateRanges = func() []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"fc00::/7",
		"fe80::/10",
	} {
		_, ipnet, _ := net.ParseCIDR(cidr)
		out = append(out, ipnet)
	}
	return out
}()

// isExternal reports whether addr parses as a public address.
func isExternal(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
		return false
	}
	for _, ipnet := range privateRanges {
		if ipnet.Contains(ip) {
			return false
		}
	}
	return true
}
