package types

import (
	"encoding/json"
	"time"
)

// TrafficStatus is the verdict recorded for a traffic record.
type TrafficStatus string

const (
	TrafficAllowed TrafficStatus = "allowed"
	TrafficBlocked TrafficStatus = "blocked"
)

// TrafficDirection is the direction of a traffic record.
type TrafficDirection string

const (
	TrafficInbound  TrafficDirection = "inbound"
	TrafficOutbound TrafficDirection = "outbound"
)

// TrafficRecord is one observed flow.
type TrafficRecord struct {
	ID               string           `json:"id" validate:"required"`
	EndpointID       string           `json:"endpointId,omitempty"`
	ApplicationID    string           `json:"applicationId,omitempty"`
	SourceIP         string           `json:"sourceIp" validate:"omitempty,ip"`
	DestinationIP    string           `json:"destinationIp" validate:"omitempty,ip"`
	SourcePort       int              `json:"sourcePort" validate:"gte=0,lte=65535"`
	DestinationPort  int              `json:"destinationPort" validate:"gte=0,lte=65535"`
	Protocol         Protocol         `json:"protocol" validate:"required,oneof=TCP UDP ICMP"`
	Status           TrafficStatus    `json:"status" validate:"required,oneof=allowed blocked"`
	TrafficType      TrafficDirection `json:"trafficType" validate:"required,oneof=inbound outbound"`
	BytesTransferred int64            `json:"dataTransferred" validate:"gte=0"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Severity is the level assigned to an anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyType is the category assigned to an anomaly.
type AnomalyType string

const (
	AnomalyExcessiveTransfer AnomalyType = "excessive_data_transfer"
	AnomalyUnusualPort       AnomalyType = "unusual_port_access"
	AnomalySuspiciousIP      AnomalyType = "suspicious_ip_connection"
	AnomalyProtocolViolation AnomalyType = "protocol_violation"
	AnomalyUnusualPattern    AnomalyType = "unusual_traffic_pattern"
)

// AnomalyTypes lists every category in a fixed order.
var AnomalyTypes = []AnomalyType{
	AnomalyExcessiveTransfer,
	AnomalyUnusualPort,
	AnomalySuspiciousIP,
	AnomalyProtocolViolation,
	AnomalyUnusualPattern,
}

// Anomaly is a derived event produced by the classifier.
type Anomaly struct {
	ID            string      `json:"id"`
	EndpointID    string      `json:"endpointId,omitempty"`
	ApplicationID string      `json:"applicationId,omitempty"`
	Type          AnomalyType `json:"anomalyType"`
	Description   string      `json:"description"`
	Severity      Severity    `json:"severity"`
	Timestamp     time.Time   `json:"timestamp"`
	Resolved      bool        `json:"resolved"`
	ResolvedBy    string      `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`

	// Local bookkeeping, never sent to the authority.
	TrafficID string `json:"trafficId,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
}

// UnmarshalJSON accepts "_id" as the anomaly id.
func (a *Anomaly) UnmarshalJSON(data []byte) error {
	type plain Anomaly
	aux := struct {
		plain
		MongoID string `json:"_id"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Anomaly(aux.plain)
	if a.ID == "" {
		a.ID = aux.MongoID
	}
	return nil
}

// Identity is the endpoint identity assigned by the authority and the
// credential used to talk to it.
type Identity struct {
	ID         string `json:"id"`
	Hostname   string `json:"hostname"`
	Address    string `json:"ipAddress"`
	OS         string `json:"os"`
	Password   string `json:"-"`
	Credential string `json:"-"`
}

// Registered reports whether the authority has assigned an id.
func (i Identity) Registered() bool {
	return i.ID != ""
}
