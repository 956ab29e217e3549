// Package types defines the shared data model of the endpoint agent: the
// endpoint identity, firewall rules, traffic records and anomalies, together
// with the wire forms used by the authority.
package types

import (
	"encoding/json"
	"time"
)

// Protocol is a network protocol a rule or traffic record applies to.
type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
	ProtocolAny  Protocol = "ANY"
)

// RuleAction is the verdict of a firewall rule.
type RuleAction string

const (
	ActionAllow RuleAction = "ALLOW"
	ActionDeny  RuleAction = "DENY"
)

// FirewallRule is one policy entry owned by the authority.
type FirewallRule struct {
	ID              string     `json:"id" validate:"required"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	SourceIP        string     `json:"sourceIp,omitempty"`
	DestinationIP   string     `json:"destinationIp,omitempty"`
	SourcePort      int        `json:"sourcePort,omitempty" validate:"gte=0,lte=65535"`
	DestinationPort int        `json:"destinationPort,omitempty" validate:"gte=0,lte=65535"`
	Protocol        Protocol   `json:"protocol" validate:"required,oneof=TCP UDP ICMP ANY"`
	Action          RuleAction `json:"action" validate:"required,oneof=ALLOW DENY"`
	Priority        int        `json:"priority"`
	Enabled         bool       `json:"enabled"`
	ApplicationID   string     `json:"applicationId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// UnmarshalJSON accepts both the persisted form and the authority form, where
// the id is carried as "_id" and enabled/protocol may be omitted.
func (r *FirewallRule) UnmarshalJSON(data []byte) error {
	type plain FirewallRule
	aux := struct {
		plain
		MongoID       string          `json:"_id"`
		ApplicationID json.RawMessage `json:"applicationId"`
	}{plain: plain{Enabled: true}}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = FirewallRule(aux.plain)
	if r.ID == "" {
		r.ID = aux.MongoID
	}
	if r.Protocol == "" {
		r.Protocol = ProtocolAny
	}
	if len(aux.ApplicationID) > 0 {
		var ref ObjectRef
		if err := json.Unmarshal(aux.ApplicationID, &ref); err != nil {
			return err
		}
		r.ApplicationID = ref.ID
	}
	return nil
}

// ObjectRef is a reference the authority may send either as a bare id string
// or as a populated document carrying "_id".
type ObjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// UnmarshalJSON implements both reference encodings.
func (o *ObjectRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		o.ID = id
		return nil
	}
	var doc struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	o.ID = doc.MongoID
	if o.ID == "" {
		o.ID = doc.ID
	}
	o.Name = doc.Name
	return nil
}

// ApplicationMapping links this endpoint to an application whose rules apply to it.
type ApplicationMapping struct {
	EndpointID    ObjectRef `json:"endpointId"`
	ApplicationID ObjectRef `json:"applicationId"`
	Status        string    `json:"status,omitempty"`
}
