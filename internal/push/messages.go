package push

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the "type" tag of a push message.
type MessageType string

const (
	TypeConnection   MessageType = "connection"
	TypeFirewallRule MessageType = "firewallRule"
	TypeSystemStatus MessageType = "systemStatus"
	TypePong         MessageType = "pong"

	TypeSubscribe MessageType = "subscribe"
	TypePing      MessageType = "ping"
	TypeGetStatus MessageType = "getStatus"
)

// RuleAction is the change carried by a firewallRule message.
type RuleAction string

const (
	RuleCreated      RuleAction = "created"
	RuleUpdated      RuleAction = "updated"
	RuleDeleted      RuleAction = "deleted"
	RuleBatchCreated RuleAction = "batchCreated"
	RuleBatchDeleted RuleAction = "batchDeleted"
)

// Known reports whether a is one of the actions the authority sends.
func (a RuleAction) Known() bool {
	switch a {
	case RuleCreated, RuleUpdated, RuleDeleted, RuleBatchCreated, RuleBatchDeleted:
		return true
	}
	return false
}

// Message is one decoded inbound message. The set of implementations is closed.
type Message interface {
	Type() MessageType
}

// ConnectionAck is sent by the authority right after the handshake.
type ConnectionAck struct {
	Text string `json:"message"`
}

// RuleChange notifies that the endpoint's policy changed.
type RuleChange struct {
	Action RuleAction      `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SystemStatus carries the authority's status report.
type SystemStatus struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Pong answers an application-level ping.
type Pong struct{}

// Unrecognized holds a well-formed message with an unknown tag.
type Unrecognized struct {
	Tag string
	Raw json.RawMessage
}

func (ConnectionAck) Type() MessageType { return TypeConnection }
func (RuleChange) Type() MessageType    { return TypeFirewallRule }
func (SystemStatus) Type() MessageType  { return TypeSystemStatus }
func (Pong) Type() MessageType          { return TypePong }
func (u Unrecognized) Type() MessageType {
	return MessageType(u.Tag)
}

// Decode reads the "type" tag and then the matching variant. Only payloads
// that are not JSON objects, or whose variant fields do not decode, are errors.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed push message: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch MessageType(head.Type) {
	case TypeConnection:
		var m ConnectionAck
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFirewallRule:
		var m RuleChange
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeSystemStatus:
		var m SystemStatus
		err = json.Unmarshal(data, &m)
		msg = m
	case TypePong:
		msg = Pong{}
	default:
		msg = Unrecognized{Tag: head.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", head.Type, err)
	}
	return msg, nil
}

type subscribeMessage struct {
	Type   MessageType `json:"type"`
	Target string      `json:"target"`
	ID     string      `json:"id"`
}

type pingMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

type getStatusMessage struct {
	Type   MessageType `json:"type"`
	Target string      `json:"target"`
}
