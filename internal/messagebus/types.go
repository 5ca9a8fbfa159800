package messagebus

import (
	"strings"
	"time"

	"github.com/kandev/agentplane/internal/common/constants"
	"github.com/kandev/agentplane/internal/common/errors"
)

// Broadcast is the to_agent sentinel that fans a message out to every
// registered inbox.
const Broadcast = constants.BroadcastTarget

// MessageType tags the purpose of a message.
type MessageType string

const (
	TaskRequest  MessageType = "TASK_REQUEST"
	TaskResponse MessageType = "TASK_RESPONSE"
	StatusUpdate MessageType = "STATUS_UPDATE"
	Coordination MessageType = "COORDINATION"
	Welcome      MessageType = "WELCOME"
	TopicMessage MessageType = "TOPIC_MESSAGE"
)

const customPrefix = "custom:"

// CustomMessageType builds an application-defined message type.
func CustomMessageType(tag string) MessageType {
	return MessageType(customPrefix + tag)
}

// IsCustom reports whether t was built by CustomMessageType.
func (t MessageType) IsCustom() bool {
	return strings.HasPrefix(string(t), customPrefix) && len(t) > len(customPrefix)
}

// Tag returns the application tag of a custom type, or "".
func (t MessageType) Tag() string {
	if !t.IsCustom() {
		return ""
	}
	return string(t)[len(customPrefix):]
}

// Valid reports whether t is a well-known or custom type.
func (t MessageType) Valid() bool {
	switch t {
	case TaskRequest, TaskResponse, StatusUpdate, Coordination, Welcome, TopicMessage:
		return true
	}
	return t.IsCustom()
}

// Priority orders messages for consumers that care.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is known.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// RoutingStrategy selects recipients when to_agent names a capability group.
type RoutingStrategy string

const (
	RouteDirect       RoutingStrategy = "DIRECT"
	RouteRoundRobin   RoutingStrategy = "ROUND_ROBIN"
	RouteLoadBalanced RoutingStrategy = "LOAD_BALANCED"
)

// Valid reports whether s is known.
func (s RoutingStrategy) Valid() bool {
	return s == RouteDirect || s == RouteRoundRobin || s == RouteLoadBalanced
}

// AgentMessage is the envelope carried by the bus.
type AgentMessage struct {
	ID              string          `json:"id"`
	FromAgent       string          `json:"from_agent"`
	ToAgent         string          `json:"to_agent"`
	Topic           string          `json:"topic,omitempty"`
	MessageType     MessageType     `json:"message_type"`
	Content         map[string]any  `json:"content"`
	Priority        Priority        `json:"priority"`
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`
	Persistent      bool            `json:"persistent"`
	TTLSeconds      int             `json:"ttl_seconds,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExpiresAt returns when the message stops being visible; zero means never.
func (m AgentMessage) ExpiresAt() time.Time {
	if m.TTLSeconds <= 0 {
		return time.Time{}
	}
	return m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second)
}

// Expired reports whether the TTL has elapsed at now.
func (m AgentMessage) Expired(now time.Time) bool {
	exp := m.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// String returns Content[key] when it is a string.
func (m AgentMessage) String(key string) string {
	s, _ := m.Content[key].(string)
	return s
}

func (m *AgentMessage) validate() error {
	if m.ToAgent == "" {
		return errors.ValidationError("to_agent", "is required")
	}
	if !m.MessageType.Valid() {
		return errors.ValidationError("message_type", "unknown type "+string(m.MessageType)+"; use a well-known type or custom:<tag>")
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if !m.Priority.Valid() {
		return errors.ValidationError("priority", "must be one of LOW, NORMAL, HIGH")
	}
	if m.RoutingStrategy == "" {
		m.RoutingStrategy = RouteDirect
	}
	if !m.RoutingStrategy.Valid() {
		return errors.ValidationError("routing_strategy", "must be one of DIRECT, ROUND_ROBIN, LOAD_BALANCED")
	}
	if m.TTLSeconds < 0 {
		return errors.ValidationError("ttl_seconds", "must not be negative")
	}
	return nil
}

// DeliveryResult reports, per recipient, whether a message reached its inbox.
type DeliveryResult struct {
	MessageID   string            `json:"message_id"`
	DeliveredTo []string          `json:"delivered_to"`
	Failed      []string          `json:"failed"`
	Reasons     map[string]string `json:"reasons,omitempty"`
}

func newResult(id string) DeliveryResult {
	return DeliveryResult{MessageID: id, DeliveredTo: []string{}, Failed: []string{}}
}

func (r *DeliveryResult) fail(agentID, reason string) {
	r.Failed = append(r.Failed, agentID)
	if r.Reasons == nil {
		r.Reasons = make(map[string]string)
	}
	r.Reasons[agentID] = reason
}

// HistoryFilter narrows GetMessageHistory. Zero fields match everything.
type HistoryFilter struct {
	AgentID string      // sender or recipient
	Topic   string
	Type    MessageType
	Since   time.Time
	Limit   int // most recent N
}

func (f HistoryFilter) match(m AgentMessage) bool {
	if f.AgentID != "" && m.FromAgent != f.AgentID && m.ToAgent != f.AgentID {
		return false
	}
	if f.Topic != "" && m.Topic != f.Topic {
		return false
	}
	if f.Type != "" && m.MessageType != f.Type {
		return false
	}
	if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
