package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
}

// Standard topic names for the detection pipeline.
const (
	TopicRunRequested    = "harrier.run.requested"
	TopicRunCompleted    = "harrier.run.completed"
	TopicAlertCreated    = "harrier.alert.created"
	TopicPatternDetected = "harrier.pattern.detected"
)

// RunRequest is the payload of a run-requested message.
type RunRequest struct {
	TenantID string `json:"tenantId"`
	TraceID  string `json:"traceId,omitempty"`
	// LookbackHours limits the transactions loaded; 0 loads all.
	LookbackHours int `json:"lookbackHours,omitempty"`
}

// RunSummary is the payload of a run-completed message.
type RunSummary struct {
	TenantID     string `json:"tenantId"`
	TraceID      string `json:"traceId,omitempty"`
	Transactions int    `json:"transactions"`
	Patterns     int    `json:"patterns"`
	Alerts       int    `json:"alerts"`
	Skipped      int    `json:"skipped"`
	DurationMs   int64  `json:"durationMs"`
}
