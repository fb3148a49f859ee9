package storage

import (
	"encoding/json"
	"time"
)

// Credentials stores the encrypted NoLongerEvil API key
type Credentials struct {
	ID              int       `json:"id"`
	APIKeyEncrypted []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AccessoryRecord is one row of the accessory cache
type AccessoryRecord struct {
	Serial    string          `json:"serial"`
	ID        uint64          `json:"id"`
	Name      string          `json:"name"`
	Context   json.RawMessage `json:"context"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventSource represents the source of an event
type EventSource string

const (
	EventSourcePlatform EventSource = "platform"
	EventSourceUser     EventSource = "user"
	EventSourceSystem   EventSource = "system"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeDiscovery   EventType = "discovery"
	EventTypeCommand     EventType = "command"
	EventTypeCredentials EventType = "credentials"
	EventTypeError       EventType = "error"
	EventTypeInfo        EventType = "info"
)

// EventLog represents a log entry
type EventLog struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    EventSource     `json:"source"`
	EventType EventType       `json:"event_type"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// EventLogFilter for querying events
type EventLogFilter struct {
	Source    *EventSource
	EventType *EventType
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
