// ABOUTME: Core message types shared by the broker, transports and the store.
// ABOUTME: Defines the durable broker record and the wire envelope transports move.

package message

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors returned before a message is ever persisted.
var (
	ErrEmptyTarget   = errors.New("message target is empty")
	ErrInvalidType   = errors.New("invalid message type")
	ErrRetryBudget   = errors.New("retry count exceeds max retries")
	ErrNoCorrelation = errors.New("correlation id required for request/response")
)

// Type classifies a message.
type Type string

const (
	TypeNotification Type = "notification"
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeNotification, TypeRequest, TypeResponse:
		return true
	}
	return false
}

// Priority orders delivery preference. It is carried on the record and
// the wire but the broker does not reorder within a single send call.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status tracks the delivery state of a persisted message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is the broker's durable record of an outbound message,
// including delivery/retry state. It is created on send, mutated on
// each delivery attempt, and purged by the retention sweep.
type Message struct {
	ID            string
	From          string
	To            string
	Type          Type
	Content       any
	Timestamp     time.Time
	CorrelationID string
	Priority      Priority
	RetryCount    int
	MaxRetries    int
	Metadata      map[string]string
	Status        Status
}

// Validate checks the structural invariants of a message record.
func (m *Message) Validate() error {
	if m.To == "" {
		return ErrEmptyTarget
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, m.Type)
	}
	if m.RetryCount > m.MaxRetries {
		return fmt.Errorf("%w: %d > %d", ErrRetryBudget, m.RetryCount, m.MaxRetries)
	}
	if (m.Type == TypeRequest || m.Type == TypeResponse) && m.CorrelationID == "" {
		return ErrNoCorrelation
	}
	return nil
}

// Envelope returns the wire-level counterpart of the record. Transports
// own their serialization format but must preserve these fields.
func (m *Message) Envelope() *Envelope {
	return &Envelope{
		ID:            m.ID,
		From:          m.From,
		To:            m.To,
		Type:          m.Type,
		Content:       m.Content,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
		Metadata:      m.Metadata,
	}
}

// Envelope is the serialization-level message a Transport actually
// moves between agent processes.
type Envelope struct {
	ID            string            `json:"id"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Type          Type              `json:"type"`
	Content       any               `json:"content"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
