// Package wire defines the message envelope and payload types exchanged
// between the realtime hub and dashboard clients. Every frame on the wire
// is a single JSON-encoded Message.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags a Message with its payload kind. Clients register listeners
// per type and the hub routes on it.
type Type string

// Message types understood by both ends of the pipeline.
const (
	// TypeConnectionEstablished is pushed by the hub as the first message
	// on every new connection and carries the server-assigned connection ID.
	TypeConnectionEstablished Type = "connection_established"

	// Client-to-hub control messages.
	TypeAuthenticate Type = "authenticate"
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"

	// Job lifecycle messages emitted by the job-event bridge.
	TypeJobStarted   Type = "job_started"
	TypeJobProgress  Type = "job_progress"
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"

	// TypeQueueMetrics is broadcast periodically with queue depth counters.
	TypeQueueMetrics Type = "queue_metrics"

	// TypeNotification carries user-facing dashboard alerts.
	TypeNotification Type = "notification"
)

// Message is the wire envelope. Data holds the type-specific payload as raw
// JSON; UserID and WalletAddress are optional addressing hints stamped by
// the sender so receivers can filter without decoding Data.
type Message struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"userId,omitempty"`
	WalletAddress string          `json:"walletAddress,omitempty"`
}

// New builds a Message of the given type with a fresh ID and UTC timestamp.
// data may be nil for payload-less messages; otherwise it is JSON-encoded
// into the Data field.
func New(t Type, data any) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// MustNew is New for payloads the caller controls. It panics on marshal
// failure and exists for tests and static payload construction.
func MustNew(t Type, data any) *Message {
	msg, err := New(t, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// DecodeData unmarshals the Data field into v. An empty or JSON-null Data
// is an error when a payload is expected, so callers get a clear failure
// instead of a zero-valued struct.
func (m *Message) DecodeData(v any) error {
	if m == nil {
		return fmt.Errorf("wire: decode data: nil message")
	}
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return fmt.Errorf("wire: message %s has no data payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("wire: decode %s data: %w", m.Type, err)
	}
	return nil
}
