package models

import (
	"time"
)

// Envelope wraps a raw transport message with internal metadata for processing
type Envelope struct {
	// Topic the message arrived on, e.g. "client1/temperature"
	Topic string `json:"topic"`

	// Payload is the undecoded message body
	Payload []byte `json:"payload"`

	// Internal processing metadata
	Transport    string    `json:"transport"`
	ReceivedAt   time.Time `json:"received_at"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope for a message received on topic
func NewEnvelope(transport, topic string, payload []byte) *Envelope {
	return &Envelope{
		Topic:        topic,
		Payload:      payload,
		Transport:    transport,
		ReceivedAt:   time.Now().UTC(),
		PartitionKey: topic,
	}
}
