// Package eventbus carries choreography events between the order service and
// the funds service.
package eventbus

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// NewMessage encodes payload as the message body.
func NewMessage(topic, key string, payload interface{}) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s message: %w", topic, err)
	}
	return Message{Topic: topic, Key: key, Payload: body}, nil
}

// Decode unmarshals the body into v.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler consumes one message. Handlers must tolerate redelivery.
type Handler func(ctx context.Context, msg Message) error

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(topic string, h Handler)
	Start(ctx context.Context) error
	Close() error
}
