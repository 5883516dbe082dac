// Package eventbus carries settlement events between services over Kafka.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"refit/pkg/order"
)

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// SettledMessage keys by order id so every event for one order lands on the
// same partition.
func SettledMessage(s order.Settled) (Message, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return Message{}, fmt.Errorf("encode settled %s: %w", s.OrderID, err)
	}
	return Message{Key: []byte(s.OrderID), Value: b}, nil
}

func DecodeSettled(m Message) (order.Settled, error) {
	var s order.Settled
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return s, fmt.Errorf("decode settled: %w", err)
	}
	if s.OrderID == "" || s.TxSignature == "" {
		return s, fmt.Errorf("decode settled: missing order id or signature")
	}
	return s, nil
}
