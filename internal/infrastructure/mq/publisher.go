package mq

import "context"

// Message is one outbox event on its way to the broker.
type Message struct {
	Topic     string
	Key       string
	EventType string
	Body      []byte
}

// Publisher delivers messages to a broker. Publish returns only after the
// broker has accepted the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
