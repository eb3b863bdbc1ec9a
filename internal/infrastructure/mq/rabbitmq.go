package mq

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
)

// RabbitPublisher publishes to one durable topic exchange. The routing key is
// the message topic followed by the event type, e.g.
// "transfer_result.transfer.completed".
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewRabbitPublisher(cfg *config.RabbitMQConfig) (*RabbitPublisher, error) {
	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid rabbitmq url: %w", err)
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	log.Printf("[RabbitMQ] publisher connected: exchange=%s", cfg.Exchange)
	return &RabbitPublisher{conn: conn, channel: ch, exchange: cfg.Exchange}, nil
}

func RoutingKey(msg Message) string {
	if msg.EventType == "" {
		return msg.Topic
	}
	return msg.Topic + "." + msg.EventType
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(msg),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.Key,
			Type:         msg.EventType,
			Timestamp:    time.Now(),
			Body:         msg.Body,
		},
	)
}

func (p *RabbitPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
