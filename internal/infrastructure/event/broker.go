package event

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	kafka "github.com/segmentio/kafka-go"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
)

// BrokerPublisher sends an encoded notification to a message broker
type BrokerPublisher interface {
	Publish(ctx context.Context, msg BrokerMessage) error
	Close() error
}

// BrokerMessage is one encoded notification. Key partitions by account.
type BrokerMessage struct {
	Key       string
	EventType string
	EventID   string
	Body      []byte
}

// KafkaWriter is the subset of kafka.Writer the publisher uses
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications to a Kafka topic
type KafkaPublisher struct {
	writer       KafkaWriter
	writeTimeout time.Duration
}

// NewKafkaPublisher creates a publisher for cfg.Topic on cfg.Brokers
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaPublisherWithWriter(w, cfg.WriteTimeout), nil
}

// NewKafkaPublisherWithWriter allows injecting a writer
func NewKafkaPublisherWithWriter(w KafkaWriter, writeTimeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, writeTimeout: writeTimeout}
}

// Publish writes msg keyed by account so one account's events stay ordered
func (p *KafkaPublisher) Publish(ctx context.Context, msg BrokerMessage) error {
	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "event_id", Value: []byte(msg.EventID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.EventType, err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// AMQPChannel is the subset of *amqp.Channel the publisher uses
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes notifications to a topic exchange with the
// event type as routing key
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  AMQPChannel
	exchange string
}

// NewRabbitMQPublisher dials cfg.URL and declares a durable topic exchange
func NewRabbitMQPublisher(cfg config.RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq publisher requires a url")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	p, err := NewRabbitMQPublisherWithChannel(ch, cfg.Exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewRabbitMQPublisherWithChannel declares exchange on an open channel
func NewRabbitMQPublisherWithChannel(ch AMQPChannel, exchange string) (*RabbitMQPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQPublisher{channel: ch, exchange: exchange}, nil
}

// Publish sends msg as a persistent JSON message
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg BrokerMessage) error {
	err := p.channel.PublishWithContext(ctx, p.exchange, msg.EventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Type:         msg.EventType,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"account_key": msg.Key},
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", msg.EventType, err)
	}
	return nil
}

// Close closes the channel and, when owned, the connection
func (p *RabbitMQPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewBrokerPublisher builds the publisher selected by cfg.Broker. It returns
// nil, nil when forwarding is disabled.
func NewBrokerPublisher(cfg config.EventsConfig) (BrokerPublisher, error) {
	switch cfg.Broker {
	case "", config.BrokerNone:
		return nil, nil
	case config.BrokerKafka:
		return NewKafkaPublisher(cfg.Kafka)
	case config.BrokerRabbitMQ:
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("unsupported event broker %q", cfg.Broker)
	}
}

func accountKey(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}
