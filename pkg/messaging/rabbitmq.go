package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/grigta/vkads/pkg/logger"
)

type RabbitMQ struct {
	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	url       string
	topology  *Topology
	consumers []consumerRegistration
	log       logger.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
}

type consumerRegistration struct {
	ctx     context.Context
	queue   string
	name    string
	handler func([]byte) error
}

func NewRabbitMQ(url string, log logger.Logger) (*RabbitMQ, error) {
	if log == nil {
		log = logger.Default()
	}

	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}

	log.Info("Connected to RabbitMQ")

	r := &RabbitMQ{
		conn:    conn,
		channel: ch,
		url:     url,
		log:     log,
		stopCh:  make(chan struct{}),
	}

	go r.monitorConnection()

	return r, nil
}

func dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

func (r *RabbitMQ) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close channel: %w", err)
			return
		}
		if err := r.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close connection: %w", err)
		}
	})
	return closeErr
}

func (r *RabbitMQ) ch() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQ) DeclareExchange(name, kind string, durable, autoDelete bool) error {
	return r.ch().ExchangeDeclare(name, kind, durable, autoDelete, false, false, nil)
}

func (r *RabbitMQ) DeclareQueue(name string, durable, autoDelete, exclusive bool) error {
	_, err := r.ch().QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
	return err
}

func (r *RabbitMQ) BindQueue(queueName, routingKey, exchangeName string) error {
	return r.ch().QueueBind(queueName, routingKey, exchangeName, false, nil)
}

func (r *RabbitMQ) Publish(exchange, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return r.ch().Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (r *RabbitMQ) SetQos(prefetchCount int) error {
	return r.ch().Qos(prefetchCount, 0, false)
}

// ConsumeWithHandler acks on nil, requeues once on error and drops redelivered
// messages that fail again.
func (r *RabbitMQ) ConsumeWithHandler(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error {
	r.mu.Lock()
	r.consumers = append(r.consumers, consumerRegistration{ctx: ctx, queue: queueName, name: consumerName, handler: handler})
	r.mu.Unlock()

	return r.startConsumer(ctx, queueName, consumerName, handler)
}

func (r *RabbitMQ) startConsumer(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error {
	msgs, err := r.ch().Consume(queueName, consumerName, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log := r.log.WithField("queue", queueName)
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Info("Stopping consumer")
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Warn("Consumer channel closed")
					return
				}

				if err := handler(msg.Body); err != nil {
					log.Error("Failed to process message", logger.Err(err))
					_ = msg.Nack(false, !msg.Redelivered)
					continue
				}
				_ = msg.Ack(false)
			}
		}
	}()

	log.Info("Started consuming messages")
	return nil
}

func (r *RabbitMQ) reconnect() error {
	conn, ch, err := dial(r.url)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.conn != nil && !r.conn.IsClosed() {
		r.conn.Close()
	}
	r.conn = conn
	r.channel = ch
	consumers := append([]consumerRegistration(nil), r.consumers...)
	topology := r.topology
	r.mu.Unlock()

	r.log.Info("Reconnected to RabbitMQ")

	if topology != nil {
		if err := r.SetupTopology(*topology); err != nil {
			r.log.Error("Failed to setup topology after reconnect", logger.Err(err))
		}
	}

	for _, c := range consumers {
		if c.ctx.Err() != nil {
			continue
		}
		if err := r.startConsumer(c.ctx, c.queue, c.name, c.handler); err != nil {
			r.log.Error("Failed to restart consumer after reconnect",
				logger.Field{Key: "queue", Value: c.queue}, logger.Err(err))
		}
	}

	return nil
}

func (r *RabbitMQ) monitorConnection() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.RLock()
			closed := r.conn != nil && r.conn.IsClosed()
			r.mu.RUnlock()
			if !closed {
				continue
			}

			r.log.Warn("RabbitMQ connection lost, attempting to reconnect")
			for i := 0; i < 5; i++ {
				if err := r.reconnect(); err != nil {
					r.log.Error("Failed to reconnect to RabbitMQ",
						logger.Field{Key: "attempt", Value: i + 1}, logger.Err(err))
					time.Sleep(time.Duration(i+1) * time.Second)
					continue
				}
				break
			}
		}
	}
}

// Message is the envelope for every event and command published by services.
type Message struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      json.RawMessage        `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func NewMessage(msgType string, data interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message data: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
		Metadata:  make(map[string]interface{}),
	}, nil
}

// Decode unmarshals the message payload into dest.
func (m *Message) Decode(dest interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s has no data", m.ID)
	}
	return json.Unmarshal(m.Data, dest)
}

// Binding routes Exchange messages matching Key into Queue.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

type Topology struct {
	Exchanges map[string]string // name -> kind
	Queues    []string
	Bindings  []Binding
	// Prefetch limits unacked deliveries per consumer when >0.
	Prefetch  int
}

func (r *RabbitMQ) SetupTopology(t Topology) error {
	for name, kind := range t.Exchanges {
		if err := r.DeclareExchange(name, kind, true, false); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	for _, q := range t.Queues {
		if err := r.DeclareQueue(q, true, false, false); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}
	for _, b := range t.Bindings {
		if err := r.BindQueue(b.Queue, b.Key, b.Exchange); err != nil {
			return fmt.Errorf("failed to bind queue %s to exchange %s: %w", b.Queue, b.Exchange, err)
		}
	}
	if t.Prefetch > 0 {
		if err := r.SetQos(t.Prefetch); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	r.mu.Lock()
	r.topology = &t
	r.mu.Unlock()
	return nil
}
