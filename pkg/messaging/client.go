package messaging

import (
	"context"

	"github.com/grigta/vkads/pkg/logger"
)

// Client is the messaging surface used by services.
type Client interface {
	SetupTopology(t Topology) error
	PublishToQueue(queueName string, message *Message) error
	PublishEvent(exchange, routingKey string, message *Message) error
	ConsumeQueue(ctx context.Context, queueName string, handler func(*Message) error) error
	Close() error
}

type client struct {
	rabbit *RabbitMQ
}

func NewClient(url string, log logger.Logger) (Client, error) {
	rabbit, err := NewRabbitMQ(url, log)
	if err != nil {
		return nil, err
	}
	return &client{rabbit: rabbit}, nil
}

func (c *client) SetupTopology(t Topology) error {
	return c.rabbit.SetupTopology(t)
}

func (c *client) PublishToQueue(queueName string, message *Message) error {
	return c.rabbit.Publish("", queueName, message)
}

func (c *client) PublishEvent(exchange, routingKey string, message *Message) error {
	return c.rabbit.Publish(exchange, routingKey, message)
}

func (c *client) ConsumeQueue(ctx context.Context, queueName string, handler func(*Message) error) error {
	return c.rabbit.ConsumeWithHandler(ctx, queueName, "consumer-"+queueName, DecodeHandler(handler))
}

func (c *client) Close() error {
	return c.rabbit.Close()
}

// DecodeHandler adapts an envelope handler to a raw body handler.
func DecodeHandler(handler func(*Message) error) func([]byte) error {
	return func(body []byte) error {
		msg, err := ParseMessage(body)
		if err != nil {
			return err
		}
		return handler(msg)
	}
}
