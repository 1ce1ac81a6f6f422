package sync

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"cashcompass/internal/log"
)

// ErrDiscardMessage marks an inbound message that can never be applied.
// The consumer drops it instead of requeueing it, since redelivery
// would fail the same way forever.
var ErrDiscardMessage = errors.New("discard message")

// Client wraps the AMQP connection used to exchange ChangeMessages
// with the remote sink. Local changes go out through the outbox
// queue; changes made on other devices arrive on the inbox queue.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *log.Logger

	exchange string
	outbox   string
	inbox    string
}

type ClientConfig struct {
	URL      string
	Exchange string
	Outbox   string
	Inbox    string
}

func NewClient(cfg ClientConfig, logger *log.Logger) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Client{
		conn:     conn,
		channel:  channel,
		logger:   logger.WithComponent(log.ComponentSync),
		exchange: cfg.Exchange,
		outbox:   cfg.Outbox,
		inbox:    cfg.Inbox,
	}

	if err := c.setup(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) setup() error {
	if err := c.channel.ExchangeDeclare(
		c.exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.outbox, c.inbox} {
		if _, err := c.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := c.channel.QueueBind(queue, queue, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	return nil
}

// Publish sends a change message to the outbox with persistent
// delivery, so it survives a broker restart.
func (c *Client) Publish(ctx context.Context, msg *ChangeMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	err = c.channel.PublishWithContext(ctx,
		c.exchange,
		c.outbox,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.MessageID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	c.logger.DebugContext(ctx, "published change",
		log.FieldCollection, msg.Collection,
		log.FieldEntityID, msg.EntityID,
		log.FieldVersion, msg.Version,
	)
	return nil
}

// Consume delivers inbox messages to handler. A handler error leaves
// the message on the queue for redelivery; a decode failure discards
// it, since requeueing an unparseable body would loop forever.
func (c *Client) Consume(ctx context.Context, handler func(context.Context, *ChangeMessage) error) error {
	deliveries, err := c.channel.Consume(
		c.inbox,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer channel closed")
			}

			msg, err := ChangeMessageFromJSON(d.Body)
			if err != nil {
				c.logger.ErrorContext(ctx, "discarding undecodable message", log.FieldError, err)
				d.Nack(false, false)
				continue
			}

			if err := handler(ctx, msg); err != nil {
				if errors.Is(err, ErrDiscardMessage) {
					c.logger.ErrorContext(ctx, "discarding unapplicable message",
						log.FieldCollection, msg.Collection,
						log.FieldEntityID, msg.EntityID,
						log.FieldError, err,
					)
					d.Nack(false, false)
					continue
				}
				c.logger.ErrorContext(ctx, "handler failed, requeueing",
					log.FieldCollection, msg.Collection,
					log.FieldEntityID, msg.EntityID,
					log.FieldError, err,
				)
				d.Nack(false, true)
				continue
			}

			d.Ack(false)
		}
	}
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
