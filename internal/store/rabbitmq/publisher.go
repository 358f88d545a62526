package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of a memory job delivery.
type JobMessage struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt,omitempty"`
}

func retryQueue(queue string) string { return queue + ".retry" }
func deadQueue(queue string) string  { return queue + ".dlq" }

// declareTopology declares the main queue, its retry queue (messages expire
// back into the main queue) and the DLQ for rejected messages. Publisher and
// consumer both call it so either can start first.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(deadQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", deadQueue(queue), err)
	}
	if _, err := ch.QueueDeclare(retryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", retryQueue(queue), err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadQueue(queue),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

func dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// Publisher enqueues memory jobs. It satisfies chat.JobPublisher.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return publish(ctx, p.ch, p.queue, JobMessage{JobID: jobID}, "")
}

func publish(ctx context.Context, ch *amqp.Channel, routingKey string, msg JobMessage, expiration string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
		},
	)
}
