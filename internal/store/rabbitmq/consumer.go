package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HandlerFunc processes one memory job.
type HandlerFunc func(ctx context.Context, jobID string) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that must not be retried; the message goes
// straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.Logger

	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

func NewConsumer(url, queue string, concurrency int, log *zap.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		log:         log,
		Concurrency: concurrency,
		MaxAttempts: 3,
		RetryDelay:  30 * time.Second,
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx is done or the delivery channel closes, then waits
// for in-flight jobs.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.log.Info("worker started", zap.String("queue", c.queue), zap.Int("concurrency", c.Concurrency))

	jobs := make(chan amqp.Delivery, c.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.Concurrency)
	for i := 0; i < c.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle HandlerFunc) {
	log := c.log.With(zap.Int("worker", workerID))

	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad message", zap.ByteString("body", d.Body), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("job_id", m.JobID), zap.Int("attempt", m.Attempt+1))

	start := time.Now()
	err := handle(ctx, m.JobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		return
	}

	var perm permanentError
	if errors.As(err, &perm) || m.Attempt+1 >= c.MaxAttempts {
		log.Error("job failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	// park in the retry queue; the TTL dead-letters it back to the main queue
	m.Attempt++
	expiration := strconv.FormatInt(c.RetryDelay.Milliseconds(), 10)
	if perr := publish(context.WithoutCancel(ctx), c.ch, retryQueue(c.queue), m, expiration); perr != nil {
		log.Error("schedule retry failed", zap.Error(perr))
		_ = d.Nack(false, false)
		return
	}
	log.Warn("job retry scheduled", zap.Duration("delay", c.RetryDelay), zap.Error(err))
	_ = d.Ack(false)
}
