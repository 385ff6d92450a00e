package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// Handler processes one job. A returned error schedules a retry until the
// attempts run out, then the message goes to the dead-letter queue.
type Handler func(ctx context.Context, job RevocationJob) error

type retrier interface {
	Retry(ctx context.Context, body []byte, attempt int) error
}

type Consumer struct {
	ch          *amqp.Channel
	queue       string
	concurrency int
	maxAttempts int
	retry       retrier
	log         *zap.Logger
}

// NewConsumer opens its own channel on the publisher's connection.
func NewConsumer(pub *Publisher, concurrency int, log *zap.Logger) (*Consumer, error) {
	ch, err := pub.conn.Channel()
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		ch:          ch,
		queue:       pub.queue,
		concurrency: concurrency,
		maxAttempts: defaultMaxAttempts,
		retry:       pub,
		log:         log,
	}, nil
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}

// Run consumes with a fixed worker pool until ctx is done, then drains the
// in-flight jobs.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if err := c.ch.Qos(c.concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("revocation_worker_started", zap.String("queue", c.queue), zap.Int("concurrency", c.concurrency))

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, h)
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
			c.log.Info("revocation_worker_stopping")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, h Handler) {
	var job RevocationJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.Token == "" {
		c.log.Warn("revocation_bad_message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := h(ctx, job)
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			c.log.Error("revocation_ack_failed", zap.Int("worker", workerID), zap.Error(aerr))
		}
		return
	}

	attempt := attemptOf(d) + 1
	c.log.Warn("revocation_failed",
		zap.Int("worker", workerID),
		zap.Int("attempt", attempt),
		zap.Duration("cost", time.Since(start)),
		zap.Error(err))
	if attempt >= c.maxAttempts {
		_ = d.Nack(false, false)
		return
	}
	if rerr := c.retry.Retry(ctx, d.Body, attempt); rerr != nil {
		c.log.Error("revocation_retry_publish_failed", zap.Error(rerr))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
