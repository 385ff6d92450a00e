package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	attemptHeader = "x-attempt"
	retryDelay    = 5 * time.Second
)

// RevocationJob asks the worker to disable a push token the gateway
// rejected permanently.
type RevocationJob struct {
	Token       string    `json:"token"`
	RequestedAt time.Time `json:"requested_at"`
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareTopology declares queue plus its .retry and .dlq companions.
// Rejected messages dead-letter to .dlq; .retry messages expire back into
// queue.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	})
	return err
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

// RevokeToken enqueues a revocation job for token.
func (p *Publisher) RevokeToken(ctx context.Context, token string) error {
	body, err := json.Marshal(RevocationJob{Token: token, RequestedAt: time.Now()})
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, amqp.Publishing{Body: body})
}

// Retry parks body on the retry queue; it comes back after retryDelay.
func (p *Publisher) Retry(ctx context.Context, body []byte, attempt int) error {
	return p.publish(ctx, p.queue+".retry", amqp.Publishing{
		Body:       body,
		Expiration: strconv.FormatInt(retryDelay.Milliseconds(), 10),
		Headers:    amqp.Table{attemptHeader: int32(attempt)},
	})
}

func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	msg.ContentType = "application/json"
	msg.DeliveryMode = amqp.Persistent
	msg.Timestamp = time.Now()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx, "", key, false, false, msg)
}
