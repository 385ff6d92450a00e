// Package events turns hospital domain events from Kafka into user
// notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/suPer8Hu/wardlink/internal/notify"
	"go.uber.org/zap"
)

// Event is one message on the events topic. UserID 0 addresses everyone.
type Event struct {
	Type    string `json:"type"`
	UserID  uint64 `json:"userId"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID uint64, title, content, typ string) notify.Delivery
	Broadcast(ctx context.Context, title, content, typ string) (notify.Delivery, error)
}

var ErrBadEvent = errors.New("bad event")

// Handler applies decoded events to the dispatcher.
type Handler struct {
	dispatcher Dispatcher
	log        *zap.Logger
}

func NewHandler(d Dispatcher, log *zap.Logger) *Handler {
	return &Handler{dispatcher: d, log: log}
}

// Handle dispatches one raw event. Malformed payloads return ErrBadEvent;
// a failed broadcast returns the store error.
func (h *Handler) Handle(ctx context.Context, value []byte) error {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Join(ErrBadEvent, err)
	}
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" || strings.TrimSpace(ev.Title) == "" {
		return ErrBadEvent
	}

	if ev.UserID == 0 {
		d, err := h.dispatcher.Broadcast(ctx, ev.Title, ev.Content, ev.Type)
		if err != nil {
			return err
		}
		h.log.Info("event_broadcast", zap.String("type", ev.Type), zap.String("notification_id", d.ID), zap.Int("users", d.Users))
		return nil
	}
	d := h.dispatcher.Dispatch(ctx, ev.UserID, ev.Title, ev.Content, ev.Type)
	h.log.Debug("event_dispatched",
		zap.String("type", ev.Type),
		zap.Uint64("user_id", ev.UserID),
		zap.Int("live", d.Live),
		zap.Int("pushed", d.Pushed))
	return nil
}

// Consumer is a sarama consumer group member feeding Handler.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler *Handler
	log     *zap.Logger
}

func NewConsumer(brokers []string, groupID string, topics []string, h *Handler, log *zap.Logger) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: group, topics: topics, handler: h, log: log}, nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks bad events consumed so one malformed message cannot
// wedge the partition. Other failures are left unmarked for redelivery.
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.consume(sess.Context(), msg, sess.MarkMessage)
		}
	}
}

func (c *Consumer) consume(ctx context.Context, msg *sarama.ConsumerMessage, mark func(*sarama.ConsumerMessage, string)) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := c.handler.Handle(ctx, msg.Value)
	switch {
	case err == nil:
		mark(msg, "")
	case errors.Is(err, ErrBadEvent):
		c.log.Warn("event_discarded",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		mark(msg, "")
	default:
		c.log.Error("event_failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// Run joins the group until ctx is done. Rebalances re-enter Consume.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Warn("kafka_consumer_error", zap.Error(err))
		}
	}()

	c.log.Info("event_consumer_started", zap.Strings("topics", c.topics))
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("kafka_consume_failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}
