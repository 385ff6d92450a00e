package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FCMGateway sends through Firebase Cloud Messaging.
type FCMGateway struct {
	client *messaging.Client
}

func NewFCMGateway(ctx context.Context, credentialsFile string) (*FCMGateway, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCMGateway{client: client}, nil
}

func (g *FCMGateway) Send(ctx context.Context, msg Message) error {
	m := &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	}
	if msg.Priority == PriorityHigh {
		m.Android = &messaging.AndroidConfig{Priority: "high"}
		m.APNS = &messaging.APNSConfig{Headers: map[string]string{"apns-priority": "10"}}
	}
	if _, err := g.client.Send(ctx, m); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) || messaging.IsSenderIDMismatch(err) {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}

// LogGateway only logs. Used when no push credentials are configured.
type LogGateway struct {
	Log *zap.Logger
}

func (g LogGateway) Send(_ context.Context, msg Message) error {
	g.Log.Info("push_logged",
		zap.String("token", mask(msg.Token)),
		zap.String("title", msg.Title),
		zap.String("priority", string(msg.Priority)),
		zap.Int("data_fields", len(msg.Data)))
	return nil
}
