package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// TokenStore is the subset of the device token store the FCM sink needs.
type TokenStore interface {
	ListDeviceTokens(ctx context.Context, userID int64) ([]string, error)
	DeleteDeviceTokens(ctx context.Context, tokens []string) error
}

// multicaster is satisfied by *messaging.Client.
type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCMSink struct {
	client multicaster
	tokens TokenStore
}

func NewFCMSink(ctx context.Context, credentialsFile string, tokens TokenStore) (*FCMSink, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMSink{client: client, tokens: tokens}, nil
}

func (s *FCMSink) Name() string { return "fcm" }

func (s *FCMSink) Send(ctx context.Context, ev Event) error {
	tokens, err := s.tokens.ListDeviceTokens(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("list device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	data := map[string]string{
		"type":   string(ev.Type),
		"userId": strconv.FormatInt(ev.UserID, 10),
	}
	for k, v := range ev.Data {
		data[k] = v
	}

	resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("send multicast: %w", err)
	}

	var stale []string
	for i, r := range resp.Responses {
		if !r.Success && messaging.IsUnregistered(r.Error) {
			stale = append(stale, tokens[i])
		}
	}
	if len(stale) > 0 {
		if err := s.tokens.DeleteDeviceTokens(ctx, stale); err != nil {
			return fmt.Errorf("delete stale tokens: %w", err)
		}
		slog.Info("removed unregistered device tokens", "user_id", ev.UserID, "count", len(stale))
	}
	return nil
}
