package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/sub-tender/telemetry"
	"github.com/onnwee/sub-tender/twitchapi"
)

const tracerName = "sub-tender/eventsub"

// Topic is a subscription to register for every new session.
type Topic struct {
	Type      string
	Version   int
	Condition map[string]string
}

func (t Topic) version() string {
	if t.Version <= 0 {
		return "1"
	}
	return strconv.Itoa(t.Version)
}

// Subscription is a topic registered against one session.
type Subscription struct {
	ID        string
	Status    string
	Topic     Topic
	SessionID string
	Cost      int
}

// DefaultTopics are chat messages (read as the bot) and cheers on the broadcaster's
// channel.
func DefaultTopics(broadcasterID, botID string) []Topic {
	return []Topic{
		{Type: TypeChatMessage, Version: 1, Condition: map[string]string{
			"broadcaster_user_id": broadcasterID,
			"user_id":             botID,
		}},
		{Type: TypeCheer, Version: 1, Condition: map[string]string{
			"broadcaster_user_id": broadcasterID,
		}},
	}
}

// ForbiddenSubscriptionError means Twitch refused a subscription with 403, usually a
// missing scope or an account mismatch. Retrying cannot fix it.
type ForbiddenSubscriptionError struct {
	Type string
	Err  *twitchapi.APIError
}

func (e *ForbiddenSubscriptionError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Message
	}
	return fmt.Sprintf("eventsub subscription %s forbidden: %s", e.Type, msg)
}

func (e *ForbiddenSubscriptionError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// SubscriptionClient registers topics through Helix.
type SubscriptionClient struct {
	Helix *twitchapi.HelixClient
}

// Subscribe issues a single POST /eventsub/subscriptions for t bound to sessionID.
// A 403 is returned as *ForbiddenSubscriptionError, other rejections as
// *twitchapi.APIError.
func (c *SubscriptionClient) Subscribe(ctx context.Context, sessionID string, t Topic) (sub *Subscription, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "eventsub.subscribe",
		attribute.String("subscription.type", t.Type), attribute.String("session.id", sessionID))
	defer func() { telemetry.EndSpan(span, err) }()

	res, err := c.Helix.CreateEventSubSubscription(ctx, twitchapi.CreateSubscriptionRequest{
		Type:      t.Type,
		Version:   t.version(),
		Condition: t.Condition,
		Transport: twitchapi.Transport{Method: "websocket", SessionID: sessionID},
	})
	if err != nil {
		var apiErr *twitchapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			telemetry.IncSubscription(t.Type, "forbidden")
			return nil, &ForbiddenSubscriptionError{Type: t.Type, Err: apiErr}
		}
		telemetry.IncSubscription(t.Type, "error")
		telemetry.LoggerWithCorr(ctx).Warn("eventsub subscription failed",
			slog.String("component", "eventsub"), slog.String("type", t.Type), slog.Any("err", err))
		return nil, err
	}
	telemetry.IncSubscription(t.Type, "ok")
	return &Subscription{ID: res.ID, Status: res.Status, Topic: t, SessionID: sessionID, Cost: res.Cost}, nil
}
