package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic types the bot subscribes to by default.
const (
	TypeChatMessage = "channel.chat.message"
	TypeCheer       = "channel.cheer"
)

// Event is a decoded notification. Message and Bits are filled for the known topics;
// Payload always carries the raw event object.
type Event struct {
	ID         string
	Type       string
	UserID     string
	UserName   string
	Message    string
	Bits       int
	Payload    map[string]any
	ReceivedAt time.Time
}

type chatEvent struct {
	ChatterUserID   string `json:"chatter_user_id"`
	ChatterUserName string `json:"chatter_user_name"`
	Message         struct {
		Text string `json:"text"`
	} `json:"message"`
}

type cheerEvent struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Message  string `json:"message"`
	Bits     int    `json:"bits"`
}

func decodeEvent(msg Message, now time.Time) (Event, error) {
	var p notificationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	typ := msg.Metadata.SubscriptionType
	if typ == "" {
		typ = p.Subscription.Type
	}
	ev := Event{ID: msg.Metadata.MessageID, Type: typ, ReceivedAt: now}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if len(p.Event) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(p.Event, &ev.Payload); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", typ, err)
	}

	switch typ {
	case TypeChatMessage:
		var c chatEvent
		if err := json.Unmarshal(p.Event, &c); err != nil {
			return Event{}, fmt.Errorf("decode %s event: %w", typ, err)
		}
		ev.UserID, ev.UserName, ev.Message = c.ChatterUserID, c.ChatterUserName, c.Message.Text
	case TypeCheer:
		var c cheerEvent
		if err := json.Unmarshal(p.Event, &c); err != nil {
			return Event{}, fmt.Errorf("decode %s event: %w", typ, err)
		}
		ev.UserID, ev.UserName, ev.Message, ev.Bits = c.UserID, c.UserName, c.Message, c.Bits
	default:
		if s, ok := ev.Payload["user_id"].(string); ok {
			ev.UserID = s
		}
		if s, ok := ev.Payload["user_name"].(string); ok {
			ev.UserName = s
		}
	}
	return ev, nil
}
