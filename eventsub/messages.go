// Package eventsub keeps a Twitch EventSub WebSocket session alive and turns its
// notification frames into Events for the delivery queue.
//
// The Listener owns the socket: it dials, waits for session_welcome, registers the
// configured topics against the new session id through a SubscriptionClient, then
// streams notifications until the server asks it to move (session_reconnect) or the
// transport fails. Both cases loop back to dialing; neither touches the consumer.
package eventsub

import (
	"encoding/json"
	"time"
)

// Message types sent by the EventSub server.
const (
	MessageWelcome      = "session_welcome"
	MessageKeepalive    = "session_keepalive"
	MessageNotification = "notification"
	MessageReconnect    = "session_reconnect"
	MessageRevocation   = "revocation"
)

// DefaultURL is the production EventSub socket.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

// Message is one frame on the socket.
type Message struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type sessionPayload struct {
	Session struct {
		ID                      string    `json:"id"`
		Status                  string    `json:"status"`
		ConnectedAt             time.Time `json:"connected_at"`
		KeepaliveTimeoutSeconds *int      `json:"keepalive_timeout_seconds"`
		ReconnectURL            *string   `json:"reconnect_url"`
	} `json:"session"`
}

type subscriptionInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type notificationPayload struct {
	Subscription subscriptionInfo `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

// Session is the server-side session a socket is bound to. Subscriptions are only
// valid for the session they were created under.
type Session struct {
	ID               string
	ReconnectURL     string
	KeepaliveTimeout time.Duration
	ConnectedAt      time.Time
	Active           bool
}

func decodeSession(raw json.RawMessage) (Session, error) {
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Session{}, err
	}
	s := Session{ID: p.Session.ID, ConnectedAt: p.Session.ConnectedAt, Active: true}
	if p.Session.KeepaliveTimeoutSeconds != nil {
		s.KeepaliveTimeout = time.Duration(*p.Session.KeepaliveTimeoutSeconds) * time.Second
	}
	if p.Session.ReconnectURL != nil {
		s.ReconnectURL = *p.Session.ReconnectURL
	}
	return s, nil
}
