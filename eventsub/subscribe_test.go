package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/sub-tender/telemetry"
	"github.com/onnwee/sub-tender/testutil"
	"github.com/onnwee/sub-tender/twitchapi"
)

func newSubscriptionClient(t *testing.T, status int) (*SubscriptionClient, *testutil.MockTwitchServer) {
	t.Helper()
	api := testutil.NewMockTwitchServer(t)
	api.MockSubscriptions(status)
	helix := &twitchapi.HelixClient{Auth: staticAuth("tok"), ClientID: "cid", HTTPClient: api.Client()}
	return &SubscriptionClient{Helix: helix}, api
}

func TestSubscribe(t *testing.T) {
	c, api := newSubscriptionClient(t, http.StatusAccepted)
	topic := Topic{Type: TypeCheer, Version: 1, Condition: map[string]string{"broadcaster_user_id": "1001"}}

	sub, err := c.Subscribe(context.Background(), "sess-1", topic)
	require.NoError(t, err)
	assert.Equal(t, "sub-cid", sub.ID)
	assert.Equal(t, "enabled", sub.Status)
	assert.Equal(t, "sess-1", sub.SessionID)
	assert.Equal(t, topic, sub.Topic)

	bodies := api.Bodies(subsPath)
	require.Len(t, bodies, 1)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &got))
	assert.Equal(t, "channel.cheer", got["type"])
	assert.Equal(t, "1", got["version"])
	assert.Equal(t, map[string]interface{}{"method": "websocket", "session_id": "sess-1"}, got["transport"])
}

func TestSubscribeForbidden(t *testing.T) {
	c, _ := newSubscriptionClient(t, http.StatusForbidden)
	_, err := c.Subscribe(context.Background(), "sess-1", Topic{Type: TypeChatMessage})

	var forbidden *ForbiddenSubscriptionError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, TypeChatMessage, forbidden.Type)
	assert.Contains(t, err.Error(), "subscription rejected")

	var apiErr *twitchapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestSubscribeOtherFailure(t *testing.T) {
	c, _ := newSubscriptionClient(t, http.StatusConflict)
	_, err := c.Subscribe(context.Background(), "sess-1", Topic{Type: TypeChatMessage})

	var forbidden *ForbiddenSubscriptionError
	assert.False(t, errors.As(err, &forbidden))
	var apiErr *twitchapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestSubscribeFailureLogsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	c, _ := newSubscriptionClient(t, http.StatusConflict)
	ctx := telemetry.WithCorrelation(context.Background(), "sock-42")
	_, err := c.Subscribe(ctx, "sess-1", Topic{Type: TypeCheer})
	require.Error(t, err)

	assert.Contains(t, buf.String(), `"msg":"eventsub subscription failed"`)
	assert.Contains(t, buf.String(), `"corr":"sock-42"`)
	assert.Contains(t, buf.String(), `"type":"channel.cheer"`)
}

func TestTopicVersionDefaultsToOne(t *testing.T) {
	assert.Equal(t, "1", Topic{}.version())
	assert.Equal(t, "2", Topic{Version: 2}.version())
}

func TestDecodeEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frame := func(subType string, event map[string]interface{}) Message {
		raw, err := json.Marshal(testutil.Frame(MessageNotification, map[string]interface{}{
			"subscription": map[string]interface{}{"type": subType, "version": "1"},
			"event":        event,
		}))
		require.NoError(t, err)
		var m Message
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	t.Run("chat", func(t *testing.T) {
		ev, err := decodeEvent(frame(TypeChatMessage, map[string]interface{}{
			"chatter_user_id":   "42",
			"chatter_user_name": "alice",
			"message":           map[string]interface{}{"text": "hi"},
		}), now)
		require.NoError(t, err)
		assert.Equal(t, TypeChatMessage, ev.Type)
		assert.Equal(t, "42", ev.UserID)
		assert.Equal(t, "alice", ev.UserName)
		assert.Equal(t, "hi", ev.Message)
		assert.Equal(t, now, ev.ReceivedAt)
		assert.NotEmpty(t, ev.ID)
	})

	t.Run("cheer", func(t *testing.T) {
		ev, err := decodeEvent(frame(TypeCheer, map[string]interface{}{
			"user_id":   "7",
			"user_name": "bob",
			"bits":      250,
			"message":   "Cheer250 gg",
		}), now)
		require.NoError(t, err)
		assert.Equal(t, "bob", ev.UserName)
		assert.Equal(t, 250, ev.Bits)
		assert.Equal(t, "Cheer250 gg", ev.Message)
	})

	t.Run("generic", func(t *testing.T) {
		ev, err := decodeEvent(frame("channel.follow", map[string]interface{}{
			"user_id":   "9",
			"user_name": "carol",
		}), now)
		require.NoError(t, err)
		assert.Equal(t, "channel.follow", ev.Type)
		assert.Equal(t, "carol", ev.UserName)
		assert.Equal(t, "9", ev.Payload["user_id"])
	})

	t.Run("missing message id", func(t *testing.T) {
		m := frame(TypeCheer, map[string]interface{}{"bits": 1})
		m.Metadata.MessageID = ""
		ev, err := decodeEvent(m, now)
		require.NoError(t, err)
		assert.Len(t, ev.ID, 36)
	})
}
