package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/sub-tender/queue"
	"github.com/onnwee/sub-tender/testutil"
	"github.com/onnwee/sub-tender/twitchapi"
)

const subsPath = "/helix/eventsub/subscriptions"

type staticAuth string

func (s staticAuth) AccessToken(context.Context) (string, error) { return string(s), nil }

type fixture struct {
	es       *testutil.EventSubServer
	api      *testutil.MockTwitchServer
	q        *queue.Queue[Event]
	listener *Listener
}

func newFixture(t *testing.T, subStatus int, opts ...func(*ListenerConfig)) *fixture {
	t.Helper()
	es := testutil.NewEventSubServer(t)
	api := testutil.NewMockTwitchServer(t)
	api.MockUsers(map[string]string{"streamer": "1001", "botty": "2002"})
	api.MockSubscriptions(subStatus)

	helix := &twitchapi.HelixClient{Auth: staticAuth("tok"), ClientID: "cid", HTTPClient: api.Client()}
	q := queue.New[Event](16)
	cfg := ListenerConfig{
		URL:              es.WSURL("/ws"),
		BroadcasterLogin: "streamer",
		BotLogin:         "botty",
		ReconnectDelay:   10 * time.Millisecond,
		KeepaliveGrace:   100 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	l := NewListener(cfg, twitchapi.NewIdentityResolver(helix), &SubscriptionClient{Helix: helix}, q)
	return &fixture{es: es, api: api, q: q, listener: l}
}

// start runs the listener and returns a func that stops it and reports Run's error.
func (f *fixture) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.listener.Run(ctx) }()
	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Error("listener did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.listener.State() == want },
		5*time.Second, 5*time.Millisecond, "listener never reached %s (at %s)", want, f.listener.State())
}

type subBody struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

func (f *fixture) subscriptions(t *testing.T) []subBody {
	t.Helper()
	var out []subBody
	for _, raw := range f.api.Bodies(subsPath) {
		var b subBody
		require.NoError(t, json.Unmarshal([]byte(raw), &b))
		out = append(out, b)
	}
	return out
}

func TestListenerWelcomeSubscribesAndDelivers(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	stop := f.start(t)

	conn := f.es.Next(t)
	require.NoError(t, conn.SendWelcome("abc123", 10))
	f.waitState(t, StateStreaming)

	subs := f.subscriptions(t)
	require.Len(t, subs, 2)
	assert.Equal(t, TypeChatMessage, subs[0].Type)
	assert.Equal(t, "1", subs[0].Version)
	assert.Equal(t, map[string]string{"broadcaster_user_id": "1001", "user_id": "2002"}, subs[0].Condition)
	assert.Equal(t, TypeCheer, subs[1].Type)
	assert.Equal(t, map[string]string{"broadcaster_user_id": "1001"}, subs[1].Condition)
	for _, s := range subs {
		assert.Equal(t, "websocket", s.Transport.Method)
		assert.Equal(t, "abc123", s.Transport.SessionID)
	}
	sess := f.listener.Session()
	assert.Equal(t, "abc123", sess.ID)
	assert.True(t, sess.Active)
	assert.Equal(t, 10*time.Second, sess.KeepaliveTimeout)

	require.NoError(t, conn.SendNotification(TypeChatMessage, map[string]interface{}{
		"broadcaster_user_id": "1001",
		"chatter_user_id":     "3003",
		"chatter_user_name":   "alice",
		"message":             map[string]interface{}{"text": "hi"},
	}))

	got := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = queue.Consume(ctx, f.q, queue.Unbounded, func(_ context.Context, ev Event) error {
			got <- ev
			return nil
		})
	}()
	select {
	case ev := <-got:
		assert.Equal(t, TypeChatMessage, ev.Type)
		assert.Equal(t, "alice", ev.UserName)
		assert.Equal(t, "3003", ev.UserID)
		assert.Equal(t, "hi", ev.Message)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the consumer")
	}

	assert.NoError(t, stop())
	assert.Equal(t, StateClosed, f.listener.State())
	assert.False(t, f.listener.Session().Active)
}

func TestListenerReconnectFrame(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	f.start(t)

	first := f.es.Next(t)
	require.NoError(t, first.SendWelcome("abc123", 10))
	f.waitState(t, StateStreaming)
	require.Equal(t, 2, f.api.Hits(subsPath))

	require.NoError(t, first.SendReconnect("abc123", f.es.WSURL("/moved")))
	second := f.es.Next(t)
	assert.Equal(t, "/moved", second.Path)

	select {
	case <-first.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("old socket not closed")
	}

	require.NoError(t, second.SendWelcome("def456", 10))
	require.Eventually(t, func() bool { return f.api.Hits(subsPath) == 4 }, 5*time.Second, 5*time.Millisecond)
	f.waitState(t, StateStreaming)

	assert.Equal(t, 2, f.es.Accepted())
	subs := f.subscriptions(t)
	require.Len(t, subs, 4)
	var reissued []string
	for _, s := range subs[2:] {
		assert.Equal(t, "def456", s.Transport.SessionID)
		reissued = append(reissued, s.Type)
	}
	assert.ElementsMatch(t, []string{TypeChatMessage, TypeCheer}, reissued)
	// ids are resolved once and reused
	assert.Equal(t, 2, f.api.Hits("/helix/users"))
}

func TestListenerForbiddenSubscriptionIsFatal(t *testing.T) {
	f := newFixture(t, http.StatusForbidden)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.listener.Run(ctx) }()
	conn := f.es.Next(t)
	require.NoError(t, conn.SendWelcome("abc123", 10))

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	var forbidden *ForbiddenSubscriptionError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, TypeChatMessage, forbidden.Type)
	assert.Equal(t, 1, f.api.Hits(subsPath), "remaining topics must not be attempted")
	assert.Equal(t, StateClosed, f.listener.State())
	assert.Equal(t, 1, f.es.Accepted())
}

func TestListenerNonFatalSubscriptionErrorContinues(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest)
	f.start(t)

	conn := f.es.Next(t)
	require.NoError(t, conn.SendWelcome("abc123", 10))
	f.waitState(t, StateStreaming)
	assert.Equal(t, 2, f.api.Hits(subsPath))
}

func TestListenerTransportErrorRedialsDefaultURL(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	f.start(t)

	first := f.es.Next(t)
	require.NoError(t, first.SendWelcome("abc123", 10))
	f.waitState(t, StateStreaming)
	require.NoError(t, first.Close())

	second := f.es.Next(t)
	assert.Equal(t, "/ws", second.Path)
	require.NoError(t, second.SendWelcome("def456", 10))
	require.Eventually(t, func() bool { return f.api.Hits(subsPath) == 4 }, 5*time.Second, 5*time.Millisecond)
}

func TestListenerKeepaliveTimeout(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	f.start(t)

	first := f.es.Next(t)
	require.NoError(t, first.SendWelcome("abc123", 1))
	f.waitState(t, StateStreaming)

	// Silence past keepalive + grace drops the socket.
	second := f.es.Next(t)
	assert.Equal(t, "/ws", second.Path)
	select {
	case <-first.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("stale socket not closed")
	}
}

func TestListenerKeepaliveFramesHoldSocketOpen(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	f.start(t)

	conn := f.es.Next(t)
	require.NoError(t, conn.SendWelcome("abc123", 1))
	f.waitState(t, StateStreaming)

	// 2.4s of keepalives every 600ms outlasts the 1s + 100ms window several times.
	for i := 0; i < 4; i++ {
		time.Sleep(600 * time.Millisecond)
		require.NoError(t, conn.SendKeepalive())
	}
	select {
	case <-conn.Closed():
		t.Fatal("socket dropped despite keepalives")
	default:
	}
	assert.Equal(t, 1, f.es.Accepted())
	assert.Equal(t, StateStreaming, f.listener.State())
}

func TestListenerRevocationKeepsStreaming(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	f.start(t)

	conn := f.es.Next(t)
	require.NoError(t, conn.SendWelcome("abc123", 10))
	f.waitState(t, StateStreaming)

	require.NoError(t, conn.SendRevocation(TypeCheer, "authorization_revoked"))
	require.NoError(t, conn.SendNotification(TypeChatMessage, map[string]interface{}{
		"chatter_user_id":   "3003",
		"chatter_user_name": "alice",
		"message":           map[string]interface{}{"text": "still here"},
	}))

	require.Eventually(t, func() bool { return f.q.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	ev, ok := f.q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "still here", ev.Message)
	assert.Equal(t, 1, f.es.Accepted())
	assert.Equal(t, StateStreaming, f.listener.State())
	assert.Equal(t, 2, f.api.Hits(subsPath), "revocation does not trigger resubscription")
}

func TestListenerKeepaliveWatchdogFollowsClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	f := newFixture(t, http.StatusAccepted, func(c *ListenerConfig) { c.Clock = clk })
	f.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := f.es.Next(t)
	require.NoError(t, first.SendWelcome("abc123", 10))
	f.waitState(t, StateStreaming)

	// A keepalive at 9s pushes the deadline to 19.1s.
	clk.Advance(9 * time.Second)
	require.NoError(t, first.SendKeepalive())
	require.NoError(t, first.SendNotification(TypeChatMessage, map[string]interface{}{
		"chatter_user_name": "alice",
		"message":           map[string]interface{}{"text": "tick"},
	}))
	require.Eventually(t, func() bool { return f.q.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	clk.Advance(9 * time.Second)
	select {
	case <-first.Closed():
		t.Fatal("socket dropped before keepalive deadline")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, f.es.Accepted())

	clk.Advance(2 * time.Second)
	select {
	case <-first.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("idle socket not closed")
	}

	// The redial waits out ReconnectDelay on the same clock.
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(10 * time.Millisecond)
	second := f.es.Next(t)
	assert.Equal(t, "/ws", second.Path)
}

func TestListenerUnknownBroadcasterIsFatal(t *testing.T) {
	f := newFixture(t, http.StatusAccepted)
	f.api.MockUsers(map[string]string{"botty": "2002"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.listener.Run(ctx) }()
	conn := f.es.Next(t)
	require.NoError(t, conn.SendWelcome("abc123", 10))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, twitchapi.ErrUserNotFound), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, f.api.Hits(subsPath))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
