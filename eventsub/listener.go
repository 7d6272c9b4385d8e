package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/sub-tender/oauth"
	"github.com/onnwee/sub-tender/telemetry"
	"github.com/onnwee/sub-tender/twitchapi"
)

// State is the listener's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateWelcomed
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWelcomed:
		return "welcomed"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TransportError is a socket failure: dial error, unexpected close or a missed
// keepalive. The listener recovers from it by redialing the default URL.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("eventsub %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrKeepaliveTimeout ends a socket that went quiet for longer than the session's
// keepalive timeout plus grace (or the welcome timeout before the first welcome).
var ErrKeepaliveTimeout = errors.New("eventsub: no message within keepalive timeout")

// Resolver maps a login to a user id.
type Resolver interface {
	Resolve(ctx context.Context, login string) (string, error)
}

// Subscriber registers one topic for a session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, t Topic) (*Subscription, error)
}

// Sink receives decoded events. Enqueue must not block.
type Sink interface {
	Enqueue(ev Event) bool
}

const (
	defaultReconnectDelay = 2 * time.Second
	defaultKeepaliveGrace = 10 * time.Second
	// Twitch sends the welcome within 10s of the upgrade.
	welcomeTimeout = 10 * time.Second
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// URL is the socket dialed at startup and after transport errors.
	URL              string
	BroadcasterLogin string
	BotLogin         string
	ReconnectDelay   time.Duration
	KeepaliveGrace   time.Duration
	// Topics builds the topic list from the resolved ids; nil means DefaultTopics.
	Topics func(broadcasterID, botID string) []Topic
	Dialer *websocket.Dialer
	Clock  clockwork.Clock
}

// Listener runs the EventSub session loop.
type Listener struct {
	cfg      ListenerConfig
	resolver Resolver
	subs     Subscriber
	sink     Sink
	clock    clockwork.Clock
	log      *slog.Logger

	state atomic.Int32

	mu            sync.Mutex
	session       Session
	broadcasterID string
	botID         string
}

func NewListener(cfg ListenerConfig, resolver Resolver, subs Subscriber, sink Sink) *Listener {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.KeepaliveGrace <= 0 {
		cfg.KeepaliveGrace = defaultKeepaliveGrace
	}
	if cfg.Topics == nil {
		cfg.Topics = DefaultTopics
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Listener{
		cfg:      cfg,
		resolver: resolver,
		subs:     subs,
		sink:     sink,
		clock:    clk,
		log:      slog.Default().With(slog.String("component", "eventsub")),
	}
}

// State reports the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

// Session returns the current session. Active is false between sockets.
func (l *Listener) Session() Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	telemetry.SetListenerState(int(s))
}

func (l *Listener) setSession(s Session) {
	l.mu.Lock()
	l.session = s
	l.mu.Unlock()
}

func (l *Listener) endSession() {
	l.mu.Lock()
	l.session.Active = false
	l.mu.Unlock()
}

// Run connects and streams until ctx is cancelled (returns nil) or a fatal error
// occurs: a forbidden subscription, an unknown account, or a token that could not be
// re-authorized.
func (l *Listener) Run(ctx context.Context) error {
	defer l.setState(StateClosed)
	url := l.cfg.URL
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.setState(StateConnecting)
		next, err := l.runSession(ctx, url)
		l.endSession()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// session_reconnect
			telemetry.IncReconnect("reconnect")
			url = next
			if url == "" {
				url = l.cfg.URL
			}
			l.log.Info("eventsub reconnect requested", slog.String("url", url))
			continue
		}
		if isFatal(err) {
			l.log.Error("eventsub listener stopping", slog.Any("err", err))
			return err
		}
		telemetry.IncReconnect("transport")
		l.setState(StateReconnecting)
		l.log.Warn("eventsub connection lost; reconnecting",
			slog.Any("err", err), slog.Duration("delay", l.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(l.cfg.ReconnectDelay):
		}
		url = l.cfg.URL
	}
}

func isFatal(err error) bool {
	var forbidden *ForbiddenSubscriptionError
	return errors.As(err, &forbidden) ||
		errors.Is(err, twitchapi.ErrUserNotFound) ||
		errors.Is(err, oauth.ErrAuthorizationFailed) ||
		errors.Is(err, oauth.ErrMissingClientCredentials)
}

// runSession owns one socket. It returns the reconnect URL (nil error) when the
// server asks the client to move, or the error that ended the socket.
func (l *Listener) runSession(ctx context.Context, url string) (string, error) {
	connCtx := telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(connCtx).With(slog.String("component", "eventsub"))

	conn, _, err := l.cfg.Dialer.DialContext(connCtx, url, nil)
	if err != nil {
		return "", &TransportError{Op: "dial", URL: url, Err: err}
	}
	defer conn.Close()
	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	log.Info("eventsub socket connected", slog.String("url", url))

	var (
		welcomed  bool
		keepalive time.Duration
		idle      atomic.Bool
	)
	// Any frame re-arms the watchdog; when it fires the socket is closed under the
	// blocked ReadMessage.
	watchdog := l.clock.AfterFunc(welcomeTimeout+l.cfg.KeepaliveGrace, func() {
		idle.Store(true)
		conn.Close()
	})
	defer watchdog.Stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if idle.Load() {
				log.Warn("eventsub socket idle past keepalive", slog.Duration("keepalive", keepalive))
				return "", &TransportError{Op: "keepalive", URL: url, Err: ErrKeepaliveTimeout}
			}
			return "", &TransportError{Op: "read", URL: url, Err: err}
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("eventsub frame undecodable", slog.Any("err", err))
			continue
		}

		switch msg.Metadata.MessageType {
		case MessageWelcome:
			if welcomed {
				log.Debug("eventsub duplicate welcome ignored")
				break
			}
			s, err := decodeSession(msg.Payload)
			if err != nil || s.ID == "" {
				return "", &TransportError{Op: "welcome", URL: url, Err: fmt.Errorf("bad welcome payload: %v", err)}
			}
			welcomed = true
			keepalive = s.KeepaliveTimeout
			l.setSession(s)
			l.setState(StateWelcomed)
			log.Info("eventsub session welcomed",
				slog.String("session_id", s.ID), slog.Duration("keepalive", keepalive))
			if err := l.subscribeAll(connCtx, log, s.ID); err != nil {
				return "", err
			}
			l.setState(StateStreaming)

		case MessageKeepalive:

		case MessageNotification:
			ev, err := decodeEvent(msg, l.clock.Now())
			if err != nil {
				log.Warn("eventsub notification undecodable", slog.Any("err", err))
				break
			}
			telemetry.IncEventReceived(ev.Type)
			l.sink.Enqueue(ev)

		case MessageReconnect:
			s, err := decodeSession(msg.Payload)
			if err != nil {
				log.Warn("eventsub reconnect payload undecodable", slog.Any("err", err))
			}
			l.setState(StateReconnecting)
			return s.ReconnectURL, nil

		case MessageRevocation:
			var p notificationPayload
			_ = json.Unmarshal(msg.Payload, &p)
			telemetry.IncRevocation()
			log.Warn("eventsub subscription revoked",
				slog.String("type", p.Subscription.Type), slog.String("status", p.Subscription.Status))

		default:
			log.Debug("eventsub message ignored", slog.String("type", msg.Metadata.MessageType))
		}

		if keepalive > 0 {
			watchdog.Reset(keepalive + l.cfg.KeepaliveGrace)
		} else if welcomed {
			watchdog.Stop()
		}
	}
}

// subscribeAll registers every topic for sessionID in order. A forbidden topic or a
// token failure stops the run; other failures are logged and skipped.
func (l *Listener) subscribeAll(ctx context.Context, log *slog.Logger, sessionID string) error {
	l.setState(StateSubscribing)
	broadcasterID, botID, err := l.ids(ctx)
	if err != nil {
		return err
	}
	var ok int
	topics := l.cfg.Topics(broadcasterID, botID)
	for _, t := range topics {
		sub, err := l.subs.Subscribe(ctx, sessionID, t)
		if err != nil {
			if isFatal(err) {
				return err
			}
			continue
		}
		ok++
		log.Debug("eventsub subscribed", slog.String("type", t.Type), slog.String("id", sub.ID))
	}
	log.Info("eventsub subscriptions registered", slog.Int("ok", ok), slog.Int("topics", len(topics)))
	return nil
}

// ids resolves the broadcaster and bot ids once; they survive reconnects.
func (l *Listener) ids(ctx context.Context) (string, string, error) {
	l.mu.Lock()
	b, bot := l.broadcasterID, l.botID
	l.mu.Unlock()
	if b != "" && bot != "" {
		return b, bot, nil
	}
	b, err := l.resolver.Resolve(ctx, l.cfg.BroadcasterLogin)
	if err != nil {
		return "", "", fmt.Errorf("resolve broadcaster %q: %w", l.cfg.BroadcasterLogin, err)
	}
	bot, err = l.resolver.Resolve(ctx, l.cfg.BotLogin)
	if err != nil {
		return "", "", fmt.Errorf("resolve bot %q: %w", l.cfg.BotLogin, err)
	}
	l.mu.Lock()
	l.broadcasterID, l.botID = b, bot
	l.mu.Unlock()
	return b, bot, nil
}
