// Package title keeps the stream title in step with a growing sub goal, e.g.
// "Subathon goal: 40 subs". The counter starts at BASE_SUBS, grows on every tick and
// stops once MAX_SUBS has been published.
package title

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/sub-tender/telemetry"
)

// Growth selects how the counter advances between updates.
type Growth int

const (
	// GrowthLinear adds the base count on every step.
	GrowthLinear Growth = iota
	// GrowthMultiplicative multiplies by the configured factor, rounding down.
	GrowthMultiplicative
)

func (g Growth) String() string {
	if g == GrowthMultiplicative {
		return "multiplicative"
	}
	return "linear"
}

// ParseGrowth accepts linear or multiplicative (also "mult").
func ParseGrowth(s string) (Growth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return GrowthLinear, nil
	case "multiplicative", "mult":
		return GrowthMultiplicative, nil
	}
	return 0, fmt.Errorf("unknown growth %q (want linear or multiplicative)", s)
}

// Counter is the current goal.
type Counter struct {
	Value  int
	Base   int
	Max    int
	Mult   float64
	Growth Growth
}

// Next advances the counter and reports the new value, clamped at Max. A
// multiplicative step that would not move the counter adds one instead.
func (c *Counter) Next() int {
	next := c.Value
	switch c.Growth {
	case GrowthMultiplicative:
		next = int(math.Floor(float64(c.Value) * c.Mult))
		if next <= c.Value {
			next = c.Value + 1
		}
	default:
		next = c.Value + c.Base
		if c.Base <= 0 {
			next = c.Value + 1
		}
	}
	if next > c.Max {
		next = c.Max
	}
	c.Value = next
	return next
}

// Done reports whether the max has been reached.
func (c *Counter) Done() bool { return c.Value >= c.Max }

// Format joins prefix, count and suffix with single spaces, skipping empty parts.
func Format(prefix string, count int, suffix string) string {
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, strconv.Itoa(count))
	if s := strings.TrimSpace(suffix); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// ChannelUpdater is the Helix call the updater drives.
type ChannelUpdater interface {
	UpdateChannelTitle(ctx context.Context, broadcasterID, title string) error
}

// Updater publishes a new title every Interval.
type Updater struct {
	Channel       ChannelUpdater
	BroadcasterID string
	Prefix        string
	Suffix        string
	Interval      time.Duration
	Counter       Counter
	Clock         clockwork.Clock
}

// Run publishes the starting count immediately, then one step per Interval until the
// max has been published or ctx is done. Failed updates are logged and retried with
// the next value on the following tick.
func (u *Updater) Run(ctx context.Context) error {
	clk := u.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if u.Interval <= 0 {
		return fmt.Errorf("title: interval must be positive")
	}
	if u.Counter.Value < u.Counter.Base {
		u.Counter.Value = u.Counter.Base
	}
	log := slog.Default().With(slog.String("component", "title"))
	log.Info("title updater started",
		slog.String("growth", u.Counter.Growth.String()),
		slog.Int("start", u.Counter.Value), slog.Int("max", u.Counter.Max),
		slog.Duration("interval", u.Interval))

	u.publish(ctx, log)
	if u.Counter.Done() {
		return nil
	}
	ticker := clk.NewTicker(u.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		u.Counter.Next()
		u.publish(ctx, log)
		if u.Counter.Done() {
			log.Info("title updater reached max", slog.Int("max", u.Counter.Max))
			return nil
		}
	}
}

func (u *Updater) publish(ctx context.Context, log *slog.Logger) {
	t := Format(u.Prefix, u.Counter.Value, u.Suffix)
	if err := u.Channel.UpdateChannelTitle(ctx, u.BroadcasterID, t); err != nil {
		telemetry.IncTitleUpdate("error")
		log.Warn("title update failed", slog.String("title", t), slog.Any("err", err))
		return
	}
	telemetry.IncTitleUpdate("ok")
	log.Info("title updated", slog.String("title", t))
}
