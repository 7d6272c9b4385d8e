package queue

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/onnwee/sub-tender/telemetry"
)

// Unbounded disables pacing.
const Unbounded = 0

// Handler processes one item.
type Handler[T any] func(ctx context.Context, v T) error

// Consume hands queued items to handler, at most ratePerSecond per second, until ctx
// is done. Handler errors are logged and do not stop the loop. It returns ctx.Err().
func Consume[T any](ctx context.Context, q *Queue[T], ratePerSecond float64, handler Handler[T]) error {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	log := slog.Default().With(slog.String("component", "consumer"))
	for {
		v, err := q.Dequeue(ctx)
		if err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return ctx.Err()
				}
				// Wait also fails when the deadline is closer than the next token.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("rate limiter wait failed", slog.Any("err", err))
			}
		}
		var herr error
		telemetry.TimeFunc(telemetry.HandlerDuration, func() { herr = handler(ctx, v) })
		telemetry.IncEventProcessed()
		if herr != nil {
			telemetry.IncHandlerError()
			log.Error("event handler failed", slog.Any("err", herr))
		}
	}
}
