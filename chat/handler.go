package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/sub-tender/eventsub"
)

// Sayer sends a chat message.
type Sayer interface {
	Say(channel, text string)
}

// Handler processes delivered events.
type Handler struct {
	// Channel is the broadcaster login cheers are thanked in.
	Channel     string
	ThankCheers bool
	Sayer       Sayer
	Log         *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default().With(slog.String("component", "chat"))
}

// Handle logs ev and, for cheers, optionally thanks the sender.
func (h *Handler) Handle(_ context.Context, ev eventsub.Event) error {
	log := h.logger()
	switch ev.Type {
	case eventsub.TypeChatMessage:
		log.Info(fmt.Sprintf("[chat] %s: %s", ev.UserName, ev.Message), slog.String("event_id", ev.ID))
	case eventsub.TypeCheer:
		name := ev.UserName
		if name == "" {
			name = "anonymous"
		}
		log.Info(fmt.Sprintf("[cheer] %s cheered %d bits: %s", name, ev.Bits, ev.Message), slog.String("event_id", ev.ID))
		if h.ThankCheers && h.Sayer != nil && h.Channel != "" {
			h.Sayer.Say(h.Channel, ThankYou(name, ev.Bits))
		}
	default:
		log.Info("event received", slog.String("type", ev.Type), slog.String("user", ev.UserName), slog.String("event_id", ev.ID))
	}
	return nil
}

// ThankYou is the chat line sent for a cheer.
func ThankYou(user string, bits int) string {
	unit := "bits"
	if bits == 1 {
		unit = "bit"
	}
	return fmt.Sprintf("Thank you @%s for the %d %s!", user, bits, unit)
}
