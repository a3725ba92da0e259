package event

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// RawUpdate is an undecoded platform update as received by a channel adapter.
type RawUpdate struct {
	Channel string `json:"channel"`
	// SenderID is the platform user the adapter saw, used only to keep one
	// user's updates on one worker. Empty when unknown.
	SenderID   string    `json:"sender_id,omitempty"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Normalizer converts raw platform updates into canonical events.
//
// Implementations must be pure: no I/O, no shared mutable state.
type Normalizer interface {
	Normalize(raw RawUpdate) (InboundEvent, error)
}

// NormalizerFunc adapts a plain function to Normalizer.
type NormalizerFunc func(raw RawUpdate) (InboundEvent, error)

func (f NormalizerFunc) Normalize(raw RawUpdate) (InboundEvent, error) {
	return f(raw)
}

// Router dispatches raw updates to the normalizer registered for their channel.
type Router map[string]Normalizer

func (r Router) Normalize(raw RawUpdate) (InboundEvent, error) {
	normalizer, ok := r[raw.Channel]
	if !ok || normalizer == nil {
		return InboundEvent{}, Malformed(ErrorUnknownChannel, raw.Channel)
	}

	return normalizer.Normalize(raw)
}

// Validate enforces the fields every normalized event must carry.
func Validate(ev InboundEvent) error {
	if strings.TrimSpace(ev.ID) == "" {
		return Malformed(ErrorMissingEventID, "")
	}
	if strings.TrimSpace(ev.UserID) == "" {
		return Malformed(ErrorMissingSender, "event "+ev.ID)
	}

	return nil
}

// CleanText trims surrounding whitespace and applies Unicode NFC so that
// visually identical input compares equal in the state machine.
func CleanText(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

// ParseCommand splits "/name@bot args" into its lowercase name and argument text.
//
// ok is false when text is not a command.
func ParseCommand(text string) (name string, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) == 1 {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	head = strings.ToLower(strings.TrimSpace(head))
	if head == "" {
		return "", "", false
	}

	return head, strings.TrimSpace(rest), true
}

// FromText builds a message or command event from one line of user text.
func FromText(id string, channel string, userID string, chatID string, text string, receivedAt time.Time) InboundEvent {
	text = CleanText(text)
	ev := InboundEvent{
		ID:         id,
		Channel:    channel,
		UserID:     userID,
		ChatID:     chatID,
		Kind:       KindMessage,
		Payload:    text,
		ReceivedAt: receivedAt.UTC(),
	}

	if name, args, ok := ParseCommand(text); ok {
		ev.Kind = KindCommand
		ev.Command = name
		ev.Args = args
	}

	return ev
}
