package event

import (
	"time"
)

// Kind classifies a normalized inbound event.
type Kind string

const (
	KindMessage        Kind = "message"
	KindCommand        Kind = "command"
	KindCallbackAction Kind = "callback_action"
	KindOther          Kind = "other"
	// KindScheduled events come from in-process jobs, never from a platform.
	KindScheduled Kind = "scheduled"
)

// InboundEvent is the canonical, platform-independent form of one update.
//
// Values are treated as immutable once a normalizer returns them.
type InboundEvent struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Payload    string    `json:"payload,omitempty"`
	Command    string    `json:"command,omitempty"`
	Args       string    `json:"args,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ActionKind names the abstract outbound action types.
type ActionKind string

const (
	ActionSendText ActionKind = "send_text"
	ActionSendMenu ActionKind = "send_menu"
	ActionNoOp     ActionKind = "noop"
)

// MenuOption is one selectable entry of a SendMenu action.
type MenuOption struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// OutboundAction is produced by the conversation machine and handed to an emitter.
type OutboundAction struct {
	Channel      string       `json:"channel,omitempty"`
	TargetUserID string       `json:"target_user_id"`
	ChatID       string       `json:"chat_id,omitempty"`
	Kind         ActionKind   `json:"kind"`
	Text         string       `json:"text,omitempty"`
	Options      []MenuOption `json:"options,omitempty"`
}

// Destination returns the chat an action should be delivered to.
//
// Private chats share their id with the user, so the target user is used when
// no explicit chat was recorded.
func (a OutboundAction) Destination() string {
	if a.ChatID != "" {
		return a.ChatID
	}
	return a.TargetUserID
}

// DeliveryResult reports what happened to one emitted action.
type DeliveryResult struct {
	Action   OutboundAction `json:"action"`
	Success  bool           `json:"success"`
	Reason   string         `json:"reason,omitempty"`
	Attempts int            `json:"attempts"`
}

// Delivered builds a successful delivery result.
func Delivered(action OutboundAction, attempts int) DeliveryResult {
	return DeliveryResult{Action: action, Success: true, Attempts: attempts}
}

// Failed builds a failed delivery result carrying the error text.
func Failed(action OutboundAction, attempts int, err error) DeliveryResult {
	reason := "unknown delivery failure"
	if err != nil {
		reason = err.Error()
	}
	return DeliveryResult{Action: action, Success: false, Reason: reason, Attempts: attempts}
}
