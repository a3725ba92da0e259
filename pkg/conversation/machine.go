package conversation

import (
	"strings"

	"recurix/pkg/event"
	"recurix/pkg/session"
)

// AnyTag registers a rule that applies in every state.
const AnyTag = "*"

// Transition is the machine's decision for one event: the state to commit
// and the actions to emit after the commit succeeds.
type Transition struct {
	Next    session.State
	Actions []event.OutboundAction
}

// Handler computes a transition. It receives a private copy of the current
// state and may modify it freely to build the next one.
type Handler func(current session.State, ev event.InboundEvent) Transition

// Rule maps (Tag, Kind, Match) to a handler. An empty Match accepts any
// content of that kind; otherwise it is compared with the command name for
// commands, the callback data for callbacks and the lowercased text for messages.
// A Prefix rule matches content that starts with Match, such as "delete:" for
// "delete:3".
type Rule struct {
	Tag    string
	Kind   event.Kind
	Match  string
	Prefix bool
	Handle Handler
}

type ruleKey struct {
	tag  string
	kind event.Kind
}

// Machine is a table-driven conversation state machine. It holds no per-user
// state, so one instance serves concurrent decisions for any number of users.
type Machine struct {
	rules    map[ruleKey][]Rule
	fallback Handler
}

// NewMachine returns an empty machine that answers every event with fallback.
func NewMachine(fallback Handler) *Machine {
	if fallback == nil {
		fallback = Stay
	}

	return &Machine{
		rules:    make(map[ruleKey][]Rule),
		fallback: fallback,
	}
}

// Register adds rules. Machines must be fully registered before they are
// shared between goroutines.
func (m *Machine) Register(rules ...Rule) {
	for _, rule := range rules {
		if rule.Handle == nil {
			continue
		}
		if rule.Tag == "" {
			rule.Tag = AnyTag
		}
		rule.Match = strings.ToLower(strings.TrimSpace(rule.Match))

		key := ruleKey{tag: rule.Tag, kind: rule.Kind}
		m.rules[key] = append(m.rules[key], rule)
	}
}

// Decide computes the transition for ev in the current state. It never fails:
// unmatched combinations go to the fallback handler. The returned state always
// carries the user id of current and version current.Version+1.
func (m *Machine) Decide(current session.State, ev event.InboundEvent) Transition {
	working := cloneState(current)
	handler := m.lookup(working.Tag, ev)

	tr := handler(working, ev)
	tr.Next.UserID = current.UserID
	tr.Next.Version = current.Version + 1
	if tr.Next.Tag == "" {
		tr.Next.Tag = session.DefaultTag
	}
	if tr.Next.Context == nil {
		tr.Next.Context = map[string]any{}
	}
	if !ev.ReceivedAt.IsZero() {
		tr.Next.UpdatedAt = ev.ReceivedAt.UTC()
	}

	return tr
}

// lookup picks the most specific rule: exact content for the current tag,
// exact content for any tag, then prefixes, then the catch-all rules in the
// same order.
func (m *Machine) lookup(tag string, ev event.InboundEvent) Handler {
	content := matchContent(ev)
	keys := []ruleKey{{tag: tag, kind: ev.Kind}, {tag: AnyTag, kind: ev.Kind}}

	for _, key := range keys {
		for _, rule := range m.rules[key] {
			if !rule.Prefix && rule.Match != "" && rule.Match == content {
				return rule.Handle
			}
		}
	}
	for _, key := range keys {
		for _, rule := range m.rules[key] {
			if rule.Prefix && rule.Match != "" && strings.HasPrefix(content, rule.Match) {
				return rule.Handle
			}
		}
	}
	for _, key := range keys {
		for _, rule := range m.rules[key] {
			if rule.Match == "" {
				return rule.Handle
			}
		}
	}

	return m.fallback
}

func matchContent(ev event.InboundEvent) string {
	switch ev.Kind {
	case event.KindCommand:
		return strings.ToLower(ev.Command)
	default:
		return strings.ToLower(strings.TrimSpace(ev.Payload))
	}
}

// Stay keeps the current state and emits nothing.
func Stay(current session.State, _ event.InboundEvent) Transition {
	return Transition{Next: current}
}

// Move returns a transition into tag with the given context and actions.
func Move(current session.State, tag string, actions ...event.OutboundAction) Transition {
	current.Tag = tag
	return Transition{Next: current, Actions: actions}
}

// Text builds a SendText action addressed to the sender of ev.
func Text(ev event.InboundEvent, text string) event.OutboundAction {
	return event.OutboundAction{
		Channel:      ev.Channel,
		TargetUserID: ev.UserID,
		ChatID:       ev.ChatID,
		Kind:         event.ActionSendText,
		Text:         text,
	}
}

// Menu builds a SendMenu action addressed to the sender of ev.
func Menu(ev event.InboundEvent, text string, options ...event.MenuOption) event.OutboundAction {
	return event.OutboundAction{
		Channel:      ev.Channel,
		TargetUserID: ev.UserID,
		ChatID:       ev.ChatID,
		Kind:         event.ActionSendMenu,
		Text:         text,
		Options:      options,
	}
}

func cloneState(state session.State) session.State {
	state.Context = cloneMap(state.Context)
	return state
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
