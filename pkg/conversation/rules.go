package conversation

import (
	"fmt"
	"strings"

	"recurix/pkg/event"
	"recurix/pkg/session"
)

const (
	TagIdle          = session.DefaultTag
	TagAwaitingName  = "awaiting_input:name"
	TagAwaitingPrice = "awaiting_input:price"
	TagAwaitingDate  = "awaiting_input:date"
	TagCompleted     = "completed"
)

const (
	keyAwaiting      = "awaiting"
	keyDraft         = "draft"
	keySubscriptions = "subscriptions"
)

// draft is the subscription being collected, stored under context["draft"].
type draft struct {
	Name        string
	Price       string
	PaymentDate string
}

func (d draft) toMap() map[string]any {
	return map[string]any{
		"name":         d.Name,
		"price":        d.Price,
		"payment_date": d.PaymentDate,
	}
}

func draftFrom(ctx map[string]any) draft {
	raw, _ := ctx[keyDraft].(map[string]any)
	return draft{
		Name:        stringValue(raw, "name"),
		Price:       stringValue(raw, "price"),
		PaymentDate: stringValue(raw, "payment_date"),
	}
}

func (d draft) complete() bool {
	return d.Name != "" && d.Price != "" && d.PaymentDate != ""
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Subscriptions returns the saved subscriptions stored in a session context.
func Subscriptions(ctx map[string]any) []map[string]any {
	raw, _ := ctx[keySubscriptions].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// New returns the machine for the subscription tracking conversation.
func New() *Machine {
	m := NewMachine(clarify)
	m.Register(
		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "start", Handle: startDraft},
		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "add", Handle: startDraft},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionAdd, Handle: startDraft},
		Rule{Tag: TagCompleted, Kind: event.KindCallbackAction, Match: optionRestart, Handle: startDraft},

		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "cancel", Handle: cancel},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionCancel, Handle: cancel},

		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "list", Handle: list},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionList, Handle: list},

		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "help", Handle: mainMenu},
		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "menu", Handle: mainMenu},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionMenu, Handle: mainMenu},

		Rule{Tag: TagAwaitingName, Kind: event.KindMessage, Handle: acceptName},
		Rule{Tag: TagAwaitingPrice, Kind: event.KindMessage, Handle: acceptPrice},
		Rule{Tag: TagAwaitingDate, Kind: event.KindMessage, Handle: acceptDate},

		Rule{Tag: TagCompleted, Kind: event.KindCallbackAction, Match: optionSave, Handle: save},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionSave, Handle: nothingToSave},
		Rule{Tag: TagCompleted, Kind: event.KindMessage, Handle: confirmPending},

		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "view", Handle: view},
		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "view_", Prefix: true, Handle: view},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionView, Prefix: true, Handle: view},

		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionEditName, Prefix: true, Handle: beginEdit(TagEditName)},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionEditPrice, Prefix: true, Handle: beginEdit(TagEditPrice)},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionEditDate, Prefix: true, Handle: beginEdit(TagEditDate)},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionEditPeriod, Prefix: true, Handle: beginEdit(TagEditPeriod)},
		Rule{Tag: TagEditName, Kind: event.KindMessage, Handle: acceptEdit},
		Rule{Tag: TagEditPrice, Kind: event.KindMessage, Handle: acceptEdit},
		Rule{Tag: TagEditDate, Kind: event.KindMessage, Handle: acceptEdit},
		Rule{Tag: TagEditPeriod, Kind: event.KindMessage, Handle: acceptEdit},
		Rule{Tag: TagEditPeriod, Kind: event.KindCallbackAction, Match: optionPeriod, Prefix: true, Handle: acceptEdit},

		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionDelete, Prefix: true, Handle: askDelete},
		Rule{Tag: AnyTag, Kind: event.KindCallbackAction, Match: optionConfirmDelete, Prefix: true, Handle: confirmDelete},

		Rule{Tag: AnyTag, Kind: event.KindCommand, Match: "reminders", Handle: reminders},
		Rule{Tag: AnyTag, Kind: event.KindScheduled, Match: ScheduledRenew, Handle: renewDue},
	)
	return m
}

func startDraft(current session.State, ev event.InboundEvent) Transition {
	delete(current.Context, keyDraft)
	delete(current.Context, keyEditing)
	current.Context[keyAwaiting] = "name"
	return Move(current, TagAwaitingName, Text(ev, msgWelcome))
}

func cancel(current session.State, ev event.InboundEvent) Transition {
	delete(current.Context, keyDraft)
	delete(current.Context, keyAwaiting)
	delete(current.Context, keyEditing)
	return Move(current, TagIdle, Text(ev, msgCancelled))
}

// list shows every saved subscription with a button that opens its details.
func list(current session.State, ev event.InboundEvent) Transition {
	subs := LoadSubscriptions(current.Context)
	if len(subs) == 0 {
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNoSubs)}}
	}
	storeSubscriptions(current.Context, subs)

	var b strings.Builder
	b.WriteString(msgListHeader)
	options := make([]event.MenuOption, 0, len(subs))
	for i, sub := range subs {
		fmt.Fprintf(&b, "\n%d. %s: %s, next payment %s /view_%s", i+1, sub.Name, sub.Price, sub.PaymentDate, sub.ID)
		options = append(options, event.MenuOption{Label: sub.Name, Data: optionView + sub.ID})
	}
	return Transition{Next: current, Actions: []event.OutboundAction{Menu(ev, b.String(), options...)}}
}

func mainMenu(current session.State, ev event.InboundEvent) Transition {
	return Transition{
		Next:    current,
		Actions: []event.OutboundAction{Menu(ev, msgMainMenu, mainMenuOptions()...)},
	}
}

func acceptName(current session.State, ev event.InboundEvent) Transition {
	name, err := parseName(ev.Payload)
	if err != nil {
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgEmptyName)}}
	}

	d := draftFrom(current.Context)
	d.Name = name
	current.Context[keyDraft] = d.toMap()
	current.Context[keyAwaiting] = "price"
	return Move(current, TagAwaitingPrice, Text(ev, fmt.Sprintf(msgAskPrice, name)))
}

func acceptPrice(current session.State, ev event.InboundEvent) Transition {
	price, err := parsePrice(ev.Payload)
	switch err {
	case nil:
	case errNegativePrice:
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNegativePrice)}}
	default:
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgInvalidPrice)}}
	}

	d := draftFrom(current.Context)
	d.Price = price
	current.Context[keyDraft] = d.toMap()
	current.Context[keyAwaiting] = "date"
	return Move(current, TagAwaitingDate, Text(ev, msgAskDate))
}

func acceptDate(current session.State, ev event.InboundEvent) Transition {
	date, err := parsePaymentDate(ev.Payload, ev.ReceivedAt)
	switch err {
	case nil:
	case errDateInPast:
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgDateInPast)}}
	default:
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgInvalidDate)}}
	}

	d := draftFrom(current.Context)
	d.PaymentDate = date.Format(dateLayout)
	current.Context[keyDraft] = d.toMap()
	delete(current.Context, keyAwaiting)
	return Move(current, TagCompleted, Menu(ev, fmt.Sprintf(msgConfirm, describeDraft(d)), confirmOptions()...))
}

func save(current session.State, ev event.InboundEvent) Transition {
	d := draftFrom(current.Context)
	if !d.complete() {
		return nothingToSave(current, ev)
	}

	subs := LoadSubscriptions(current.Context)
	subs = append(subs, Subscription{
		ID:            nextSubscriptionID(subs),
		Name:          d.Name,
		Price:         d.Price,
		PaymentDate:   d.PaymentDate,
		RenewalMonths: defaultRenewalMonths,
	})
	storeSubscriptions(current.Context, subs)
	rememberContact(current, ev)
	delete(current.Context, keyDraft)
	return Move(current, TagIdle, Text(ev, fmt.Sprintf(msgSaved, d.Name)))
}

func nothingToSave(current session.State, ev event.InboundEvent) Transition {
	return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNothingToSave)}}
}

func confirmPending(current session.State, ev event.InboundEvent) Transition {
	return Transition{
		Next:    current,
		Actions: []event.OutboundAction{Menu(ev, msgConfirmPending, confirmOptions()...)},
	}
}

// clarify keeps the state and repeats what the conversation is waiting for.
func clarify(current session.State, ev event.InboundEvent) Transition {
	text := msgUnknown
	switch current.Tag {
	case TagAwaitingName:
		text += " " + msgWelcome
	case TagAwaitingPrice:
		text += " " + msgInvalidPrice
	case TagAwaitingDate:
		text += " " + msgAskDate
	case TagCompleted:
		text += " " + msgConfirmPending
	case TagEditName, TagEditPrice, TagEditDate:
		text += " Send the new value, or /cancel to stop editing."
	case TagEditPeriod:
		text += " " + msgInvalidPeriod
	default:
		text += " Send /help to see what I can do."
	}
	return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, text)}}
}
