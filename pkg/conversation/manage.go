package conversation

import (
	"fmt"
	"strconv"
	"strings"

	"recurix/pkg/event"
	"recurix/pkg/session"
)

const (
	TagEditName   = "awaiting_input:edit_name"
	TagEditPrice  = "awaiting_input:edit_price"
	TagEditDate   = "awaiting_input:edit_date"
	TagEditPeriod = "awaiting_input:edit_period"
)

// ScheduledRenew is the payload of the daily job that rolls past payment
// dates forward.
const ScheduledRenew = "renew"

const maxReminderDays = 30

type editField struct {
	tag    string
	prompt string
	apply  func(sub *Subscription, ev event.InboundEvent) string
}

var editFields = map[string]editField{
	TagEditName:   {tag: TagEditName, prompt: msgEditName, apply: applyName},
	TagEditPrice:  {tag: TagEditPrice, prompt: msgEditPrice, apply: applyPrice},
	TagEditDate:   {tag: TagEditDate, prompt: msgAskDate, apply: applyDate},
	TagEditPeriod: {tag: TagEditPeriod, prompt: msgEditPeriod, apply: applyPeriod},
}

// subscriptionID extracts the id a command or callback refers to:
// "view:3", "/view 3" and "/view_3" all name subscription 3.
func subscriptionID(ev event.InboundEvent, prefix string) string {
	if ev.Kind == event.KindCommand {
		if rest, ok := strings.CutPrefix(ev.Command, prefix+"_"); ok {
			return rest
		}
		return strings.TrimSpace(ev.Args)
	}
	_, id, _ := strings.Cut(ev.Payload, ":")
	return strings.TrimSpace(id)
}

func view(current session.State, ev event.InboundEvent) Transition {
	subs := LoadSubscriptions(current.Context)
	i, ok := findSubscription(subs, subscriptionID(ev, "view"))
	if !ok {
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNotFound)}}
	}
	storeSubscriptions(current.Context, subs)
	return Transition{Next: current, Actions: []event.OutboundAction{detail(ev, subs[i])}}
}

func detail(ev event.InboundEvent, sub Subscription) event.OutboundAction {
	return Menu(ev, describeSubscription(sub), detailOptions(sub.ID)...)
}

// beginEdit starts editing one field of a saved subscription.
func beginEdit(tag string) Handler {
	field := editFields[tag]
	return func(current session.State, ev event.InboundEvent) Transition {
		subs := LoadSubscriptions(current.Context)
		i, ok := findSubscription(subs, subscriptionID(ev, ""))
		if !ok {
			return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNotFound)}}
		}

		storeSubscriptions(current.Context, subs)
		delete(current.Context, keyDraft)
		current.Context[keyEditing] = subs[i].ID
		current.Context[keyAwaiting] = strings.TrimPrefix(field.tag, "awaiting_input:")

		prompt := fmt.Sprintf(field.prompt, subs[i].Name)
		if field.tag == TagEditPeriod {
			return Move(current, field.tag, Menu(ev, prompt, periodOptions()...))
		}
		return Move(current, field.tag, Text(ev, prompt))
	}
}

// acceptEdit applies the user's answer to the field being edited and returns
// to the subscription details.
func acceptEdit(current session.State, ev event.InboundEvent) Transition {
	field, ok := editFields[current.Tag]
	if !ok {
		return clarify(current, ev)
	}

	subs := LoadSubscriptions(current.Context)
	i, found := findSubscription(subs, stringValue(current.Context, keyEditing))
	if !found {
		finishEdit(current)
		return Move(current, TagIdle, Text(ev, msgNotFound))
	}

	if problem := field.apply(&subs[i], ev); problem != "" {
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, problem)}}
	}

	storeSubscriptions(current.Context, subs)
	rememberContact(current, ev)
	finishEdit(current)
	return Move(current, TagIdle, Text(ev, fmt.Sprintf(msgUpdated, subs[i].Name)), detail(ev, subs[i]))
}

func finishEdit(current session.State) {
	delete(current.Context, keyEditing)
	delete(current.Context, keyAwaiting)
}

func applyName(sub *Subscription, ev event.InboundEvent) string {
	name, err := parseName(ev.Payload)
	if err != nil {
		return msgEmptyName
	}
	sub.Name = name
	return ""
}

func applyPrice(sub *Subscription, ev event.InboundEvent) string {
	price, err := parsePrice(ev.Payload)
	switch err {
	case nil:
		sub.Price = price
		return ""
	case errNegativePrice:
		return msgNegativePrice
	default:
		return msgInvalidPrice
	}
}

func applyDate(sub *Subscription, ev event.InboundEvent) string {
	date, err := parsePaymentDate(ev.Payload, ev.ReceivedAt)
	switch err {
	case nil:
		sub.PaymentDate = date.Format(dateLayout)
		return ""
	case errDateInPast:
		return msgDateInPast
	default:
		return msgInvalidDate
	}
}

func applyPeriod(sub *Subscription, ev event.InboundEvent) string {
	text := ev.Payload
	if ev.Kind == event.KindCallbackAction {
		_, text, _ = strings.Cut(text, ":")
	}
	months, err := parsePeriodMonths(text)
	if err != nil {
		return msgInvalidPeriod
	}
	sub.RenewalMonths = months
	return ""
}

func askDelete(current session.State, ev event.InboundEvent) Transition {
	subs := LoadSubscriptions(current.Context)
	i, ok := findSubscription(subs, subscriptionID(ev, ""))
	if !ok {
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNotFound)}}
	}
	storeSubscriptions(current.Context, subs)
	return Transition{
		Next:    current,
		Actions: []event.OutboundAction{Menu(ev, fmt.Sprintf(msgConfirmDelete, subs[i].Name), deleteOptions(subs[i].ID)...)},
	}
}

func confirmDelete(current session.State, ev event.InboundEvent) Transition {
	subs := LoadSubscriptions(current.Context)
	i, ok := findSubscription(subs, subscriptionID(ev, ""))
	if !ok {
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgNotFound)}}
	}

	removed := subs[i]
	subs = append(subs[:i], subs[i+1:]...)
	storeSubscriptions(current.Context, subs)
	if stringValue(current.Context, keyEditing) == removed.ID {
		finishEdit(current)
		current.Tag = TagIdle
	}
	return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, fmt.Sprintf(msgDeleted, removed.Name))}}
}

// reminders shows or changes the reminder preferences: "/reminders off",
// "/reminders on" or "/reminders 3" for three days ahead.
func reminders(current session.State, ev event.InboundEvent) Transition {
	settings := RemindersOf(current.Context)
	arg := strings.ToLower(strings.TrimSpace(ev.Args))

	switch arg {
	case "":
		return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, describeReminders(settings))}}
	case "on":
		settings.Enabled = true
	case "off":
		settings.Enabled = false
	default:
		days, err := strconv.Atoi(arg)
		if err != nil || days < 0 || days > maxReminderDays {
			return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, msgRemindersUsage)}}
		}
		settings.Enabled = true
		settings.DaysBefore = days
		settings.DaysSet = true
	}

	current.Context[keyReminders] = settings.toMap()
	rememberContact(current, ev)
	return Transition{Next: current, Actions: []event.OutboundAction{Text(ev, describeReminders(settings))}}
}

// renewDue rolls every payment date that has passed forward by whole renewal
// periods. It runs for scheduled events only and sends nothing.
func renewDue(current session.State, ev event.InboundEvent) Transition {
	today := startOfDay(ev.ReceivedAt)
	subs := LoadSubscriptions(current.Context)
	for i, sub := range subs {
		date, ok := sub.Date()
		if !ok || !date.Before(today) {
			continue
		}
		subs[i].PaymentDate = NextPaymentDate(date, sub.RenewalMonths, today).Format(dateLayout)
	}
	if len(subs) > 0 {
		storeSubscriptions(current.Context, subs)
	}
	return Transition{Next: current}
}

// rememberContact records where scheduled reminders for this user go.
func rememberContact(current session.State, ev event.InboundEvent) {
	if ev.Kind == event.KindScheduled || ev.Channel == "" || ev.ChatID == "" {
		return
	}
	current.Context[keyContact] = map[string]any{"channel": ev.Channel, "chat_id": ev.ChatID}
}
