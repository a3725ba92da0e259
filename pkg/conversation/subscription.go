package conversation

import (
	"strconv"
	"strings"
	"time"
)

const (
	keyContact   = "contact"
	keyReminders = "reminders"
	keyEditing   = "editing"

	defaultRenewalMonths = 1
	maxRenewalMonths     = 120
)

// Subscription is one saved entry of context["subscriptions"].
//
// Values are persisted as strings so they survive the JSON round trip of the
// session context unchanged.
type Subscription struct {
	ID            string
	Name          string
	Price         string
	PaymentDate   string
	RenewalMonths int
}

func (s Subscription) toMap() map[string]any {
	return map[string]any{
		"id":             s.ID,
		"name":           s.Name,
		"price":          s.Price,
		"payment_date":   s.PaymentDate,
		"renewal_months": strconv.Itoa(s.RenewalMonths),
	}
}

// Date parses the payment date. ok is false for entries saved without one.
func (s Subscription) Date() (time.Time, bool) {
	date, err := time.Parse(dateLayout, s.PaymentDate)
	return date, err == nil
}

func subscriptionFrom(m map[string]any) Subscription {
	months, err := strconv.Atoi(stringValue(m, "renewal_months"))
	if err != nil || months <= 0 {
		months = defaultRenewalMonths
	}
	return Subscription{
		ID:            stringValue(m, "id"),
		Name:          stringValue(m, "name"),
		Price:         stringValue(m, "price"),
		PaymentDate:   stringValue(m, "payment_date"),
		RenewalMonths: months,
	}
}

// LoadSubscriptions returns the typed subscriptions of a session context.
// Entries saved before ids existed are numbered after the highest known id.
func LoadSubscriptions(ctx map[string]any) []Subscription {
	raw := Subscriptions(ctx)
	subs := make([]Subscription, 0, len(raw))
	highest := 0
	for _, m := range raw {
		sub := subscriptionFrom(m)
		if n, err := strconv.Atoi(sub.ID); err == nil && n > highest {
			highest = n
		}
		subs = append(subs, sub)
	}
	for i := range subs {
		if subs[i].ID == "" {
			highest++
			subs[i].ID = strconv.Itoa(highest)
		}
	}
	return subs
}

func storeSubscriptions(ctx map[string]any, subs []Subscription) {
	out := make([]any, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.toMap())
	}
	ctx[keySubscriptions] = out
}

func nextSubscriptionID(subs []Subscription) string {
	highest := 0
	for _, sub := range subs {
		if n, err := strconv.Atoi(sub.ID); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1)
}

func findSubscription(subs []Subscription, id string) (int, bool) {
	id = strings.TrimSpace(id)
	for i, sub := range subs {
		if sub.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Contact is where scheduled messages for a user are delivered.
type Contact struct {
	Channel string
	ChatID  string
}

// ContactOf returns the contact remembered in a session context.
func ContactOf(ctx map[string]any) (Contact, bool) {
	raw, _ := ctx[keyContact].(map[string]any)
	c := Contact{Channel: stringValue(raw, "channel"), ChatID: stringValue(raw, "chat_id")}
	return c, c.Channel != "" && c.ChatID != ""
}

// ReminderSettings are a user's reminder preferences. DaysSet is false when
// the user kept the scheduler's default lead time.
type ReminderSettings struct {
	Enabled    bool
	DaysBefore int
	DaysSet    bool
}

// RemindersOf returns the reminder preferences stored in a session context.
// Reminders are on until the user turns them off.
func RemindersOf(ctx map[string]any) ReminderSettings {
	raw, _ := ctx[keyReminders].(map[string]any)
	settings := ReminderSettings{Enabled: stringValue(raw, "enabled") != "false"}
	if days, err := strconv.Atoi(stringValue(raw, "days_before")); err == nil && days >= 0 {
		settings.DaysBefore = days
		settings.DaysSet = true
	}
	return settings
}

func (r ReminderSettings) toMap() map[string]any {
	m := map[string]any{"enabled": strconv.FormatBool(r.Enabled)}
	if r.DaysSet {
		m["days_before"] = strconv.Itoa(r.DaysBefore)
	}
	return m
}

// AddMonths moves date by months, clamping to the last day of the target
// month: 31.01 plus one month is 28.02 or 29.02.
func AddMonths(date time.Time, months int) time.Time {
	year, month, day := date.Date()
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, date.Location())
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, date.Location())
}

// NextPaymentDate advances date by whole renewal periods until it is not
// before today. The day of month of date anchors every step.
func NextPaymentDate(date time.Time, months int, today time.Time) time.Time {
	if months <= 0 {
		months = defaultRenewalMonths
	}
	next := date
	for periods := 1; next.Before(today); periods++ {
		next = AddMonths(date, periods*months)
	}
	return next
}

// RenewalsDue reports whether any subscription's payment date is before today.
func RenewalsDue(ctx map[string]any, today time.Time) bool {
	for _, sub := range LoadSubscriptions(ctx) {
		if date, ok := sub.Date(); ok && date.Before(today) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
