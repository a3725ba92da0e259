package conversation

import (
	"fmt"

	"recurix/pkg/event"
)

const (
	msgWelcome        = "Let's track a new subscription. What is it called?"
	msgAskPrice       = "How much does %s cost per period? For example 9.99"
	msgAskDate        = "When is the next payment? Use dd.mm.yyyy"
	msgConfirm        = "Please confirm:\n%s"
	msgSaved          = "Saved %s. Send /list to see all subscriptions."
	msgCancelled      = "Cancelled. Send /add to start again."
	msgMainMenu       = "What would you like to do?"
	msgNoSubs         = "You have no subscriptions yet. Send /add to create one."
	msgListHeader     = "Your subscriptions:"
	msgUnknown        = "Sorry, I didn't understand that."
	msgEmptyName      = "The name cannot be empty. What is the subscription called?"
	msgInvalidPrice   = "That doesn't look like a price. Send a number such as 9.99"
	msgNegativePrice  = "The price cannot be negative."
	msgInvalidDate    = "That doesn't look like a date. Use dd.mm.yyyy"
	msgDateInPast     = "The payment date cannot be in the past."
	msgConfirmPending = "Use the buttons to save or cancel the subscription."
	msgNothingToSave  = "There is nothing to save. Send /add to start."
	msgNotFound       = "That subscription no longer exists. Send /list to see the current ones."
	msgEditName       = "What should %s be called?"
	msgEditPrice      = "What is the new price of %s?"
	msgEditPeriod     = "How often does %s renew? Pick an option or send the number of months."
	msgInvalidPeriod  = "Send the renewal period as a whole number of months between 1 and 120."
	msgUpdated        = "Updated %s."
	msgConfirmDelete  = "Delete %s? This cannot be undone."
	msgDeleted        = "Deleted %s."
	msgRemindersUsage = "Use /reminders on, /reminders off or /reminders <days before payment, 0-30>."
	msgReminder       = "Reminder: %s (%s) is due on %s. Details: /view_%s"
)

const (
	optionAdd     = "add"
	optionList    = "list"
	optionMenu    = "menu"
	optionSave    = "save"
	optionCancel  = "cancel"
	optionRestart = "restart"

	optionView          = "view:"
	optionEditName      = "edit_name:"
	optionEditPrice     = "edit_price:"
	optionEditDate      = "edit_date:"
	optionEditPeriod    = "edit_period:"
	optionDelete        = "delete:"
	optionConfirmDelete = "confirm_delete:"
	optionPeriod        = "period:"
)

func mainMenuOptions() []event.MenuOption {
	return []event.MenuOption{
		{Label: "Add subscription", Data: optionAdd},
		{Label: "My subscriptions", Data: optionList},
	}
}

func confirmOptions() []event.MenuOption {
	return []event.MenuOption{
		{Label: "Save", Data: optionSave},
		{Label: "Start over", Data: optionRestart},
		{Label: "Cancel", Data: optionCancel},
	}
}

func detailOptions(id string) []event.MenuOption {
	return []event.MenuOption{
		{Label: "Edit name", Data: optionEditName + id},
		{Label: "Edit price", Data: optionEditPrice + id},
		{Label: "Edit date", Data: optionEditDate + id},
		{Label: "Edit period", Data: optionEditPeriod + id},
		{Label: "Delete", Data: optionDelete + id},
		{Label: "Back to list", Data: optionList},
	}
}

func deleteOptions(id string) []event.MenuOption {
	return []event.MenuOption{
		{Label: "Yes, delete", Data: optionConfirmDelete + id},
		{Label: "No, keep it", Data: optionView + id},
	}
}

func periodOptions() []event.MenuOption {
	return []event.MenuOption{
		{Label: "Monthly", Data: optionPeriod + "1"},
		{Label: "Yearly", Data: optionPeriod + "12"},
	}
}

func describeDraft(d draft) string {
	return fmt.Sprintf("%s: %s, next payment %s, renews %s", d.Name, d.Price, d.PaymentDate, periodLabel(defaultRenewalMonths))
}

func describeSubscription(sub Subscription) string {
	return fmt.Sprintf("%s\nPrice: %s\nNext payment: %s\nRenews: %s", sub.Name, sub.Price, sub.PaymentDate, periodLabel(sub.RenewalMonths))
}

func periodLabel(months int) string {
	switch months {
	case 1:
		return "every month"
	case 12:
		return "every year"
	default:
		return fmt.Sprintf("every %d months", months)
	}
}

func describeReminders(settings ReminderSettings) string {
	if !settings.Enabled {
		return "Payment reminders are off. Send /reminders on to turn them back on."
	}
	if !settings.DaysSet {
		return "Payment reminders are on."
	}
	return fmt.Sprintf("Payment reminders are on, %d day(s) before each payment.", settings.DaysBefore)
}

// ReminderText is the message sent ahead of a payment.
func ReminderText(sub Subscription) string {
	return fmt.Sprintf(msgReminder, sub.Name, sub.Price, sub.PaymentDate, sub.ID)
}
