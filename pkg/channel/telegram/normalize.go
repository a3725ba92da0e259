package telegram

import (
	"encoding/json"
	"strconv"
	"time"

	"recurix/pkg/event"

	"github.com/mymmrac/telego"
)

// Normalize converts a Telegram update body into an inbound event.
//
// Message timestamps come from Telegram itself so a redelivered update
// normalizes to the same event.
func (a *Adapter) Normalize(raw event.RawUpdate) (event.InboundEvent, error) {
	return Normalize(raw)
}

// Normalize is the stateless Telegram normalizer.
func Normalize(raw event.RawUpdate) (event.InboundEvent, error) {
	var update telego.Update
	if err := json.Unmarshal(raw.Body, &update); err != nil {
		return event.InboundEvent{}, event.Malformed(event.ErrorUndecodable, err.Error())
	}
	if update.UpdateID <= 0 {
		return event.InboundEvent{}, event.Malformed(event.ErrorMissingEventID, "telegram update without update_id")
	}

	id := eventID(update.UpdateID)
	switch {
	case update.Message != nil:
		return normalizeMessage(id, update.Message, raw.ReceivedAt)
	case update.CallbackQuery != nil:
		return normalizeCallback(id, update.CallbackQuery, raw.ReceivedAt)
	case update.EditedMessage != nil:
		return normalizeEdit(id, update.EditedMessage, raw.ReceivedAt)
	default:
		return event.InboundEvent{}, event.Malformed(event.ErrorUnsupported, "update "+id+" carries no message or callback query")
	}
}

func normalizeMessage(id string, msg *telego.Message, receivedAt time.Time) (event.InboundEvent, error) {
	if msg.From == nil {
		return event.InboundEvent{}, event.Malformed(event.ErrorMissingSender, "message in update "+id)
	}

	at := receivedAt
	if msg.Date > 0 {
		at = time.Unix(msg.Date, 0)
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if event.CleanText(msg.Text) == "" {
		// Stickers, photos and other content the conversation cannot read.
		return event.InboundEvent{
			ID:         id,
			Channel:    channelName,
			UserID:     userID,
			ChatID:     chatID,
			Kind:       event.KindOther,
			ReceivedAt: at.UTC(),
		}, nil
	}

	return event.FromText(id, channelName, userID, chatID, msg.Text, at), nil
}

// normalizeEdit keeps edits out of the conversation: the original text was
// already answered, so an edit reaches the machine as non-text input.
func normalizeEdit(id string, msg *telego.Message, receivedAt time.Time) (event.InboundEvent, error) {
	if msg.From == nil {
		return event.InboundEvent{}, event.Malformed(event.ErrorMissingSender, "edited message in update "+id)
	}

	at := receivedAt
	if msg.EditDate > 0 {
		at = time.Unix(msg.EditDate, 0)
	}

	return event.InboundEvent{
		ID:         id,
		Channel:    channelName,
		UserID:     strconv.FormatInt(msg.From.ID, 10),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Kind:       event.KindOther,
		ReceivedAt: at.UTC(),
	}, nil
}

func normalizeCallback(id string, q *telego.CallbackQuery, receivedAt time.Time) (event.InboundEvent, error) {
	if q.From.ID == 0 {
		return event.InboundEvent{}, event.Malformed(event.ErrorMissingSender, "callback query in update "+id)
	}

	data := event.CleanText(q.Data)
	if data == "" {
		return event.InboundEvent{}, event.Malformed(event.ErrorEmptyPayload, "callback query without data in update "+id)
	}

	userID := strconv.FormatInt(q.From.ID, 10)
	chatID := userID
	if q.Message != nil {
		if chat := q.Message.GetChat(); chat.ID != 0 {
			chatID = strconv.FormatInt(chat.ID, 10)
		}
	}

	return event.InboundEvent{
		ID:         id,
		Channel:    channelName,
		UserID:     userID,
		ChatID:     chatID,
		Kind:       event.KindCallbackAction,
		Payload:    data,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

func eventID(updateID int) string {
	return channelName + ":" + strconv.Itoa(updateID)
}
