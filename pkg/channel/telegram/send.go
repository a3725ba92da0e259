package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"recurix/pkg/emitter"
	"recurix/pkg/event"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Send performs one delivery attempt of an outbound action.
//
// Client errors reported by the Bot API (blocked bot, unknown chat) are
// marked permanent so the retrying emitter does not resend them.
func (a *Adapter) Send(ctx context.Context, action event.OutboundAction) error {
	if action.Kind == event.ActionNoOp {
		return nil
	}
	if a.api == nil {
		return errors.New("telegram bot is not initialized")
	}

	params, err := messageParams(action)
	if err != nil {
		return emitter.Permanent(err)
	}

	a.log.Info("Sending message", "chat_id", action.Destination(), "kind", action.Kind, "content", previewText(action.Text))

	if _, err := a.api.SendMessage(ctx, params); err != nil {
		var apiErr *telegoapi.Error
		if errors.As(err, &apiErr) && apiErr.ErrorCode >= http.StatusBadRequest && apiErr.ErrorCode < http.StatusInternalServerError && apiErr.ErrorCode != http.StatusTooManyRequests {
			return emitter.Permanent(fmt.Errorf("send telegram message: %w", err))
		}
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

// messageParams maps an abstract action to a sendMessage request.
func messageParams(action event.OutboundAction) (*telego.SendMessageParams, error) {
	chatID, err := strconv.ParseInt(action.Destination(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", action.Destination(), err)
	}

	switch action.Kind {
	case event.ActionSendText:
		return tu.Message(tu.ID(chatID), action.Text), nil
	case event.ActionSendMenu:
		return tu.Message(tu.ID(chatID), action.Text).WithReplyMarkup(menuKeyboard(action.Options)), nil
	default:
		return nil, fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// menuKeyboard lays out one inline button per row.
func menuKeyboard(options []event.MenuOption) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(options))
	for _, option := range options {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(option.Label).WithCallbackData(option.Data),
		))
	}
	return tu.InlineKeyboard(rows...)
}
