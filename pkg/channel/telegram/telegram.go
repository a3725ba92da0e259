package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"recurix/pkg/channel"
	"recurix/pkg/config"
	"recurix/pkg/event"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// botAPI is the subset of *telego.Bot the adapter calls after start-up.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
}

// Adapter bridges Telegram updates into Recurix raw updates and delivers
// outbound actions back to Telegram chats.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
	now       func() time.Time

	bot *telego.Bot
	api botAPI
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
		now:       time.Now,
		bot:       bot,
		api:       bot,
	}, nil
}

// Name returns the channel identifier used in event ids, bus events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Webhook reports whether updates arrive over the webhook route instead of long polling.
func (a *Adapter) Webhook() bool {
	return a.cfg.Mode == config.TelegramModeWebhook
}

// WebhookPath is the HTTP route Telegram posts updates to.
func (a *Adapter) WebhookPath() string {
	if path := strings.TrimSpace(a.cfg.WebhookPath); path != "" {
		return path
	}
	return config.DefaultWebhookPath
}

// Run receives updates until ctx ends. In polling mode it long-polls Telegram;
// in webhook mode it registers the webhook URL when configured and waits, as
// updates arrive through WebhookHandler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	if a.Webhook() {
		return a.runWebhook(ctx)
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "mode", config.TelegramModePolling)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			body, err := json.Marshal(update)
			if err != nil {
				a.log.Error("Failed to encode telegram update", "update_id", update.UpdateID, "error", err)
				continue
			}

			// Long polling has already advanced the offset, so a failed update
			// cannot be redelivered here; it is logged by the handler chain.
			if err := a.accept(ctx, update, body, handler); err != nil {
				a.log.Error("Failed to process telegram update", "update_id", update.UpdateID, "error", err)
			}
		}
	}
}

func (a *Adapter) runWebhook(ctx context.Context) error {
	if url := strings.TrimSpace(a.cfg.WebhookURL); url != "" {
		err := a.bot.SetWebhook(ctx, &telego.SetWebhookParams{
			URL:         url,
			SecretToken: a.cfg.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("register telegram webhook: %w", err)
		}
	}

	a.log.Info("Telegram channel started", "mode", config.TelegramModeWebhook, "path", a.cfg.WebhookPath)
	<-ctx.Done()
	return nil
}

// accept filters one decoded update, acknowledges callback queries and hands
// the raw body to the pipeline.
func (a *Adapter) accept(ctx context.Context, update telego.Update, body []byte, handler channel.Handler) error {
	senderID, ok := updateSender(update)
	if ok && !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring update from unauthorized sender", "sender_id", senderID, "update_id", update.UpdateID)
		return nil
	}

	if update.Message != nil {
		a.log.Info("Received message", "chat_id", update.Message.Chat.ID, "sender_id", senderID, "content", previewText(update.Message.Text))
	}

	if q := update.CallbackQuery; q != nil && a.api != nil {
		// Stops the client-side spinner; the reply itself comes from the pipeline.
		if err := a.api.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID)); err != nil {
			a.log.Debug("Failed to answer callback query", "callback_id", q.ID, "error", err)
		}
	}

	return handler(ctx, event.RawUpdate{Channel: channelName, SenderID: senderID, Body: body, ReceivedAt: a.now().UTC()})
}

// updateSender returns the Telegram user id behind an update when it has one.
func updateSender(update telego.Update) (string, bool) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return strconv.FormatInt(update.Message.From.ID, 10), true
	case update.CallbackQuery != nil:
		return strconv.FormatInt(update.CallbackQuery.From.ID, 10), true
	case update.EditedMessage != nil && update.EditedMessage.From != nil:
		return strconv.FormatInt(update.EditedMessage.From.ID, 10), true
	default:
		return "", false
	}
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
