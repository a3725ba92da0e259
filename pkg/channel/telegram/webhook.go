package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"recurix/pkg/channel"

	"github.com/mymmrac/telego"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBody = 1 << 20

// WebhookHandler returns the HTTP handler for webhook deliveries.
//
// The update is processed on the request goroutine. 200 tells Telegram the
// update is done (processed, duplicate or dropped); 503 asks it to redeliver.
func (a *Adapter) WebhookHandler(handler channel.Handler) http.Handler {
	secret := []byte(a.cfg.WebhookSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		got := []byte(r.Header.Get(SecretTokenHeader))
		if len(secret) == 0 || subtle.ConstantTimeCompare(got, secret) != 1 {
			a.log.Warn("Rejected webhook request with bad secret token", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var update telego.Update
		if err := json.Unmarshal(body, &update); err != nil {
			// Undecodable updates are never going to succeed; acknowledge and
			// let the pipeline record them as malformed.
			update = telego.Update{}
		}

		if err := a.accept(r.Context(), update, body, handler); err != nil {
			a.log.Error("Webhook update failed, requesting redelivery", "update_id", update.UpdateID, "error", err)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	})
}
