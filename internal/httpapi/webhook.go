// payment-core/internal/httpapi/webhook.go
package httpapi

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/payment-core/internal/webhook"
	errs "github.com/example/payment-core/pkg/errors"
)

const maxWebhookBody = 64 << 10

type Webhooks interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

type WebhookOut struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
}

// WebhookHandler acknowledges verified deliveries with 200. Signature and
// payload problems are 400; anything else is 503 so the processor redelivers.
func WebhookHandler(hooks Webhooks, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "bad_payload", Message: "could not read body"}})
			return
		}

		res, err := hooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			switch errs.KindOf(err) {
			case errs.KindAuthentication, errs.KindValidation:
				writeJSON(w, http.StatusBadRequest, errorPayload(err))
			default:
				log.Error("webhook not applied", zap.String("event_id", res.EventID), zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Code: "retry_later", Message: "event not applied, retry later"}})
			}
			return
		}
		writeJSON(w, http.StatusOK, WebhookOut{Received: true, EventID: res.EventID})
	}
}
