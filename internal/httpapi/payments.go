// payment-core/internal/httpapi/payments.go
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

// Payments is the service surface the API exposes.
type Payments interface {
	Create(ctx context.Context, in payment.CreateInput, actor payment.Actor) (*payment.Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	Audit(ctx context.Context, id uuid.UUID) ([]payment.AuditLogEntry, error)
	ListPending(ctx context.Context, page payment.Page) ([]*payment.Payment, error)
	CanApprove(actor payment.Actor) bool
	Approve(ctx context.Context, id uuid.UUID, approver payment.Actor) (*payment.Payment, error)
	Submit(ctx context.Context, id uuid.UUID) (payment.SubmitResult, error)
	Cancel(ctx context.Context, id uuid.UUID, actor payment.Actor, reason string) (*payment.Payment, error)
	Refund(ctx context.Context, id uuid.UUID, amountCents *int64, reason string, actor payment.Actor) (payment.RefundOutcome, error)
}

type ApproveOut struct {
	Payment           *payment.Payment `json:"payment"`
	RequiresAction    bool             `json:"requiresAction,omitempty"`
	ClientActionToken string           `json:"clientActionToken,omitempty"`
	Queued            bool             `json:"queued,omitempty"`
	SubmissionError   *errorDetail     `json:"submissionError,omitempty"`
}

type CancelIn struct {
	Reason string `json:"reason"`
}

type RefundIn struct {
	AmountCents *int64 `json:"amountCents,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type PendingOut struct {
	Payments []*payment.Payment `json:"payments"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

type handlers struct {
	svc Payments
	log *zap.Logger
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errs.Validation("bad_json", "request body is not valid JSON: "+err.Error())
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errs.Validation("invalid_id", "payment id must be a UUID")
	}
	return id, nil
}

func mustActor(r *http.Request) payment.Actor {
	a, _ := actorFrom(r.Context())
	return a
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	var in payment.CreateInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}
	p, err := h.svc.Create(r.Context(), in, mustActor(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.Header().Set("Location", "/payments/"+p.ID.String())
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) audit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	entries, err := h.svc.Audit(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	page := payment.Page{}
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.log, errs.Validation("invalid_"+name, name+" must be a non-negative integer"))
			return
		}
		*dst = n
	}
	page = page.Normalize()
	list, err := h.svc.ListPending(r.Context(), page)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if list == nil {
		list = []*payment.Payment{}
	}
	writeJSON(w, http.StatusOK, PendingOut{Payments: list, Limit: page.Limit, Offset: page.Offset})
}

// approve approves the payment and immediately submits it. A submission
// failure does not undo the approval; it is reported with 202.
func (h *handlers) approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	approved, err := h.svc.Approve(r.Context(), id, mustActor(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	res, err := h.svc.Submit(r.Context(), id)
	if err != nil {
		h.log.Warn("submission after approval failed",
			zap.String("payment_id", id.String()),
			zap.String("code", errs.CodeOf(err)),
			zap.Error(err),
		)
		detail := errorPayload(err).Error
		out := ApproveOut{Payment: approved, SubmissionError: &detail}
		if current, gerr := h.svc.Get(r.Context(), id); gerr == nil {
			out.Payment = current
		}
		writeJSON(w, http.StatusAccepted, out)
		return
	}
	writeJSON(w, http.StatusOK, ApproveOut{
		Payment:           res.Payment,
		RequiresAction:    res.RequiresAction,
		ClientActionToken: res.ClientActionToken,
		Queued:            res.Queued,
	})
}

// submit retries the processor submission of an approved payment whose
// submission never started.
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	actor := mustActor(r)
	if !h.svc.CanApprove(actor) {
		writeError(w, h.log, errs.Authorization("forbidden_role",
			fmt.Sprintf("role %q may not submit payments", actor.Role)))
		return
	}
	res, err := h.svc.Submit(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveOut{
		Payment:           res.Payment,
		RequiresAction:    res.RequiresAction,
		ClientActionToken: res.ClientActionToken,
		Queued:            res.Queued,
	})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var in CancelIn
	if r.ContentLength != 0 {
		if err := decode(w, r, &in); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	p, err := h.svc.Cancel(r.Context(), id, mustActor(r), in.Reason)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) refund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var in RefundIn
	if r.ContentLength != 0 {
		if err := decode(w, r, &in); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	out, err := h.svc.Refund(r.Context(), id, in.AmountCents, in.Reason, mustActor(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
