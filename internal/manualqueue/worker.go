// payment-core/internal/manualqueue/worker.go
package manualqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/logging"
	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

// Submitter resumes a parked submission. A payment still approved is
// claimed; one left processing without a processor reference is sent again.
type Submitter interface {
	Resume(ctx context.Context, id uuid.UUID) (payment.SubmitResult, error)
}

// Worker resubmits parked payments.
type Worker struct {
	submitter Submitter
	// Ready reports whether the processor is worth calling; while it is not,
	// messages are retried with backoff instead of re-queued in a tight loop.
	ready func() bool
	log   *zap.Logger
}

func NewWorker(s Submitter, ready func() bool, log *zap.Logger) *Worker {
	if ready == nil {
		ready = func() bool { return true }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{submitter: s, ready: ready, log: log.Named("manualqueue")}
}

var errProcessorDown = errs.Unavailable("processor_unavailable", "processor breaker is open")

// Handle processes one message. Returning an error asks the router to retry it.
func (w *Worker) Handle(msg *message.Message) error {
	var sub ManualSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.PaymentID == uuid.Nil {
		w.log.Error("dropping malformed manual submission", zap.String("message_uuid", msg.UUID), zap.Error(err))
		return nil
	}
	log := w.log.With(
		zap.String("payment_id", sub.PaymentID.String()),
		zap.String("correlation_id", middleware.MessageCorrelationID(msg)),
	)
	if !w.ready() {
		return errProcessorDown
	}

	res, err := w.submitter.Resume(msg.Context(), sub.PaymentID)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindConflict, errs.KindNotFound, errs.KindValidation:
			// Finished elsewhere, or can never go through.
			log.Warn("manual submission dropped", zap.String("code", errs.CodeOf(err)), zap.Error(err))
			return nil
		}
		return err
	}
	if res.Queued {
		log.Info("processor still unavailable, payment queued again")
		return nil
	}
	log.Info("manual submission processed", zap.String("status", string(res.Payment.Status)))
	return nil
}

type RouterConfig struct {
	Topic           string
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewRouter wires the worker to the subscriber with retry and panic recovery.
func NewRouter(cfg RouterConfig, sub message.Subscriber, w *Worker, log *zap.Logger) (*message.Router, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = time.Minute
	}
	wlog := logging.Watermill(log)

	router, err := message.NewRouter(message.RouterConfig{}, wlog)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     cfg.MaxInterval,
			Multiplier:      2.0,
			Logger:          wlog,
		}.Middleware,
		middleware.Recoverer,
	)
	router.AddNoPublisherHandler("manual_submission", cfg.Topic, sub, w.Handle)
	return router, nil
}
