// payment-core/internal/manualqueue/queue.go
//
// Package manualqueue parks payments the processor could not take and feeds
// them back to the service once it recovers.
package manualqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/logging"
	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

const DefaultTopic = "payments.manual_processing"

type ManualSubmission struct {
	PaymentID uuid.UUID `json:"paymentId"`
	Reason    string    `json:"reason"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// Queue publishes manual submissions. It satisfies payment.ManualQueue.
type Queue struct {
	pub   message.Publisher
	topic string
	log   *zap.Logger
	now   func() time.Time
}

func New(pub message.Publisher, topic string, log *zap.Logger) *Queue {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{pub: pub, topic: topic, log: log.Named("manualqueue"), now: time.Now}
}

func (q *Queue) Topic() string { return q.topic }

func (q *Queue) Enqueue(ctx context.Context, paymentID uuid.UUID, reason string) error {
	payload, err := json.Marshal(ManualSubmission{PaymentID: paymentID, Reason: reason, QueuedAt: q.now().UTC()})
	if err != nil {
		return errs.Internal("encode manual submission", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	middleware.SetCorrelationID(paymentID.String(), msg)
	msg.SetContext(ctx)

	if err := q.pub.Publish(q.topic, msg); err != nil {
		return errs.Wrap(errs.KindUnavailable, "manual_queue_unavailable", "publish manual submission", err)
	}
	q.log.Info("payment queued for manual processing",
		zap.String("payment_id", paymentID.String()),
		zap.String("reason", reason),
	)
	return nil
}

// Fallback is the processor breaker's fallback: the submission named in ctx
// is parked and the caller is told it was queued.
func (q *Queue) Fallback(ctx context.Context, cause error) error {
	id, ok := payment.SubmissionFrom(ctx)
	if !ok {
		return cause
	}
	if err := q.Enqueue(ctx, id, errs.CodeOf(cause)); err != nil {
		q.log.Error("manual queue fallback failed", zap.Error(err), zap.NamedError("cause", cause))
		return cause
	}
	return errs.Wrap(errs.KindUnavailable, payment.CodeQueuedManual, "processor unavailable, payment queued for manual processing", cause)
}

// PubSub is the transport behind the queue.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	inProcess  bool
	close      func() error
}

// InProcess is true for the channel transport, which only delivers to
// subscribers in the publishing process.
func (p PubSub) InProcess() bool { return p.inProcess }

func (p PubSub) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// NewPubSub dials a durable AMQP queue when amqpURI is set and falls back to
// an in-process channel otherwise.
func NewPubSub(amqpURI string, log *zap.Logger) (PubSub, error) {
	wlog := logging.Watermill(log)
	if amqpURI == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlog)
		return PubSub{Publisher: ch, Subscriber: ch, inProcess: true, close: ch.Close}, nil
	}

	cfg := amqp.NewDurableQueueConfig(amqpURI)
	pub, err := amqp.NewPublisher(cfg, wlog)
	if err != nil {
		return PubSub{}, errs.Wrap(errs.KindUnavailable, "manual_queue_unavailable", "amqp publisher", err)
	}
	sub, err := amqp.NewSubscriber(cfg, wlog)
	if err != nil {
		_ = pub.Close()
		return PubSub{}, errs.Wrap(errs.KindUnavailable, "manual_queue_unavailable", "amqp subscriber", err)
	}
	return PubSub{
		Publisher:  pub,
		Subscriber: sub,
		close: func() error {
			perr := pub.Close()
			if err := sub.Close(); err != nil {
				return err
			}
			return perr
		},
	}, nil
}
