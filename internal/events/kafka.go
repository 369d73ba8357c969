// payment-core/internal/events/kafka.go
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/directory"
	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes state changes and notifications with one long-lived writer
// per topic. Messages are keyed by payment id so a payment's events stay
// ordered within a partition.
type Kafka struct {
	state  messageWriter
	notify messageWriter
	vendor directory.Directory
	log    *zap.Logger
}

type KafkaConfig struct {
	Brokers     []string
	StateTopic  string
	NotifyTopic string
	// Vendors resolves notification recipients; nil addresses vendors by id.
	Vendors directory.Directory
}

func NewKafka(cfg KafkaConfig, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kafka{
		state:  newWriter(cfg.Brokers, cfg.StateTopic),
		notify: newWriter(cfg.Brokers, cfg.NotifyTopic),
		vendor: cfg.Vendors,
		log:    log.Named("events"),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (k *Kafka) PaymentChanged(ctx context.Context, change payment.StateChange) error {
	return k.write(ctx, k.state, change.Payment.ID.String(), newStateChanged(change))
}

func (k *Kafka) Notify(ctx context.Context, tpl payment.NotificationTemplate, p *payment.Payment) error {
	return k.write(ctx, k.notify, p.ID.String(), newNotification(tpl, p, k.recipient(ctx, p)))
}

func (k *Kafka) recipient(ctx context.Context, p *payment.Payment) string {
	if k.vendor != nil {
		v, err := k.vendor.Vendor(ctx, p.VendorID)
		if err == nil && v.Email != "" {
			return v.Email
		}
		if err != nil {
			k.log.Debug("vendor lookup for notification failed", zap.String("vendor_id", p.VendorID), zap.Error(err))
		}
	}
	return "vendor:" + p.VendorID
}

func (k *Kafka) write(ctx context.Context, w messageWriter, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errs.Internal("encode event", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		return errs.Wrap(errs.KindUnavailable, "event_bus_unavailable", "publish event", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return errors.Join(k.state.Close(), k.notify.Close())
}

// Log publishes nowhere and logs instead; used when no brokers are configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("events")}
}

func (l *Log) PaymentChanged(_ context.Context, change payment.StateChange) error {
	l.log.Info("payment changed",
		zap.String("payment_id", change.Payment.ID.String()),
		zap.String("action", change.Action),
		zap.String("status", string(change.Payment.Status)),
	)
	return nil
}

func (l *Log) Notify(_ context.Context, tpl payment.NotificationTemplate, p *payment.Payment) error {
	l.log.Info("notification",
		zap.String("payment_id", p.ID.String()),
		zap.String("template", string(tpl)),
	)
	return nil
}
