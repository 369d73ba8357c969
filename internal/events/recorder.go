// payment-core/internal/events/recorder.go
package events

import (
	"context"
	"sync"

	"github.com/example/payment-core/internal/payment"
)

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu            sync.Mutex
	Changes       []StateChanged
	Notifications []Notification
}

func (r *Recorder) PaymentChanged(_ context.Context, change payment.StateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Changes = append(r.Changes, newStateChanged(change))
	return nil
}

func (r *Recorder) Notify(_ context.Context, tpl payment.NotificationTemplate, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, newNotification(tpl, p, "vendor:"+p.VendorID))
	return nil
}

// Templates lists the notification templates sent so far, in order.
func (r *Recorder) Templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Notifications))
	for _, n := range r.Notifications {
		out = append(out, n.Template)
	}
	return out
}

// Actions lists the state-change actions published so far, in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		out = append(out, c.Action)
	}
	return out
}
