package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/fieldguard/internal/custody"
	"github.com/mbd888/fieldguard/internal/idgen"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/risk"
)

var (
	_ custody.Notifier = (*Notifier)(nil)
	_ risk.Escalator   = (*Notifier)(nil)
)

// Notifier turns engine events into webhook deliveries.
type Notifier struct {
	d        *Dispatcher
	logger   *slog.Logger
	logCodes bool
	now      func() time.Time
}

// NewNotifier creates a notifier over d.
func NewNotifier(d *Dispatcher, logger *slog.Logger) *Notifier {
	return &Notifier{d: d, logger: logger, now: time.Now}
}

// WithCodeLogging writes one-time codes that reach no receiver to the log.
// Only for development, where no SMS gateway is subscribed.
func (n *Notifier) WithCodeLogging(enabled bool) *Notifier {
	n.logCodes = enabled
	return n
}

// SendOtp asks the SMS gateway subscriber to deliver code to phone. Nobody
// subscribed is an error: the customer cannot receive the code.
func (n *Notifier) SendOtp(ctx context.Context, phone, code string) error {
	err := n.dispatch(ctx, EventOtpRequested, map[string]any{
		"phone": phone,
		"code":  code,
	})
	if errors.Is(err, ErrNoReceivers) && n.logCodes {
		logging.L(ctx).Info("one-time code not routed", "phone", maskPhone(phone), "code", code)
	}
	return err
}

// Escalate alerts supervisors that an actor entered the HIGH band.
func (n *Notifier) Escalate(ctx context.Context, actorID string, score float64, reasons []string) error {
	return n.ignoreUnrouted(n.dispatch(ctx, EventActorEscalated, map[string]any{
		"actorId": actorID,
		"score":   score,
		"band":    string(risk.BandFor(score)),
		"reasons": reasons,
	}))
}

// LateDeposit alerts supervisors that a payment missed its deposit deadline.
func (n *Notifier) LateDeposit(ctx context.Context, actorID, paymentID string, lateHours float64) error {
	return n.ignoreUnrouted(n.dispatch(ctx, EventCustodyFlagged, map[string]any{
		"actorId":   actorID,
		"paymentId": paymentID,
		"lateHours": lateHours,
	}))
}

func (n *Notifier) dispatch(ctx context.Context, eventType EventType, data map[string]any) error {
	err := n.d.Dispatch(ctx, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: n.now(),
		Data:      data,
	})
	result := "delivered"
	switch {
	case errors.Is(err, ErrNoReceivers):
		result = "unrouted"
	case err != nil:
		result = "failed"
	}
	metrics.NotificationsTotal.WithLabelValues(string(eventType), result).Inc()
	return err
}

// Alerts with no subscriber are dropped.
func (n *Notifier) ignoreUnrouted(err error) error {
	if errors.Is(err, ErrNoReceivers) {
		return nil
	}
	return err
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
