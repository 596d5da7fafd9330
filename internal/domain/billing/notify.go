package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/notification"
)

// Dispatcher is the part of notification.Dispatcher the notifier needs.
type Dispatcher interface {
	DispatchAll(ctx context.Context, msgs []notification.Message) error
}

// Messages maps a ledger event to the patient's notifications.
func Messages(evt Event) []notification.Message {
	link := "/appointments/" + evt.Appointment.ID.String() + "/invoice"
	patient := evt.Appointment.PatientID

	switch evt.Kind {
	case EventBillAdded:
		if evt.Line == nil {
			return nil
		}
		return []notification.Message{notification.ToUser(patient, "New charge on your bill",
			fmt.Sprintf("%s x%d (%.2f) was added to your bill. Current total: %.2f.",
				evt.Line.ServiceName, evt.Line.Quantity, evt.Line.TotalCost, evt.Invoice.TotalAmount), &link)}
	case EventInvoiceFinalized:
		return []notification.Message{notification.ToUser(patient, "Your bill is ready",
			fmt.Sprintf("Your final bill is %.2f (total %.2f, discount %.2f).",
				evt.Summary.Payable, evt.Invoice.TotalAmount, evt.Summary.DiscountAmount), &link)}
	case EventPaymentRecorded:
		date := ""
		if evt.Invoice.PaymentDate != nil {
			date = " on " + evt.Invoice.PaymentDate.Format("January 2, 2006")
		}
		return []notification.Message{notification.ToUser(patient, "Payment received",
			fmt.Sprintf("We received your payment of %.2f%s. Thank you.", evt.Summary.Payable, date), &link)}
	}
	return nil
}

// Notifier is the EventSink for ledger events.
type Notifier struct {
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func NewNotifier(dispatcher Dispatcher, logger zerolog.Logger) *Notifier {
	return &Notifier{dispatcher: dispatcher, logger: logger.With().Str("component", "ledger-notifier").Logger()}
}

func (n *Notifier) Handle(ctx context.Context, events ...Event) {
	for _, evt := range events {
		msgs := Messages(evt)
		if len(msgs) == 0 {
			continue
		}
		if err := n.dispatcher.DispatchAll(ctx, msgs); err != nil {
			n.logger.Error().Err(err).
				Str("kind", string(evt.Kind)).
				Str("invoice_id", evt.Invoice.ID.String()).
				Msg("ledger notifications incomplete")
		}
	}
}
