package settlement

import "gorm.io/datatypes"

const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypeChargeRefunded   = "charge.refunded"
)

// ProcessorEvent is the closed set of payment events the orchestrator
// understands. Only the three variants below implement it; callers that
// receive any other event type must drop it before reaching Process.
type ProcessorEvent interface {
	EventID() string
	EventType() string

	isProcessorEvent()
}

// SucceededEvent reports a captured payment for a contract.
type SucceededEvent struct {
	ID            string
	PaymentRef    string
	ChargeRef     string
	Amount        int64
	OpportunityID string
	CreatorID     string
	Raw           datatypes.JSON
}

func (e *SucceededEvent) EventID() string   { return e.ID }
func (e *SucceededEvent) EventType() string { return EventTypePaymentSucceeded }
func (*SucceededEvent) isProcessorEvent()   {}

// FailedEvent reports a payment attempt that will not settle.
type FailedEvent struct {
	ID         string
	PaymentRef string
	Reason     string
	Raw        datatypes.JSON
}

func (e *FailedEvent) EventID() string   { return e.ID }
func (e *FailedEvent) EventType() string { return EventTypePaymentFailed }
func (*FailedEvent) isProcessorEvent()   {}

// RefundedEvent reports that a previously captured charge was refunded.
type RefundedEvent struct {
	ID         string
	ChargeRef  string
	PaymentRef string
	Raw        datatypes.JSON
}

func (e *RefundedEvent) EventID() string   { return e.ID }
func (e *RefundedEvent) EventType() string { return EventTypeChargeRefunded }
func (*RefundedEvent) isProcessorEvent()   {}
