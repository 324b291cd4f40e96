package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"creatorhub-settlement/services/settlement"

	"gorm.io/datatypes"
)

// ErrEventIgnored marks event types outside the settlement set. The handler
// acknowledges them without processing.
var ErrEventIgnored = errors.New("event type not handled by settlement")

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// paymentObject covers the fields settlement reads from both payment intent
// and charge shaped objects.
type paymentObject struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	LatestCharge   string `json:"latest_charge"`
	PaymentIntent  string `json:"payment_intent"`
	FailureMessage string `json:"failure_message"`
	Metadata       struct {
		OpportunityID string `json:"opportunityId"`
		CreatorID     string `json:"creatorId"`
	} `json:"metadata"`
}

// ParseEvent maps a verified payload onto one of the settlement event
// variants. Unknown event types return ErrEventIgnored; malformed payloads
// return a plain error and must be rejected.
func ParseEvent(payload []byte) (settlement.ProcessorEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if env.ID == "" {
		return nil, errors.New("event envelope has no id")
	}

	switch env.Type {
	case settlement.EventTypePaymentSucceeded, settlement.EventTypePaymentFailed, settlement.EventTypeChargeRefunded:
	default:
		return nil, ErrEventIgnored
	}

	var obj paymentObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode event object: %w", err)
	}
	if obj.ID == "" {
		return nil, errors.New("event object has no id")
	}

	raw := datatypes.JSON(payload)
	switch env.Type {
	case settlement.EventTypePaymentSucceeded:
		return &settlement.SucceededEvent{
			ID:            env.ID,
			PaymentRef:    obj.ID,
			ChargeRef:     obj.LatestCharge,
			Amount:        obj.Amount,
			OpportunityID: obj.Metadata.OpportunityID,
			CreatorID:     obj.Metadata.CreatorID,
			Raw:           raw,
		}, nil
	case settlement.EventTypePaymentFailed:
		return &settlement.FailedEvent{
			ID:         env.ID,
			PaymentRef: obj.ID,
			Reason:     obj.FailureMessage,
			Raw:        raw,
		}, nil
	default:
		// charge.refunded delivers a charge object; its id is the charge
		// reference and payment_intent links back to the contract.
		return &settlement.RefundedEvent{
			ID:         env.ID,
			ChargeRef:  obj.ID,
			PaymentRef: obj.PaymentIntent,
			Raw:        raw,
		}, nil
	}
}
