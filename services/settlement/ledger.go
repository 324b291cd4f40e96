package settlement

import (
	"context"

	"creatorhub-settlement/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerWriter appends to payment_records. All writes are keyed by the
// external event ID, so replaying an event can never produce a second row.
type LedgerWriter struct {
	db       *gorm.DB
	node     *snowflake.Node
	payments repository.Repository[PaymentRecord]
	now      nowFunc
}

func NewLedgerWriter(gdb *gorm.DB, node *snowflake.Node) *LedgerWriter {
	return &LedgerWriter{
		db:       gdb,
		node:     node,
		payments: repository.ProvideStore[PaymentRecord](gdb),
		now:      defaultNow,
	}
}

type RecordPaymentParams struct {
	ContractID       string
	Amount           int64
	PayoutAmount     int64
	CommissionAmount int64
	Status           PaymentStatus
	ExternalEventID  string
	ChargeRef        string
	Metadata         datatypes.JSON
}

// RecordPayment inserts a payment record if none exists for the event yet.
// The second return value reports whether this call created the row.
func (w *LedgerWriter) RecordPayment(ctx context.Context, p RecordPaymentParams) (*PaymentRecord, bool, error) {
	rec := &PaymentRecord{
		ID:               w.node.Generate(),
		ContractID:       p.ContractID,
		Amount:           p.Amount,
		PayoutAmount:     p.PayoutAmount,
		CommissionAmount: p.CommissionAmount,
		Status:           p.Status,
		ExternalEventID:  p.ExternalEventID,
		ChargeRef:        p.ChargeRef,
		Metadata:         p.Metadata,
	}
	res := w.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return rec, true, nil
	}
	existing, err := w.payments.FindOne(ctx, &PaymentRecord{ExternalEventID: p.ExternalEventID})
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (w *LedgerWriter) FindByChargeRef(ctx context.Context, chargeRef string) (*PaymentRecord, error) {
	if chargeRef == "" {
		return nil, nil
	}
	return w.payments.FindOne(ctx, &PaymentRecord{ChargeRef: chargeRef})
}

// MarkRefunded moves a completed record to refunded. Returns false when the
// record was not in completed state, which includes the replay case.
func (w *LedgerWriter) MarkRefunded(ctx context.Context, id snowflake.ID) (bool, error) {
	res := w.db.WithContext(ctx).
		Model(&PaymentRecord{}).
		Where("id = ? AND status = ?", id, PaymentStatusCompleted).
		Updates(map[string]any{
			"status":     PaymentStatusRefunded,
			"updated_at": w.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimEarningsCredit flips the credit marker before the earnings write. The
// conditioned update makes the marker a one-shot claim: losing it means the
// payout was already handed to the aggregator once.
func (w *LedgerWriter) ClaimEarningsCredit(ctx context.Context, eventID string) (bool, error) {
	res := w.db.WithContext(ctx).
		Model(&PaymentRecord{}).
		Where("external_event_id = ? AND earnings_credited = ? AND status = ?",
			eventID, false, PaymentStatusCompleted).
		Updates(map[string]any{
			"earnings_credited": true,
			"updated_at":        w.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseEarningsCredit undoes a claim whose credit write failed, so the next
// delivery retries the credit instead of skipping it.
func (w *LedgerWriter) ReleaseEarningsCredit(ctx context.Context, eventID string) error {
	return w.db.WithContext(ctx).
		Model(&PaymentRecord{}).
		Where("external_event_id = ? AND earnings_credited = ?", eventID, true).
		Updates(map[string]any{
			"earnings_credited": false,
			"updated_at":        w.now().UTC(),
		}).Error
}
