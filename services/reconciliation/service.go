package reconciliation

import (
	"context"

	"creatorhub-settlement/pkg/db/option"
	"creatorhub-settlement/pkg/repository"
	"creatorhub-settlement/services/settlement"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// maxScanResults caps every reconciliation read. The sweep reports findings
// for operators; an unbounded result set helps nobody.
const maxScanResults = 500

// Service answers the questions the settlement pipeline deliberately leaves
// open: which events settled as anomalies, which completed payments never got
// their earnings credit, and which refunded payments still carry one.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	anomalies repository.Repository[Anomaly]
	payments  repository.Repository[settlement.PaymentRecord]
	contracts repository.Repository[settlement.Contract]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		anomalies: repository.ProvideStore[Anomaly](p.DB),
		payments:  repository.ProvideStore[settlement.PaymentRecord](p.DB),
		contracts: repository.ProvideStore[settlement.Contract](p.DB),
	}
}

// Record implements settlement.AnomalyRecorder. Recording the same kind for
// the same event twice keeps a single open row.
func (s *Service) Record(ctx context.Context, kind, eventID, subject, detail string) error {
	open, err := s.anomalies.Count(ctx, &Anomaly{Kind: kind, EventID: eventID, Status: AnomalyStatusOpen})
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	return s.anomalies.Create(ctx, &Anomaly{
		ID:      s.node.Generate(),
		Kind:    kind,
		EventID: eventID,
		Subject: subject,
		Detail:  detail,
		Status:  AnomalyStatusOpen,
	})
}

// Resolve closes every open anomaly of the given kind for an event.
func (s *Service) Resolve(ctx context.Context, kind, eventID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Anomaly{}).
		Where("kind = ? AND event_id = ? AND status = ?", kind, eventID, AnomalyStatusOpen).
		Update("status", AnomalyStatusResolved)
	return res.RowsAffected, res.Error
}

func (s *Service) ListOpenAnomalies(ctx context.Context) ([]*Anomaly, error) {
	return s.anomalies.Find(ctx, &Anomaly{Status: AnomalyStatusOpen},
		option.WithSortBy(option.QuerySortBy{OrderBy: "ASC"}),
		option.WithLimit(maxScanResults))
}

// ListUncredited returns completed payments whose earnings credit was never
// claimed. With the claim flag written before the credit, a durable credit
// always implies a set flag, so a false flag on a completed payment is a
// genuine miss.
func (s *Service) ListUncredited(ctx context.Context) ([]*settlement.PaymentRecord, error) {
	return s.payments.Find(ctx,
		&settlement.PaymentRecord{Status: settlement.PaymentStatusCompleted},
		option.ApplyOperator(option.Condition{Field: "earnings_credited", Operator: option.EQ, Value: false}),
		option.WithLimit(maxScanResults))
}

// ListRefundedCredited returns refunded payments whose earnings were credited
// and never clawed back. Clawback is an operator decision, so these rows stay
// until someone acts on them.
func (s *Service) ListRefundedCredited(ctx context.Context) ([]*settlement.PaymentRecord, error) {
	return s.payments.Find(ctx,
		&settlement.PaymentRecord{Status: settlement.PaymentStatusRefunded},
		option.ApplyOperator(option.Condition{Field: "earnings_credited", Operator: option.EQ, Value: true}),
		option.WithLimit(maxScanResults))
}

// ListEarningsDrift compares the per-creator sum of credited payouts against
// the aggregated total. It catches the claim-then-crash window where the flag
// is set but the credit never landed.
func (s *Service) ListEarningsDrift(ctx context.Context) ([]EarningsDrift, error) {
	var drifts []EarningsDrift
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.creator_id AS creator_id,
		       COALESCE(SUM(p.payout_amount), 0) AS credited_sum,
		       COALESCE(e.total_earnings, 0) AS total_earnings
		FROM payment_records p
		JOIN contracts c ON c.id = p.contract_id
		LEFT JOIN creator_earnings e ON e.creator_id = c.creator_id
		WHERE p.earnings_credited
		GROUP BY c.creator_id, e.total_earnings
		HAVING COALESCE(SUM(p.payout_amount), 0) <> COALESCE(e.total_earnings, 0)
	`).Scan(&drifts).Error
	return drifts, err
}

// ContractExists reports whether a contract for the payment reference has
// appeared since the anomaly was recorded.
func (s *Service) ContractExists(ctx context.Context, paymentRef string) (bool, error) {
	c, err := s.contracts.FindOne(ctx, &settlement.Contract{ExternalPaymentRef: paymentRef})
	if err != nil {
		return false, err
	}
	return c != nil, nil
}
