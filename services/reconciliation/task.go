package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"

	"creatorhub-settlement/pkg/taskname"
	"creatorhub-settlement/services/settlement"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type contractRecheckPayload struct {
	EventID    string `json:"event_id"`
	PaymentRef string `json:"payment_ref"`
}

// HandleContractRecheck runs some time after a payment event referenced an
// unknown contract. If the contract has appeared by now the anomaly is closed
// and the stored event is left for manual replay; otherwise the anomaly stays
// open.
func (s *Service) HandleContractRecheck(ctx context.Context, t *asynq.Task) error {
	var p contractRecheckPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to decode recheck payload: %w", err)
	}
	log := zap.L().With(
		zap.String("event_id", p.EventID),
		zap.String("payment_ref", p.PaymentRef),
	)

	exists, err := s.ContractExists(ctx, p.PaymentRef)
	if err != nil {
		return fmt.Errorf("failed to look up contract: %w", err)
	}
	if !exists {
		log.Warn("contract still missing, anomaly stays open")
		return nil
	}

	resolved, err := s.Resolve(ctx, settlement.AnomalyContractMissing, p.EventID)
	if err != nil {
		return fmt.Errorf("failed to resolve anomaly: %w", err)
	}
	log.Info("contract appeared after the event, replay the stored payload",
		zap.Int64("anomalies_resolved", resolved))
	return nil
}

// HandleScan runs the periodic consistency sweep. Findings are logged, not
// repaired: every repair touches money and needs an operator.
func (s *Service) HandleScan(ctx context.Context, t *asynq.Task) error {
	var (
		uncredited []*settlement.PaymentRecord
		refunded   []*settlement.PaymentRecord
		drifts     []EarningsDrift
		anomalies  []*Anomaly
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		uncredited, err = s.ListUncredited(gctx)
		return err
	})
	g.Go(func() (err error) {
		refunded, err = s.ListRefundedCredited(gctx)
		return err
	})
	g.Go(func() (err error) {
		drifts, err = s.ListEarningsDrift(gctx)
		return err
	})
	g.Go(func() (err error) {
		anomalies, err = s.ListOpenAnomalies(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reconciliation scan failed: %w", err)
	}

	for _, rec := range uncredited {
		zap.L().Warn("completed payment with no earnings credit",
			zap.String("record_id", rec.ID.String()),
			zap.String("contract_id", rec.ContractID),
			zap.Int64("payout_amount", rec.PayoutAmount))
	}
	for _, rec := range refunded {
		zap.L().Warn("refunded payment still carries an earnings credit",
			zap.String("record_id", rec.ID.String()),
			zap.String("contract_id", rec.ContractID),
			zap.Int64("payout_amount", rec.PayoutAmount))
	}
	for _, d := range drifts {
		zap.L().Warn("creator earnings drift",
			zap.String("creator_id", d.CreatorID),
			zap.Int64("credited_sum", d.CreditedSum),
			zap.Int64("total_earnings", d.TotalEarnings))
	}

	zap.L().Info("reconciliation scan finished",
		zap.Int("uncredited", len(uncredited)),
		zap.Int("refunded_credited", len(refunded)),
		zap.Int("earnings_drift", len(drifts)),
		zap.Int("open_anomalies", len(anomalies)))
	return nil
}

func registerTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.ReconcileContractMissing, s.HandleContractRecheck)
	mux.HandleFunc(taskname.ReconcileScan, s.HandleScan)
}
