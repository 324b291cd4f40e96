package settlement

import (
	"context"
	"encoding/json"
	"time"

	"creatorhub-settlement/pkg/config"
	"creatorhub-settlement/pkg/errutil"
	"creatorhub-settlement/pkg/repository"
	"creatorhub-settlement/pkg/task"
	"creatorhub-settlement/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Anomaly kinds recorded when an event references state the pipeline cannot
// act on. Anomalous events are acknowledged, not retried.
const (
	AnomalyContractMissing    = "contract_missing"
	AnomalyPaymentMissing     = "payment_missing"
	AnomalyOpportunityMissing = "opportunity_missing"
	AnomalyInvalidTransition  = "invalid_transition"
)

// AnomalyRecorder persists events that settled as anomalies so operators can
// reconcile them later.
type AnomalyRecorder interface {
	Record(ctx context.Context, kind, eventID, subject, detail string) error
}

// Service is the settlement orchestrator. Process is the single entry point:
// it claims the event through the idempotency guard, applies the per-type
// settlement steps, and releases or seals the claim depending on the outcome.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	guard      *IdempotencyGuard
	ledger     *LedgerWriter
	earnings   *EarningsAggregator
	propagator *StatusPropagator

	contracts repository.Repository[Contract]

	anomalies AnomalyRecorder
	enqueuer  task.Enqueuer

	storeTimeout time.Duration
}

type ServiceParams struct {
	fx.In
	Config    *config.Config
	DB        *gorm.DB
	Node      *snowflake.Node
	Anomalies AnomalyRecorder `optional:"true"`
	Enqueuer  task.Enqueuer   `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		guard:      NewIdempotencyGuard(p.DB, p.Config.Settlement.GuardTakeoverAfter),
		ledger:     NewLedgerWriter(p.DB, p.Node),
		earnings:   NewEarningsAggregator(p.DB, p.Config.Settlement.CreditMaxRetries, p.Config.Settlement.CreditRetryBackoff),
		propagator: NewStatusPropagator(p.DB),

		contracts: repository.ProvideStore[Contract](p.DB),

		anomalies: p.Anomalies,
		enqueuer:  p.Enqueuer,

		storeTimeout: p.Config.Settlement.StoreTimeout,
	}
}

// Process applies ev exactly once. A nil return means the event is settled
// and the delivery must be acknowledged, including the already-applied and
// anomaly cases. A non-nil return means nothing irreversible happened or the
// claim was released, and the delivery should be retried.
func (s *Service) Process(ctx context.Context, ev ProcessorEvent, payload []byte) error {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("event_id", ev.EventID()),
		zap.String("event_type", ev.EventType()),
	}
	log := zap.L().With(opts...)

	begin, err := s.guard.TryBeginProcessing(ctx, ev, payload)
	if err != nil {
		log.Error("failed to claim event", zap.Error(err))
		return errutil.ServiceUnavailable("failed to claim event", err)
	}
	switch begin {
	case BeginAlreadyApplied:
		log.Info("event already applied, acknowledging")
		return nil
	case BeginInProgress:
		log.Warn("event is being processed by another worker")
		return errutil.ServiceUnavailable("event is being processed", nil)
	}

	var perr error
	switch e := ev.(type) {
	case *SucceededEvent:
		perr = s.applySucceeded(ctx, log, e)
	case *FailedEvent:
		perr = s.applyFailed(ctx, log, e)
	case *RefundedEvent:
		perr = s.applyRefunded(ctx, log, e)
	default:
		perr = errutil.BadRequest("unsupported event variant", nil)
	}
	if perr != nil {
		if ferr := s.guard.MarkFailed(ctx, ev.EventID(), perr.Error()); ferr != nil {
			log.Error("failed to release event claim", zap.Error(ferr))
		}
		log.Error("settlement failed, claim released for redelivery", zap.Error(perr))
		return perr
	}

	if err := s.guard.MarkApplied(ctx, ev.EventID()); err != nil {
		// The effects are durable but the claim is stuck in processing. The
		// takeover window lets a redelivery finish the bookkeeping.
		log.Error("failed to seal event claim", zap.Error(err))
		return errutil.ServiceUnavailable("failed to seal event claim", err)
	}
	log.Info("event applied")
	return nil
}

func (s *Service) applySucceeded(ctx context.Context, log *zap.Logger, e *SucceededEvent) error {
	contract, err := s.findContract(ctx, e.PaymentRef)
	if err != nil {
		return errutil.ServiceUnavailable("failed to load contract", err)
	}
	if contract == nil {
		log.Warn("no contract for payment reference", zap.String("payment_ref", e.PaymentRef))
		s.recordAnomaly(ctx, log, AnomalyContractMissing, e.ID, e.PaymentRef,
			"payment.succeeded references an unknown payment")
		s.enqueueContractRecheck(ctx, log, e.ID, e.PaymentRef)
		return nil
	}

	moved, err := s.transition(ctx, contract.ID, ContractStatusDraft, ContractStatusActive)
	if err != nil {
		return errutil.ServiceUnavailable("failed to activate contract", err)
	}
	if !moved {
		// Either a crashed run already activated it, or the contract was
		// cancelled before the success arrived. Only the former may proceed.
		current, err := s.findContract(ctx, e.PaymentRef)
		if err != nil {
			return errutil.ServiceUnavailable("failed to re-read contract", err)
		}
		if current == nil || current.Status != ContractStatusActive {
			log.Warn("contract not eligible for activation",
				zap.String("contract_id", contract.ID),
				zap.String("status", string(contractStatusOf(current))))
			s.recordAnomaly(ctx, log, AnomalyInvalidTransition, e.ID, contract.ID,
				"payment.succeeded on a contract that is not draft or active")
			return nil
		}
	}

	rec, created, err := s.recordPayment(ctx, RecordPaymentParams{
		ContractID:       contract.ID,
		Amount:           e.Amount,
		PayoutAmount:     contract.CreatorPayoutAmount,
		CommissionAmount: contract.CommissionAmount,
		Status:           PaymentStatusCompleted,
		ExternalEventID:  e.ID,
		ChargeRef:        e.ChargeRef,
		Metadata:         e.Raw,
	})
	if err != nil {
		return errutil.ServiceUnavailable("failed to record payment", err)
	}
	if !created {
		log.Info("payment record already present", zap.String("record_id", rec.ID.String()))
	}

	if err := s.creditEarnings(ctx, log, e.ID, contract); err != nil {
		return err
	}

	opportunityID := contract.OpportunityID
	if opportunityID == "" {
		opportunityID = e.OpportunityID
	}
	creatorID := contract.CreatorID
	if creatorID == "" {
		creatorID = e.CreatorID
	}
	return s.propagate(ctx, log, e.ID, opportunityID, creatorID)
}

func (s *Service) applyFailed(ctx context.Context, log *zap.Logger, e *FailedEvent) error {
	contract, err := s.findContract(ctx, e.PaymentRef)
	if err != nil {
		return errutil.ServiceUnavailable("failed to load contract", err)
	}
	if contract == nil {
		log.Warn("no contract for failed payment", zap.String("payment_ref", e.PaymentRef))
		s.recordAnomaly(ctx, log, AnomalyContractMissing, e.ID, e.PaymentRef,
			"payment.failed references an unknown payment")
		return nil
	}

	if contract.Status == ContractStatusActive {
		// A success already settled this contract. A late failure must never
		// unwind it.
		log.Warn("payment.failed after contract activation", zap.String("contract_id", contract.ID))
		s.recordAnomaly(ctx, log, AnomalyInvalidTransition, e.ID, contract.ID,
			"payment.failed arrived after the contract went active")
		return nil
	}

	moved, err := s.transition(ctx, contract.ID, ContractStatusDraft, ContractStatusCancelled)
	if err != nil {
		return errutil.ServiceUnavailable("failed to cancel contract", err)
	}
	if !moved {
		log.Info("contract already left draft state", zap.String("contract_id", contract.ID))
	}

	_, _, err = s.recordPayment(ctx, RecordPaymentParams{
		ContractID:       contract.ID,
		Status:           PaymentStatusFailed,
		ExternalEventID:  e.ID,
		Metadata:         e.Raw,
		Amount:           contract.TotalAmount,
		PayoutAmount:     0,
		CommissionAmount: 0,
	})
	if err != nil {
		return errutil.ServiceUnavailable("failed to record failed payment", err)
	}
	return nil
}

func (s *Service) applyRefunded(ctx context.Context, log *zap.Logger, e *RefundedEvent) error {
	rec, err := s.findPaymentForRefund(ctx, e)
	if err != nil {
		return errutil.ServiceUnavailable("failed to load payment record", err)
	}
	if rec == nil {
		log.Warn("no payment record for refunded charge", zap.String("charge_ref", e.ChargeRef))
		s.recordAnomaly(ctx, log, AnomalyPaymentMissing, e.ID, e.ChargeRef,
			"charge.refunded references an unknown charge")
		return nil
	}

	marked, err := s.markRefunded(ctx, rec.ID)
	if err != nil {
		return errutil.ServiceUnavailable("failed to mark payment refunded", err)
	}
	if !marked {
		log.Info("payment record already refunded", zap.String("record_id", rec.ID.String()))
	}

	moved, err := s.transition(ctx, rec.ContractID, ContractStatusActive, ContractStatusCancelled)
	if err != nil {
		return errutil.ServiceUnavailable("failed to cancel contract after refund", err)
	}
	if !moved {
		log.Info("contract already left active state", zap.String("contract_id", rec.ContractID))
	}

	// Earnings stay as credited. Refund clawback is an operator decision
	// surfaced through reconciliation, not an automatic write.
	if rec.EarningsCredited {
		log.Warn("refunded payment had credited earnings",
			zap.String("record_id", rec.ID.String()),
			zap.String("contract_id", rec.ContractID),
			zap.Int64("payout_amount", rec.PayoutAmount))
	}
	return nil
}

func (s *Service) creditEarnings(ctx context.Context, log *zap.Logger, eventID string, contract *Contract) error {
	claimed, err := s.claimCredit(ctx, eventID)
	if err != nil {
		return errutil.ServiceUnavailable("failed to claim earnings credit", err)
	}
	if !claimed {
		log.Info("earnings credit already claimed", zap.String("creator_id", contract.CreatorID))
		return nil
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	total, err := s.earnings.Credit(cctx, contract.CreatorID, contract.CreatorPayoutAmount)
	if err != nil {
		if rerr := s.ledger.ReleaseEarningsCredit(ctx, eventID); rerr != nil {
			log.Error("failed to release earnings credit claim", zap.Error(rerr))
		}
		return errutil.ServiceUnavailable("failed to credit earnings", err)
	}
	log.Info("earnings credited",
		zap.String("creator_id", contract.CreatorID),
		zap.Int64("amount", contract.CreatorPayoutAmount),
		zap.Int64("total_earnings", total))
	return nil
}

func (s *Service) propagate(ctx context.Context, log *zap.Logger, eventID, opportunityID, creatorID string) error {
	if opportunityID == "" || creatorID == "" {
		log.Warn("event carries no opportunity metadata, skipping propagation")
		return nil
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	fill, err := s.propagator.FillOpportunity(cctx, opportunityID, creatorID)
	if err != nil {
		return errutil.ServiceUnavailable("failed to fill opportunity", err)
	}
	switch fill {
	case FillResultNotFound:
		log.Warn("opportunity not found", zap.String("opportunity_id", opportunityID))
		s.recordAnomaly(ctx, log, AnomalyOpportunityMissing, eventID, opportunityID,
			"settled payment references an unknown opportunity")
		return nil
	case FillResultAlreadyFilled:
		log.Info("opportunity already filled", zap.String("opportunity_id", opportunityID))
		return nil
	}

	hired, err := s.propagator.MarkHired(cctx, opportunityID, creatorID)
	if err != nil {
		return errutil.ServiceUnavailable("failed to mark application hired", err)
	}
	if !hired {
		log.Warn("no applied application for winning creator",
			zap.String("opportunity_id", opportunityID),
			zap.String("creator_id", creatorID))
	}
	return nil
}

func (s *Service) recordAnomaly(ctx context.Context, log *zap.Logger, kind, eventID, subject, detail string) {
	if s.anomalies == nil {
		return
	}
	if err := s.anomalies.Record(ctx, kind, eventID, subject, detail); err != nil {
		log.Error("failed to record anomaly", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Service) enqueueContractRecheck(ctx context.Context, log *zap.Logger, eventID, paymentRef string) {
	if s.enqueuer == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"event_id":    eventID,
		"payment_ref": paymentRef,
	})
	if err != nil {
		log.Error("failed to marshal recheck payload", zap.Error(err))
		return
	}
	t := asynq.NewTask(taskname.ReconcileContractMissing, payload)
	if _, err := s.enqueuer.Enqueue(ctx, t, asynq.Queue("low"), asynq.ProcessIn(time.Minute)); err != nil {
		log.Error("failed to enqueue contract recheck", zap.Error(err))
	}
}

func (s *Service) findContract(ctx context.Context, paymentRef string) (*Contract, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.contracts.FindOne(cctx, &Contract{ExternalPaymentRef: paymentRef})
}

func (s *Service) findPaymentForRefund(ctx context.Context, e *RefundedEvent) (*PaymentRecord, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rec, err := s.ledger.FindByChargeRef(cctx, e.ChargeRef)
	if err != nil || rec != nil {
		return rec, err
	}
	// Some processors put only the payment reference on the refund. Fall
	// back to resolving it through the contract.
	if e.PaymentRef == "" {
		return nil, nil
	}
	contract, err := s.contracts.FindOne(cctx, &Contract{ExternalPaymentRef: e.PaymentRef})
	if err != nil || contract == nil {
		return nil, err
	}
	recs, err := repository.ProvideStore[PaymentRecord](s.db).Find(cctx,
		&PaymentRecord{ContractID: contract.ID, Status: PaymentStatusCompleted})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *Service) transition(ctx context.Context, contractID string, from, to ContractStatus) (bool, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.propagator.TransitionContract(cctx, contractID, from, to)
}

func (s *Service) recordPayment(ctx context.Context, p RecordPaymentParams) (*PaymentRecord, bool, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.RecordPayment(cctx, p)
}

func (s *Service) claimCredit(ctx context.Context, eventID string) (bool, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.ClaimEarningsCredit(cctx, eventID)
}

func (s *Service) markRefunded(ctx context.Context, id snowflake.ID) (bool, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.MarkRefunded(cctx, id)
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func contractStatusOf(c *Contract) ContractStatus {
	if c == nil {
		return ""
	}
	return c.Status
}
