package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"creatorhub-settlement/pkg/config"
	"creatorhub-settlement/pkg/errutil"
	"creatorhub-settlement/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type anomalyMock struct {
	mu      sync.Mutex
	entries []anomalyEntry
}

type anomalyEntry struct {
	Kind    string
	EventID string
	Subject string
}

func (m *anomalyMock) Record(_ context.Context, kind, eventID, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, anomalyEntry{Kind: kind, EventID: eventID, Subject: subject})
	return nil
}

func (m *anomalyMock) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	for _, e := range m.entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func newTestService(t *testing.T, gdb *gorm.DB, anomalies AnomalyRecorder) *Service {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{
		Config:    cfg,
		DB:        gdb,
		Node:      node,
		Anomalies: anomalies,
	})
}

func seedContract(t *testing.T, gdb *gorm.DB, c Contract) Contract {
	t.Helper()
	if c.Status == "" {
		c.Status = ContractStatusDraft
	}
	require.NoError(t, gdb.Create(&c).Error)
	return c
}

func seedOpportunity(t *testing.T, gdb *gorm.DB, o Opportunity) Opportunity {
	t.Helper()
	if o.Status == "" {
		o.Status = OpportunityStatusOpen
	}
	require.NoError(t, gdb.Create(&o).Error)
	return o
}

func seedApplication(t *testing.T, gdb *gorm.DB, a Application) Application {
	t.Helper()
	if a.Status == "" {
		a.Status = ApplicationStatusApplied
	}
	require.NoError(t, gdb.Create(&a).Error)
	return a
}

func succeededEvent(id, paymentRef string) (*SucceededEvent, []byte) {
	ev := &SucceededEvent{
		ID:            id,
		PaymentRef:    paymentRef,
		ChargeRef:     "ch_" + id,
		Amount:        100,
		OpportunityID: "opp_1",
		CreatorID:     "creator_1",
	}
	payload, _ := json.Marshal(map[string]string{"id": id})
	return ev, payload
}

func TestProcessSucceededEndToEnd(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	anomalies := &anomalyMock{}
	svc := newTestService(t, gdb, anomalies)

	seedContract(t, gdb, Contract{
		ID:                  "con_1",
		OpportunityID:       "opp_1",
		CreatorID:           "creator_1",
		TotalAmount:         100,
		CreatorPayoutAmount: 80,
		CommissionAmount:    20,
		ExternalPaymentRef:  "pi_1",
	})
	seedOpportunity(t, gdb, Opportunity{ID: "opp_1"})
	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_1"})

	ev, payload := succeededEvent("evt_1", "pi_1")
	require.NoError(t, svc.Process(context.Background(), ev, payload))

	var contract Contract
	require.NoError(t, gdb.First(&contract, "id = ?", "con_1").Error)
	require.Equal(t, ContractStatusActive, contract.Status)

	var rec PaymentRecord
	require.NoError(t, gdb.First(&rec, "external_event_id = ?", "evt_1").Error)
	require.Equal(t, PaymentStatusCompleted, rec.Status)
	require.Equal(t, int64(80), rec.PayoutAmount)
	require.Equal(t, int64(20), rec.CommissionAmount)
	require.True(t, rec.EarningsCredited)

	var earnings CreatorEarnings
	require.NoError(t, gdb.First(&earnings, "creator_id = ?", "creator_1").Error)
	require.Equal(t, int64(80), earnings.TotalEarnings)

	var opp Opportunity
	require.NoError(t, gdb.First(&opp, "id = ?", "opp_1").Error)
	require.Equal(t, OpportunityStatusFilled, opp.Status)
	require.Equal(t, "creator_1", opp.SelectedCreatorID)

	var app Application
	require.NoError(t, gdb.First(&app, "opportunity_id = ? AND creator_id = ?", "opp_1", "creator_1").Error)
	require.Equal(t, ApplicationStatusHired, app.Status)

	var event WebhookEvent
	require.NoError(t, gdb.First(&event, "event_id = ?", "evt_1").Error)
	require.Equal(t, EventStatusApplied, event.Status)

	require.Empty(t, anomalies.kinds())
}

func TestProcessSucceededReplayIsIdempotent(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	svc := newTestService(t, gdb, &anomalyMock{})

	seedContract(t, gdb, Contract{
		ID:                  "con_1",
		OpportunityID:       "opp_1",
		CreatorID:           "creator_1",
		TotalAmount:         100,
		CreatorPayoutAmount: 80,
		CommissionAmount:    20,
		ExternalPaymentRef:  "pi_1",
	})
	seedOpportunity(t, gdb, Opportunity{ID: "opp_1"})
	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_1"})

	ev, payload := succeededEvent("evt_1", "pi_1")
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Process(context.Background(), ev, payload))
	}

	var recCount int64
	require.NoError(t, gdb.Model(&PaymentRecord{}).Count(&recCount).Error)
	require.Equal(t, int64(1), recCount)

	var earnings CreatorEarnings
	require.NoError(t, gdb.First(&earnings, "creator_id = ?", "creator_1").Error)
	require.Equal(t, int64(80), earnings.TotalEarnings)
	require.Equal(t, int64(1), earnings.Version)
}

func TestProcessSucceededConcurrentDeliveries(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	svc := newTestService(t, gdb, &anomalyMock{})

	seedContract(t, gdb, Contract{
		ID:                  "con_1",
		OpportunityID:       "opp_1",
		CreatorID:           "creator_1",
		TotalAmount:         100,
		CreatorPayoutAmount: 80,
		CommissionAmount:    20,
		ExternalPaymentRef:  "pi_1",
	})
	seedOpportunity(t, gdb, Opportunity{ID: "opp_1"})
	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_1"})

	ev, payload := succeededEvent("evt_1", "pi_1")

	const workers = 4
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Process(context.Background(), ev, payload)
		}()
	}
	wg.Wait()
	close(errs)

	// Losers may see a transient busy error; nobody may see anything else.
	for err := range errs {
		if err != nil {
			var be errutil.BaseError
			require.ErrorAs(t, err, &be)
			require.Equal(t, errutil.StatusServiceUnavailable, be.Code)
		}
	}

	var earnings CreatorEarnings
	require.NoError(t, gdb.First(&earnings, "creator_id = ?", "creator_1").Error)
	require.Equal(t, int64(80), earnings.TotalEarnings)

	var recCount int64
	require.NoError(t, gdb.Model(&PaymentRecord{}).Count(&recCount).Error)
	require.Equal(t, int64(1), recCount)
}

func TestProcessSucceededUnknownPaymentRef(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	anomalies := &anomalyMock{}
	svc := newTestService(t, gdb, anomalies)

	ev, payload := succeededEvent("evt_missing", "pi_unknown")
	require.NoError(t, svc.Process(context.Background(), ev, payload))

	var recCount int64
	require.NoError(t, gdb.Model(&PaymentRecord{}).Count(&recCount).Error)
	require.Zero(t, recCount)

	var earningsCount int64
	require.NoError(t, gdb.Model(&CreatorEarnings{}).Count(&earningsCount).Error)
	require.Zero(t, earningsCount)

	require.Equal(t, []string{AnomalyContractMissing}, anomalies.kinds())

	// The delivery is acknowledged, so a replay settles as already applied.
	var event WebhookEvent
	require.NoError(t, gdb.First(&event, "event_id = ?", "evt_missing").Error)
	require.Equal(t, EventStatusApplied, event.Status)
}

func TestProcessFailedCancelsDraft(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	anomalies := &anomalyMock{}
	svc := newTestService(t, gdb, anomalies)

	seedContract(t, gdb, Contract{
		ID:                 "con_1",
		CreatorID:          "creator_1",
		TotalAmount:        100,
		ExternalPaymentRef: "pi_1",
	})

	ev := &FailedEvent{ID: "evt_fail", PaymentRef: "pi_1", Reason: "card_declined"}
	require.NoError(t, svc.Process(context.Background(), ev, []byte(`{"id":"evt_fail"}`)))

	var contract Contract
	require.NoError(t, gdb.First(&contract, "id = ?", "con_1").Error)
	require.Equal(t, ContractStatusCancelled, contract.Status)

	var rec PaymentRecord
	require.NoError(t, gdb.First(&rec, "external_event_id = ?", "evt_fail").Error)
	require.Equal(t, PaymentStatusFailed, rec.Status)
	require.False(t, rec.EarningsCredited)

	require.Empty(t, anomalies.kinds())
}

func TestProcessFailedAfterActiveIsAnomaly(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	anomalies := &anomalyMock{}
	svc := newTestService(t, gdb, anomalies)

	seedContract(t, gdb, Contract{
		ID:                 "con_1",
		CreatorID:          "creator_1",
		Status:             ContractStatusActive,
		TotalAmount:        100,
		ExternalPaymentRef: "pi_1",
	})

	ev := &FailedEvent{ID: "evt_fail", PaymentRef: "pi_1"}
	require.NoError(t, svc.Process(context.Background(), ev, []byte(`{"id":"evt_fail"}`)))

	var contract Contract
	require.NoError(t, gdb.First(&contract, "id = ?", "con_1").Error)
	require.Equal(t, ContractStatusActive, contract.Status)

	var recCount int64
	require.NoError(t, gdb.Model(&PaymentRecord{}).Count(&recCount).Error)
	require.Zero(t, recCount)

	require.Equal(t, []string{AnomalyInvalidTransition}, anomalies.kinds())
}

func TestProcessRefundedKeepsEarnings(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	anomalies := &anomalyMock{}
	svc := newTestService(t, gdb, anomalies)

	seedContract(t, gdb, Contract{
		ID:                  "con_1",
		OpportunityID:       "opp_1",
		CreatorID:           "creator_1",
		TotalAmount:         100,
		CreatorPayoutAmount: 80,
		CommissionAmount:    20,
		ExternalPaymentRef:  "pi_1",
	})
	seedOpportunity(t, gdb, Opportunity{ID: "opp_1"})
	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_1"})

	ev, payload := succeededEvent("evt_1", "pi_1")
	require.NoError(t, svc.Process(context.Background(), ev, payload))

	refund := &RefundedEvent{ID: "evt_refund", ChargeRef: ev.ChargeRef}
	require.NoError(t, svc.Process(context.Background(), refund, []byte(`{"id":"evt_refund"}`)))

	var rec PaymentRecord
	require.NoError(t, gdb.First(&rec, "external_event_id = ?", "evt_1").Error)
	require.Equal(t, PaymentStatusRefunded, rec.Status)
	require.True(t, rec.EarningsCredited)

	var contract Contract
	require.NoError(t, gdb.First(&contract, "id = ?", "con_1").Error)
	require.Equal(t, ContractStatusCancelled, contract.Status)

	// Refunds never claw back on their own.
	var earnings CreatorEarnings
	require.NoError(t, gdb.First(&earnings, "creator_id = ?", "creator_1").Error)
	require.Equal(t, int64(80), earnings.TotalEarnings)

	require.Empty(t, anomalies.kinds())
}

func TestProcessRefundedUnknownCharge(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	anomalies := &anomalyMock{}
	svc := newTestService(t, gdb, anomalies)

	ev := &RefundedEvent{ID: "evt_refund", ChargeRef: "ch_unknown"}
	require.NoError(t, svc.Process(context.Background(), ev, []byte(`{"id":"evt_refund"}`)))

	require.Equal(t, []string{AnomalyPaymentMissing}, anomalies.kinds())
}

func TestProcessOpportunityRaceHasSingleWinner(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	svc := newTestService(t, gdb, &anomalyMock{})

	seedOpportunity(t, gdb, Opportunity{ID: "opp_1"})
	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_1"})
	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_2"})

	seedContract(t, gdb, Contract{
		ID: "con_1", OpportunityID: "opp_1", CreatorID: "creator_1",
		TotalAmount: 100, CreatorPayoutAmount: 80, CommissionAmount: 20,
		ExternalPaymentRef: "pi_1",
	})
	seedContract(t, gdb, Contract{
		ID: "con_2", OpportunityID: "opp_1", CreatorID: "creator_2",
		TotalAmount: 100, CreatorPayoutAmount: 80, CommissionAmount: 20,
		ExternalPaymentRef: "pi_2",
	})

	ev1 := &SucceededEvent{ID: "evt_1", PaymentRef: "pi_1", Amount: 100, OpportunityID: "opp_1", CreatorID: "creator_1"}
	ev2 := &SucceededEvent{ID: "evt_2", PaymentRef: "pi_2", Amount: 100, OpportunityID: "opp_1", CreatorID: "creator_2"}
	require.NoError(t, svc.Process(context.Background(), ev1, []byte(`{"id":"evt_1"}`)))
	require.NoError(t, svc.Process(context.Background(), ev2, []byte(`{"id":"evt_2"}`)))

	var opp Opportunity
	require.NoError(t, gdb.First(&opp, "id = ?", "opp_1").Error)
	require.Equal(t, OpportunityStatusFilled, opp.Status)
	require.Equal(t, "creator_1", opp.SelectedCreatorID)

	// The loser keeps its contract and earnings, only the opportunity flip
	// is first-writer-wins.
	var con2 Contract
	require.NoError(t, gdb.First(&con2, "id = ?", "con_2").Error)
	require.Equal(t, ContractStatusActive, con2.Status)

	var app2 Application
	require.NoError(t, gdb.First(&app2, "opportunity_id = ? AND creator_id = ?", "opp_1", "creator_2").Error)
	require.Equal(t, ApplicationStatusApplied, app2.Status)

	var earnings2 CreatorEarnings
	require.NoError(t, gdb.First(&earnings2, "creator_id = ?", "creator_2").Error)
	require.Equal(t, int64(80), earnings2.TotalEarnings)
}

func TestProcessInProgressReturnsTransient(t *testing.T) {
	gdb := testutil.NewTestDB(t, Models()...)
	svc := newTestService(t, gdb, &anomalyMock{})

	// Simulate another worker holding the claim.
	require.NoError(t, gdb.Create(&WebhookEvent{
		EventID:    "evt_1",
		EventType:  EventTypePaymentSucceeded,
		Status:     EventStatusProcessing,
		ReceivedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}).Error)

	ev, payload := succeededEvent("evt_1", "pi_1")
	err := svc.Process(context.Background(), ev, payload)
	require.Error(t, err)

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusServiceUnavailable, be.Code)
}
