package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"creatorhub-settlement/services/testutil"
)

func TestPropagatorTransitionContract(t *testing.T) {
	gdb := testutil.NewTestDB(t, &Contract{})
	p := NewStatusPropagator(gdb)

	seedContract(t, gdb, Contract{ID: "con_1", CreatorID: "creator_1", ExternalPaymentRef: "pi_1"})

	moved, err := p.TransitionContract(context.Background(), "con_1", ContractStatusDraft, ContractStatusActive)
	require.NoError(t, err)
	require.True(t, moved)

	// Repeating the transition finds no draft row.
	moved, err = p.TransitionContract(context.Background(), "con_1", ContractStatusDraft, ContractStatusActive)
	require.NoError(t, err)
	require.False(t, moved)

	moved, err = p.TransitionContract(context.Background(), "con_1", ContractStatusActive, ContractStatusCancelled)
	require.NoError(t, err)
	require.True(t, moved)
}

func TestPropagatorFillOpportunity(t *testing.T) {
	gdb := testutil.NewTestDB(t, &Opportunity{})
	p := NewStatusPropagator(gdb)

	seedOpportunity(t, gdb, Opportunity{ID: "opp_1"})

	res, err := p.FillOpportunity(context.Background(), "opp_1", "creator_1")
	require.NoError(t, err)
	require.Equal(t, FillResultFilled, res)

	res, err = p.FillOpportunity(context.Background(), "opp_1", "creator_2")
	require.NoError(t, err)
	require.Equal(t, FillResultAlreadyFilled, res)

	// The second creator must not displace the first.
	var opp Opportunity
	require.NoError(t, gdb.First(&opp, "id = ?", "opp_1").Error)
	require.Equal(t, "creator_1", opp.SelectedCreatorID)

	res, err = p.FillOpportunity(context.Background(), "opp_unknown", "creator_1")
	require.NoError(t, err)
	require.Equal(t, FillResultNotFound, res)
}

func TestPropagatorMarkHired(t *testing.T) {
	gdb := testutil.NewTestDB(t, &Application{})
	p := NewStatusPropagator(gdb)

	seedApplication(t, gdb, Application{OpportunityID: "opp_1", CreatorID: "creator_1"})

	hired, err := p.MarkHired(context.Background(), "opp_1", "creator_1")
	require.NoError(t, err)
	require.True(t, hired)

	hired, err = p.MarkHired(context.Background(), "opp_1", "creator_1")
	require.NoError(t, err)
	require.False(t, hired)

	hired, err = p.MarkHired(context.Background(), "opp_1", "creator_2")
	require.NoError(t, err)
	require.False(t, hired)
}
