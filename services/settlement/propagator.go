package settlement

import (
	"context"

	"creatorhub-settlement/pkg/repository"

	"gorm.io/gorm"
)

type FillResult string

const (
	FillResultFilled        FillResult = "filled"
	FillResultAlreadyFilled FillResult = "already_filled"
	FillResultNotFound      FillResult = "not_found"
)

// StatusPropagator performs the conditional status flips on contracts,
// opportunities and applications. Every transition repeats the expected
// current state in the WHERE clause, so concurrent writers race at the
// database and at most one observes an affected row.
type StatusPropagator struct {
	db            *gorm.DB
	opportunities repository.Repository[Opportunity]
	now           nowFunc
}

func NewStatusPropagator(gdb *gorm.DB) *StatusPropagator {
	return &StatusPropagator{
		db:            gdb,
		opportunities: repository.ProvideStore[Opportunity](gdb),
		now:           defaultNow,
	}
}

// TransitionContract moves a contract from one status to another. Returns
// false when the contract was not in the expected state, without touching it.
func (p *StatusPropagator) TransitionContract(ctx context.Context, contractID string, from, to ContractStatus) (bool, error) {
	res := p.db.WithContext(ctx).
		Model(&Contract{}).
		Where("id = ? AND status = ?", contractID, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": p.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FillOpportunity closes an open opportunity for the given creator. Losing
// the open check is a normal outcome when two contracts settle against the
// same opportunity; the second settlement keeps its own contract active but
// must not reassign the opportunity.
func (p *StatusPropagator) FillOpportunity(ctx context.Context, opportunityID, creatorID string) (FillResult, error) {
	res := p.db.WithContext(ctx).
		Model(&Opportunity{}).
		Where("id = ? AND status = ?", opportunityID, OpportunityStatusOpen).
		Updates(map[string]any{
			"status":              OpportunityStatusFilled,
			"selected_creator_id": creatorID,
			"updated_at":          p.now().UTC(),
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected > 0 {
		return FillResultFilled, nil
	}
	existing, err := p.opportunities.FindOne(ctx, &Opportunity{ID: opportunityID})
	if err != nil {
		return "", err
	}
	if existing == nil {
		return FillResultNotFound, nil
	}
	return FillResultAlreadyFilled, nil
}

// MarkHired promotes the winning creator's application. Missing or already
// promoted applications are left alone; the caller decides whether that is
// worth flagging.
func (p *StatusPropagator) MarkHired(ctx context.Context, opportunityID, creatorID string) (bool, error) {
	res := p.db.WithContext(ctx).
		Model(&Application{}).
		Where("opportunity_id = ? AND creator_id = ? AND status = ?",
			opportunityID, creatorID, ApplicationStatusApplied).
		Updates(map[string]any{
			"status":     ApplicationStatusHired,
			"updated_at": p.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
