package settlement

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type nowFunc func() time.Time

func defaultNow() time.Time { return time.Now() }

// ErrCreditContention is returned when every optimistic attempt lost its
// version check. The caller treats it as transient and lets the delivery
// retry.
var ErrCreditContention = errors.New("earnings credit lost version race on every attempt")

// EarningsAggregator maintains the running total per creator. Writes are
// optimistic: read the row, compute the new total, and update conditioned on
// the version observed. A lost race re-reads and tries again up to maxRetries.
type EarningsAggregator struct {
	db         *gorm.DB
	maxRetries int
	backoff    time.Duration
	now        nowFunc
}

func NewEarningsAggregator(gdb *gorm.DB, maxRetries int, backoff time.Duration) *EarningsAggregator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &EarningsAggregator{
		db:         gdb,
		maxRetries: maxRetries,
		backoff:    backoff,
		now:        defaultNow,
	}
}

// Credit adds amount to the creator's total and returns the new total.
func (a *EarningsAggregator) Credit(ctx context.Context, creatorID string, amount int64) (int64, error) {
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, attempt); err != nil {
				return 0, err
			}
		}

		var row CreatorEarnings
		err := a.db.WithContext(ctx).
			Where("creator_id = ?", creatorID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created, cerr := a.createRow(ctx, creatorID, amount)
			if cerr != nil {
				return 0, cerr
			}
			if created {
				return amount, nil
			}
			// Lost the insert race to another worker, re-read and retry.
			continue
		}
		if err != nil {
			return 0, err
		}

		newTotal := row.TotalEarnings + amount
		res := a.db.WithContext(ctx).
			Model(&CreatorEarnings{}).
			Where("creator_id = ? AND version = ?", creatorID, row.Version).
			Updates(map[string]any{
				"total_earnings": newTotal,
				"version":        row.Version + 1,
				"updated_at":     a.now().UTC(),
			})
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected > 0 {
			return newTotal, nil
		}
	}
	return 0, ErrCreditContention
}

func (a *EarningsAggregator) createRow(ctx context.Context, creatorID string, amount int64) (bool, error) {
	row := CreatorEarnings{
		CreatorID:     creatorID,
		TotalEarnings: amount,
		Version:       1,
		UpdatedAt:     a.now().UTC(),
	}
	res := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "creator_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// sleep waits a jittered multiple of the base backoff, bailing out early if
// the request context expires.
func (a *EarningsAggregator) sleep(ctx context.Context, attempt int) error {
	if a.backoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(attempt) * a.backoff
	d += time.Duration(rand.Int63n(int64(a.backoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
