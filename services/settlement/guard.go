package settlement

import (
	"context"
	"time"

	"creatorhub-settlement/pkg/db"
	"creatorhub-settlement/pkg/repository"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BeginResult string

const (
	// BeginFresh means this worker owns the event and must apply it.
	BeginFresh BeginResult = "fresh"
	// BeginAlreadyApplied means the event fully settled earlier.
	BeginAlreadyApplied BeginResult = "already_applied"
	// BeginInProgress means another worker currently holds the event.
	BeginInProgress BeginResult = "in_progress"
)

// IdempotencyGuard serializes processing per event ID through the
// webhook_events table. The processing row is claimed with an insert, so two
// workers racing on the same event resolve at the database, never in memory.
type IdempotencyGuard struct {
	db            *gorm.DB
	events        repository.Repository[WebhookEvent]
	takeoverAfter time.Duration
	now           func() time.Time
}

func NewIdempotencyGuard(gdb *gorm.DB, takeoverAfter time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{
		db:            gdb,
		events:        repository.ProvideStore[WebhookEvent](gdb),
		takeoverAfter: takeoverAfter,
		now:           time.Now,
	}
}

// TryBeginProcessing claims ev for the caller. Exactly one concurrent caller
// per event ID observes BeginFresh; redeliveries of a settled event observe
// BeginAlreadyApplied.
func (g *IdempotencyGuard) TryBeginProcessing(ctx context.Context, ev ProcessorEvent, payload []byte) (BeginResult, error) {
	now := g.now().UTC()
	row := WebhookEvent{
		EventID:    ev.EventID(),
		EventType:  ev.EventType(),
		Status:     EventStatusProcessing,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	err := g.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return BeginFresh, nil
	}
	if !db.IsUniqueViolation(err) {
		return "", err
	}

	existing, err := g.events.FindOne(ctx, &WebhookEvent{EventID: ev.EventID()})
	if err != nil {
		return "", err
	}
	if existing == nil {
		// Row vanished between insert and read. Treat as contended and let
		// the delivery retry.
		return BeginInProgress, nil
	}

	switch existing.Status {
	case EventStatusApplied:
		return BeginAlreadyApplied, nil
	case EventStatusFailed:
		return g.reclaim(ctx, ev.EventID(), EventStatusFailed, time.Time{})
	case EventStatusProcessing:
		if g.takeoverAfter > 0 && existing.UpdatedAt.Before(now.Add(-g.takeoverAfter)) {
			// The previous owner likely crashed mid-apply. Take the claim
			// over with the same conditioned write a fresh claim would use.
			return g.reclaim(ctx, ev.EventID(), EventStatusProcessing, now.Add(-g.takeoverAfter))
		}
		return BeginInProgress, nil
	default:
		return BeginInProgress, nil
	}
}

// reclaim flips an abandoned row back to processing. The WHERE clause repeats
// the observed status (and staleness cutoff, when set) so only one of several
// racing workers wins.
func (g *IdempotencyGuard) reclaim(ctx context.Context, eventID string, from EventStatus, notUpdatedSince time.Time) (BeginResult, error) {
	q := g.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ? AND status = ?", eventID, from)
	if !notUpdatedSince.IsZero() {
		q = q.Where("updated_at < ?", notUpdatedSince)
	}
	res := q.Updates(map[string]any{
		"status":     EventStatusProcessing,
		"last_error": "",
		"updated_at": g.now().UTC(),
	})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return BeginInProgress, nil
	}
	return BeginFresh, nil
}

// MarkApplied records that every downstream effect of the event is durable.
// Must only be called by the worker that observed BeginFresh.
func (g *IdempotencyGuard) MarkApplied(ctx context.Context, eventID string) error {
	return g.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":     EventStatusApplied,
			"updated_at": g.now().UTC(),
		}).Error
}

// MarkFailed releases the claim after a transient failure so a later
// redelivery can reclaim the event.
func (g *IdempotencyGuard) MarkFailed(ctx context.Context, eventID, reason string) error {
	return g.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ? AND status = ?", eventID, EventStatusProcessing).
		Updates(map[string]any{
			"status":     EventStatusFailed,
			"last_error": reason,
			"updated_at": g.now().UTC(),
		}).Error
}
