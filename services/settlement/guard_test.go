package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creatorhub-settlement/services/testutil"
)

func TestGuardFreshClaim(t *testing.T) {
	gdb := testutil.NewTestDB(t, &WebhookEvent{})
	guard := NewIdempotencyGuard(gdb, 2*time.Minute)

	ev, payload := succeededEvent("evt_1", "pi_1")
	res, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.Equal(t, BeginFresh, res)

	var row WebhookEvent
	require.NoError(t, gdb.First(&row, "event_id = ?", "evt_1").Error)
	require.Equal(t, EventStatusProcessing, row.Status)
	require.Equal(t, EventTypePaymentSucceeded, row.EventType)
}

func TestGuardDuplicateWhileProcessing(t *testing.T) {
	gdb := testutil.NewTestDB(t, &WebhookEvent{})
	guard := NewIdempotencyGuard(gdb, 2*time.Minute)

	ev, payload := succeededEvent("evt_1", "pi_1")
	_, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)

	res, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.Equal(t, BeginInProgress, res)
}

func TestGuardAlreadyApplied(t *testing.T) {
	gdb := testutil.NewTestDB(t, &WebhookEvent{})
	guard := NewIdempotencyGuard(gdb, 2*time.Minute)

	ev, payload := succeededEvent("evt_1", "pi_1")
	_, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.NoError(t, guard.MarkApplied(context.Background(), "evt_1"))

	res, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.Equal(t, BeginAlreadyApplied, res)
}

func TestGuardReclaimsFailedEvent(t *testing.T) {
	gdb := testutil.NewTestDB(t, &WebhookEvent{})
	guard := NewIdempotencyGuard(gdb, 2*time.Minute)

	ev, payload := succeededEvent("evt_1", "pi_1")
	_, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.NoError(t, guard.MarkFailed(context.Background(), "evt_1", "db unavailable"))

	res, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.Equal(t, BeginFresh, res)

	var row WebhookEvent
	require.NoError(t, gdb.First(&row, "event_id = ?", "evt_1").Error)
	require.Equal(t, EventStatusProcessing, row.Status)
	require.Empty(t, row.LastError)
}

func TestGuardTakesOverStaleClaim(t *testing.T) {
	gdb := testutil.NewTestDB(t, &WebhookEvent{})
	guard := NewIdempotencyGuard(gdb, 2*time.Minute)

	ev, payload := succeededEvent("evt_1", "pi_1")
	_, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)

	// The second attempt runs as if the first worker died hours ago.
	guard.now = func() time.Time { return time.Now().Add(3 * time.Hour) }

	res, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.Equal(t, BeginFresh, res)
}

func TestGuardMarkFailedOnlyTouchesProcessing(t *testing.T) {
	gdb := testutil.NewTestDB(t, &WebhookEvent{})
	guard := NewIdempotencyGuard(gdb, 2*time.Minute)

	ev, payload := succeededEvent("evt_1", "pi_1")
	_, err := guard.TryBeginProcessing(context.Background(), ev, payload)
	require.NoError(t, err)
	require.NoError(t, guard.MarkApplied(context.Background(), "evt_1"))

	require.NoError(t, guard.MarkFailed(context.Background(), "evt_1", "late failure"))

	var row WebhookEvent
	require.NoError(t, gdb.First(&row, "event_id = ?", "evt_1").Error)
	require.Equal(t, EventStatusApplied, row.Status)
}
