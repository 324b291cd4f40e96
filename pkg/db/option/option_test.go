package option

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type row struct {
	ID        string
	Status    string
	CreatedAt int64
}

func dryRunSQL(t *testing.T, opts ...QueryOption) string {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		DryRun: true,
	})
	require.NoError(t, err)

	q := db.Model(&row{})
	for _, opt := range opts {
		q = opt(q)
	}

	var rows []*row
	stmt := q.Find(&rows).Statement
	return stmt.SQL.String()
}

func TestApplyOperator(t *testing.T) {
	sql := dryRunSQL(t, ApplyOperator(Condition{Field: "status", Operator: EQ, Value: "open"}))
	require.Contains(t, sql, "status = ?")

	// Incomplete conditions must not leak into the query.
	sql = dryRunSQL(t, ApplyOperator(Condition{Value: "open"}))
	require.NotContains(t, sql, "WHERE")
}

func TestWithSortBy(t *testing.T) {
	sql := dryRunSQL(t, WithSortBy(QuerySortBy{SortBy: "status", OrderBy: "desc", Allow: map[string]bool{"status": true}}))
	require.Contains(t, sql, "ORDER BY status DESC")

	// Columns outside the allow-list fall back to created_at.
	sql = dryRunSQL(t, WithSortBy(QuerySortBy{SortBy: "id", Allow: map[string]bool{"status": true}}))
	require.Contains(t, sql, "ORDER BY created_at ASC")

	sql = dryRunSQL(t, WithSortBy(QuerySortBy{OrderBy: "ASC"}))
	require.Contains(t, sql, "ORDER BY created_at ASC")
}

func TestWithLimit(t *testing.T) {
	sql := dryRunSQL(t, WithLimit(500))
	require.Contains(t, sql, "LIMIT")

	sql = dryRunSQL(t, WithLimit(0))
	require.NotContains(t, sql, "LIMIT")
}
