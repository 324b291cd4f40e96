package reconciliation

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AnomalyStatus string

const (
	AnomalyStatusOpen     AnomalyStatus = "open"
	AnomalyStatusResolved AnomalyStatus = "resolved"
)

// Anomaly is a settled-but-wrong event: acknowledged to the processor so it
// stops redelivering, and parked here for an operator to act on.
type Anomaly struct {
	ID        snowflake.ID  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Kind      string        `gorm:"column:kind;index;not null"`
	EventID   string        `gorm:"column:event_id;index;not null"`
	Subject   string        `gorm:"column:subject"`
	Detail    string        `gorm:"column:detail"`
	Status    AnomalyStatus `gorm:"column:status;default:'open';not null"`
	CreatedAt time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

func (Anomaly) TableName() string { return "settlement_anomalies" }

// EarningsDrift reports a creator whose credited payouts no longer match the
// aggregated total.
type EarningsDrift struct {
	CreatorID     string `gorm:"column:creator_id"`
	CreditedSum   int64  `gorm:"column:credited_sum"`
	TotalEarnings int64  `gorm:"column:total_earnings"`
}
