package settlement

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ContractStatus string

const (
	ContractStatusDraft     ContractStatus = "draft"
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCancelled ContractStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

type OpportunityStatus string

const (
	OpportunityStatusOpen   OpportunityStatus = "open"
	OpportunityStatusFilled OpportunityStatus = "filled"
)

type ApplicationStatus string

const (
	ApplicationStatusApplied ApplicationStatus = "applied"
	ApplicationStatusHired   ApplicationStatus = "hired"
)

type EventStatus string

const (
	EventStatusProcessing EventStatus = "processing"
	EventStatusApplied    EventStatus = "applied"
	EventStatusFailed     EventStatus = "failed"
)

// Contract is created by the upstream hiring flow in draft state. The
// settlement pipeline is the only writer allowed to move it to active or
// cancelled.
type Contract struct {
	ID                  string         `gorm:"column:id;primaryKey"`
	OpportunityID       string         `gorm:"column:opportunity_id;index"`
	CreatorID           string         `gorm:"column:creator_id;index;not null"`
	Status              ContractStatus `gorm:"column:status;default:'draft';not null"`
	TotalAmount         int64          `gorm:"column:total_amount;not null"`
	CreatorPayoutAmount int64          `gorm:"column:creator_payout_amount;not null"`
	CommissionAmount    int64          `gorm:"column:commission_amount;not null"`
	ExternalPaymentRef  string         `gorm:"column:external_payment_ref;uniqueIndex;not null"`
	CreatedAt           time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Contract) TableName() string { return "contracts" }

// PaymentRecord is the durable, auditable payment log. ExternalEventID is the
// idempotency key: at most one record exists per processor event.
type PaymentRecord struct {
	ID               snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false"`
	ContractID       string         `gorm:"column:contract_id;index;not null"`
	Amount           int64          `gorm:"column:amount;not null"`
	PayoutAmount     int64          `gorm:"column:payout_amount;not null"`
	CommissionAmount int64          `gorm:"column:commission_amount;not null"`
	Status           PaymentStatus  `gorm:"column:status;not null"`
	ExternalEventID  string         `gorm:"column:external_event_id;uniqueIndex;not null"`
	ChargeRef        string         `gorm:"column:charge_ref;index"`
	EarningsCredited bool           `gorm:"column:earnings_credited;default:false;not null"`
	Metadata         datatypes.JSON `gorm:"column:metadata"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// CreatorEarnings is the single contended row of the pipeline. Version backs
// the optimistic-concurrency write path in the aggregator.
type CreatorEarnings struct {
	CreatorID     string    `gorm:"column:creator_id;primaryKey"`
	TotalEarnings int64     `gorm:"column:total_earnings;not null"`
	Version       int64     `gorm:"column:version;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (CreatorEarnings) TableName() string { return "creator_earnings" }

type Opportunity struct {
	ID                string            `gorm:"column:id;primaryKey"`
	Status            OpportunityStatus `gorm:"column:status;default:'open';not null"`
	SelectedCreatorID string            `gorm:"column:selected_creator_id"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Opportunity) TableName() string { return "opportunities" }

type Application struct {
	OpportunityID string            `gorm:"column:opportunity_id;primaryKey"`
	CreatorID     string            `gorm:"column:creator_id;primaryKey"`
	Status        ApplicationStatus `gorm:"column:status;default:'applied';not null"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Application) TableName() string { return "applications" }

// WebhookEvent is the idempotency ledger. A row is written in processing
// state before any downstream mutation and advanced to applied only after
// every sub-step has succeeded.
type WebhookEvent struct {
	EventID    string         `gorm:"column:event_id;primaryKey"`
	EventType  string         `gorm:"column:event_type;not null"`
	Status     EventStatus    `gorm:"column:status;not null"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	LastError  string         `gorm:"column:last_error"`
	ReceivedAt time.Time      `gorm:"column:received_at;not null"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Models lists every table the pipeline owns, in migration order.
func Models() []any {
	return []any{
		&Contract{},
		&PaymentRecord{},
		&CreatorEarnings{},
		&Opportunity{},
		&Application{},
		&WebhookEvent{},
	}
}
