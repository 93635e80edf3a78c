package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SubmissionPending   = "pending"
	SubmissionConfirmed = "confirmed"
	SubmissionFailed    = "failed"
)

// ChainSubmission tracks one ledger submission from the moment it leaves the
// provenance service until the confirmation watcher resolves it. The row
// exists so callers can poll an outcome and so retries with the same
// idempotency key can be answered with the original tx hash.
type ChainSubmission struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"-"`
	TxHash         string         `gorm:"uniqueIndex;not null;column:tx_hash" json:"tx_hash"`
	IdempotencyKey string         `gorm:"uniqueIndex;not null;column:idempotency_key" json:"idempotency_key"`
	ProductID      string         `gorm:"index;not null;column:product_id" json:"product_id"`
	Operation      string         `gorm:"not null;column:operation" json:"operation"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"-"`
	SubmittedBy    string         `gorm:"column:submitted_by" json:"submitted_by"`
	Status         string         `gorm:"not null;default:pending;column:status" json:"status"`
	BlockRef       uint64         `gorm:"column:block_ref" json:"block_ref"`
	Reason         string         `gorm:"column:reason" json:"reason,omitempty"`
	ConfirmedAt    *time.Time     `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"-"`
}

func (ChainSubmission) TableName() string {
	return "chain_submission"
}

func (cs *ChainSubmission) BeforeCreate(tx *gorm.DB) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	return nil
}
