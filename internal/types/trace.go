package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TraceRecord is one append-only audit entry for a product. Rows are never
// mutated or deleted; ordering is timestamp first, then ledger confirmation
// order (ConfirmSeq) for tie-breaking.
type TraceRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	ProductID       string    `gorm:"index;not null;column:product_id" json:"product_id"`
	Stage           string    `gorm:"not null;column:stage" json:"stage"`
	Company         string    `gorm:"column:company" json:"company"`
	Location        string    `gorm:"column:location" json:"location"`
	Timestamp       int64     `gorm:"not null;column:timestamp" json:"timestamp"`
	RecordedBy      string    `gorm:"column:recorded_by" json:"recorded_by"`
	TxHash          string    `gorm:"uniqueIndex;not null;column:tx_hash" json:"tx_hash"`
	ConfirmSeq      uint64    `gorm:"not null;column:confirm_seq" json:"confirm_seq"`
	AuditCorrection bool      `gorm:"not null;default:false;column:audit_correction" json:"audit_correction"`
	CreatedAt       time.Time `gorm:"not null" json:"-"`
}

func (TraceRecord) TableName() string {
	return "trace_record"
}

func (tr *TraceRecord) BeforeCreate(tx *gorm.DB) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	return nil
}
