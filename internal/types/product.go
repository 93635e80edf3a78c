package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Product is the indexed projection of one on-chain product record. The
// ledger is the system of record; this row is rebuildable at any time.
// ProductID and the registration metadata are write-once.
type Product struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	ProductID        string    `gorm:"uniqueIndex;not null;column:product_id" json:"product_id"`
	Name             string    `gorm:"not null;column:name" json:"name"`
	Batch            string    `gorm:"column:batch" json:"batch"`
	Manufacturer     string    `gorm:"column:manufacturer" json:"manufacturer"`
	OriginRegion     string    `gorm:"column:origin_region" json:"origin_region"`
	HarvestTimestamp int64     `gorm:"column:harvest_timestamp" json:"harvest_timestamp"`
	Status           Status    `gorm:"not null;column:status" json:"status"`
	RegisteredBy     string    `gorm:"column:registered_by" json:"registered_by"`
	RegistrationTx   string    `gorm:"column:registration_tx" json:"registration_tx"`
	LastTxHash       string    `gorm:"column:last_tx_hash" json:"last_tx_hash"`
	LastBlockRef     uint64    `gorm:"column:last_block_ref" json:"last_block_ref"`
	LastIndexedAt    time.Time `gorm:"column:last_indexed_at" json:"last_indexed_at"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

func (Product) TableName() string {
	return "product"
}

func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
