package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

type TraceRepo interface {
	Append(ctx context.Context, tx *gorm.DB, traces []*types.TraceRecord) error
	GetByProductID(ctx context.Context, tx *gorm.DB, productID string) ([]types.TraceRecord, error)
	DeleteByProductID(ctx context.Context, tx *gorm.DB, productID string) error
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type traceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTraceRepo(db *gorm.DB, baseLog *logger.Logger) TraceRepo {
	repoLog := baseLog.With("repo", "TraceRepo")
	return &traceRepo{db: db, log: repoLog}
}

// Append inserts confirmed trace rows. tx_hash is unique per entry, so
// replaying the same confirmation is a no-op rather than a duplicate row.
func (tr *traceRepo) Append(ctx context.Context, tx *gorm.DB, traces []*types.TraceRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	if len(traces) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}},
			DoNothing: true,
		}).
		Create(&traces).Error
}

// GetByProductID returns the trace list ordered by timestamp, with ledger
// confirmation order breaking ties. Reads have no side effects; repeating
// the call returns the same sequence absent new writes.
func (tr *traceRepo) GetByProductID(ctx context.Context, tx *gorm.DB, productID string) ([]types.TraceRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	var results []types.TraceRecord
	if err := transaction.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("timestamp ASC").
		Order("confirm_seq ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (tr *traceRepo) DeleteByProductID(ctx context.Context, tx *gorm.DB, productID string) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	return transaction.WithContext(ctx).
		Where("product_id = ?", productID).
		Delete(&types.TraceRecord{}).Error
}

func (tr *traceRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}
	return transaction.WithContext(ctx).
		Where("1 = 1").
		Delete(&types.TraceRecord{}).Error
}
