package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

type SubmissionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, submission *types.ChainSubmission) error
	GetByTxHash(ctx context.Context, tx *gorm.DB, txHash string) (*types.ChainSubmission, error)
	GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*types.ChainSubmission, error)
	ListPending(ctx context.Context, tx *gorm.DB, limit int) ([]*types.ChainSubmission, error)
	MarkConfirmed(ctx context.Context, tx *gorm.DB, txHash string, blockRef uint64, confirmedAt time.Time) error
	MarkFailed(ctx context.Context, tx *gorm.DB, txHash string, reason string) error
}

type submissionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSubmissionRepo(db *gorm.DB, baseLog *logger.Logger) SubmissionRepo {
	repoLog := baseLog.With("repo", "SubmissionRepo")
	return &submissionRepo{db: db, log: repoLog}
}

// Create records a pending submission. The idempotency key is unique, so a
// retry that already went out resolves to the existing row instead of a
// second insert.
func (sr *submissionRepo) Create(ctx context.Context, tx *gorm.DB, submission *types.ChainSubmission) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(submission).Error
}

func (sr *submissionRepo) GetByTxHash(ctx context.Context, tx *gorm.DB, txHash string) (*types.ChainSubmission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var result types.ChainSubmission
	if err := transaction.WithContext(ctx).
		Where("tx_hash = ?", txHash).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (sr *submissionRepo) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*types.ChainSubmission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var result types.ChainSubmission
	if err := transaction.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (sr *submissionRepo) ListPending(ctx context.Context, tx *gorm.DB, limit int) ([]*types.ChainSubmission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	query := transaction.WithContext(ctx).
		Where("status = ?", types.SubmissionPending).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var results []*types.ChainSubmission
	if err := query.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *submissionRepo) MarkConfirmed(ctx context.Context, tx *gorm.DB, txHash string, blockRef uint64, confirmedAt time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	return transaction.WithContext(ctx).
		Model(&types.ChainSubmission{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"status":       types.SubmissionConfirmed,
			"block_ref":    blockRef,
			"confirmed_at": confirmedAt,
		}).Error
}

func (sr *submissionRepo) MarkFailed(ctx context.Context, tx *gorm.DB, txHash string, reason string) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	return transaction.WithContext(ctx).
		Model(&types.ChainSubmission{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"status": types.SubmissionFailed,
			"reason": reason,
		}).Error
}
