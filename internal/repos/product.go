package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

type ProductRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, product *types.Product) error
	GetByProductID(ctx context.Context, tx *gorm.DB, productID string) (*types.Product, error)
	Exists(ctx context.Context, tx *gorm.DB, productID string) (bool, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.Product, error)
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type productRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProductRepo(db *gorm.DB, baseLog *logger.Logger) ProductRepo {
	repoLog := baseLog.With("repo", "ProductRepo")
	return &productRepo{db: db, log: repoLog}
}

// Upsert refreshes the projection row for one product. Conflicts key on
// product_id: the projection always converges to the latest confirmed chain
// state, registration metadata included (it never changes on-chain anyway).
func (pr *productRepo) Upsert(ctx context.Context, tx *gorm.DB, product *types.Product) error {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "last_tx_hash", "last_block_ref", "last_indexed_at", "updated_at",
			}),
		}).
		Create(product).Error
}

func (pr *productRepo) GetByProductID(ctx context.Context, tx *gorm.DB, productID string) (*types.Product, error) {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}
	var result types.Product
	if err := transaction.WithContext(ctx).
		Where("product_id = ?", productID).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (pr *productRepo) Exists(ctx context.Context, tx *gorm.DB, productID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.Product{}).
		Where("product_id = ?", productID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (pr *productRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.Product, error) {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}
	var results []*types.Product
	if err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (pr *productRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}
	return transaction.WithContext(ctx).
		Where("1 = 1").
		Delete(&types.Product{}).Error
}
