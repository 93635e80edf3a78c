// Package index maintains the off-chain verification projection. The ledger
// stays authoritative; everything here is a disposable read model that can be
// re-derived from confirmed chain events at any time.
package index

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/clients/redis"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

type Index interface {
	Verify(ctx context.Context, productID string) (*types.VerificationSnapshot, error)
	GetTraces(ctx context.Context, productID string) ([]types.TraceRecord, error)
	ListProducts(ctx context.Context) ([]*types.Product, error)
	RefreshProduct(ctx context.Context, productID string) (*types.VerificationSnapshot, error)
	Rebuild(ctx context.Context) error
}

type index struct {
	log         *logger.Logger
	ledger      chain.Ledger
	productRepo repos.ProductRepo
	traceRepo   repos.TraceRepo
	cache       redis.SnapshotCache
	group       singleflight.Group
}

// NewIndex builds the read model. cache may be nil; lookups then go straight
// to the projection tables.
func NewIndex(
	log *logger.Logger,
	ledger chain.Ledger,
	productRepo repos.ProductRepo,
	traceRepo repos.TraceRepo,
	cache redis.SnapshotCache,
) Index {
	return &index{
		log:         log.With("service", "VerificationIndex"),
		ledger:      ledger,
		productRepo: productRepo,
		traceRepo:   traceRepo,
		cache:       cache,
	}
}

// Verify returns the consumer-facing snapshot for one product. Lookup order
// is cache, projection tables, then the ledger itself; a ledger fallback also
// repairs the projection so the next read is local. Concurrent misses for the
// same product collapse into one upstream read.
func (ix *index) Verify(ctx context.Context, productID string) (*types.VerificationSnapshot, error) {
	if ix.cache != nil {
		cached, err := ix.cache.Get(ctx, productID)
		if err != nil {
			ix.log.Warn("snapshot cache read failed", "product_id", productID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	result, err, _ := ix.group.Do(productID, func() (interface{}, error) {
		product, err := ix.productRepo.GetByProductID(ctx, nil, productID)
		if err != nil {
			return nil, fmt.Errorf("load product projection: %w", err)
		}
		if product == nil {
			// Not indexed yet (or projection wiped). The ledger decides
			// whether the product exists at all.
			return ix.refresh(ctx, productID)
		}
		traces, err := ix.traceRepo.GetByProductID(ctx, nil, productID)
		if err != nil {
			return nil, fmt.Errorf("load trace projection: %w", err)
		}
		snapshot := &types.VerificationSnapshot{
			Product:       *product,
			Status:        product.Status,
			Traces:        traces,
			TxHash:        product.LastTxHash,
			LastIndexedAt: product.LastIndexedAt,
		}
		if ix.cache != nil {
			if err := ix.cache.Set(ctx, snapshot); err != nil {
				ix.log.Warn("snapshot cache write failed", "product_id", productID, "error", err)
			}
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.VerificationSnapshot), nil
}

// GetTraces returns the append-only trace list, ordered by event timestamp
// with ledger confirmation order breaking ties. Repeating the call without
// new confirmations returns the same sequence.
func (ix *index) GetTraces(ctx context.Context, productID string) ([]types.TraceRecord, error) {
	product, err := ix.productRepo.GetByProductID(ctx, nil, productID)
	if err != nil {
		return nil, fmt.Errorf("load product projection: %w", err)
	}
	if product == nil {
		if _, err := ix.refresh(ctx, productID); err != nil {
			return nil, err
		}
	}
	return ix.traceRepo.GetByProductID(ctx, nil, productID)
}

func (ix *index) ListProducts(ctx context.Context) ([]*types.Product, error) {
	return ix.productRepo.List(ctx, nil)
}

// RefreshProduct re-reads one product from the ledger and rewrites its
// projection rows and cache entry. The watcher calls this after every
// confirmation.
func (ix *index) RefreshProduct(ctx context.Context, productID string) (*types.VerificationSnapshot, error) {
	result, err, _ := ix.group.Do("refresh:"+productID, func() (interface{}, error) {
		return ix.refresh(ctx, productID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.VerificationSnapshot), nil
}

func (ix *index) refresh(ctx context.Context, productID string) (*types.VerificationSnapshot, error) {
	state, err := ix.ledger.ReadProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	events, err := ix.ledger.ReadTraces(ctx, productID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	product := &types.Product{
		ProductID:        state.ProductID,
		Name:             state.Name,
		Batch:            state.Batch,
		Manufacturer:     state.Manufacturer,
		OriginRegion:     state.OriginRegion,
		HarvestTimestamp: state.HarvestTimestamp,
		Status:           types.Status(state.Status),
		RegisteredBy:     state.RegisteredBy,
		RegistrationTx:   state.RegistrationTx,
		LastTxHash:       state.LastTxHash,
		LastBlockRef:     state.LastBlockRef,
		LastIndexedAt:    now,
	}
	if err := ix.productRepo.Upsert(ctx, nil, product); err != nil {
		return nil, fmt.Errorf("upsert product projection: %w", err)
	}

	records := make([]*types.TraceRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, &types.TraceRecord{
			ProductID:       ev.ProductID,
			Stage:           ev.Stage,
			Company:         ev.Company,
			Location:        ev.Location,
			Timestamp:       ev.Timestamp,
			RecordedBy:      ev.RecordedBy,
			TxHash:          ev.TxHash,
			ConfirmSeq:      ev.Seq,
			AuditCorrection: ev.Audit,
		})
	}
	if err := ix.traceRepo.Append(ctx, nil, records); err != nil {
		return nil, fmt.Errorf("append trace projection: %w", err)
	}

	traces, err := ix.traceRepo.GetByProductID(ctx, nil, productID)
	if err != nil {
		return nil, fmt.Errorf("load trace projection: %w", err)
	}
	snapshot := &types.VerificationSnapshot{
		Product:       *product,
		Status:        product.Status,
		Traces:        traces,
		TxHash:        product.LastTxHash,
		LastIndexedAt: now,
	}
	if ix.cache != nil {
		if err := ix.cache.Set(ctx, snapshot); err != nil {
			ix.log.Warn("snapshot cache write failed", "product_id", productID, "error", err)
		}
	}
	return snapshot, nil
}

// Rebuild wipes the projection and re-derives it from the full confirmed
// event history. Safe to run at startup or after detecting drift.
func (ix *index) Rebuild(ctx context.Context) error {
	events, err := ix.ledger.Events(ctx, 0)
	if err != nil {
		return fmt.Errorf("read ledger events: %w", err)
	}

	if err := ix.traceRepo.DeleteAll(ctx, nil); err != nil {
		return fmt.Errorf("clear trace projection: %w", err)
	}
	if err := ix.productRepo.DeleteAll(ctx, nil); err != nil {
		return fmt.Errorf("clear product projection: %w", err)
	}

	seen := make(map[string]bool)
	productIDs := make([]string, 0)
	for _, ev := range events {
		if !seen[ev.ProductID] {
			seen[ev.ProductID] = true
			productIDs = append(productIDs, ev.ProductID)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, productID := range productIDs {
		id := productID
		group.Go(func() error {
			if _, err := ix.refresh(groupCtx, id); err != nil {
				return fmt.Errorf("rebuild %s: %w", id, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	ix.log.Info("projection rebuilt", "products", len(productIDs), "events", len(events))
	return nil
}
