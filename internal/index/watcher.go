package index

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
)

// Watcher resolves pending ledger submissions in the background. Write
// endpoints return a tx hash immediately; the watcher later marks each
// submission confirmed or failed and refreshes the product's projection.
type Watcher struct {
	log            *logger.Logger
	ledger         chain.Ledger
	submissionRepo repos.SubmissionRepo
	index          Index

	interval     time.Duration
	confirmWait  time.Duration
	workers      int
	pendingLimit int
}

type WatcherConfig struct {
	Interval     time.Duration
	ConfirmWait  time.Duration
	Workers      int
	PendingLimit int
}

func NewWatcher(
	log *logger.Logger,
	ledger chain.Ledger,
	submissionRepo repos.SubmissionRepo,
	ix Index,
	cfg WatcherConfig,
) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 64
	}
	return &Watcher{
		log:            log.With("service", "ConfirmationWatcher"),
		ledger:         ledger,
		submissionRepo: submissionRepo,
		index:          ix,
		interval:       cfg.Interval,
		confirmWait:    cfg.ConfirmWait,
		workers:        cfg.Workers,
		pendingLimit:   cfg.PendingLimit,
	}
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.log.Warn("sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep resolves one batch of pending submissions. Exported so tests and
// startup recovery can drive the watcher synchronously.
func (w *Watcher) Sweep(ctx context.Context) error {
	pending, err := w.submissionRepo.ListPending(ctx, nil, w.pendingLimit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.workers)
	for _, submission := range pending {
		sub := submission
		group.Go(func() error {
			w.resolve(groupCtx, sub.TxHash, sub.ProductID)
			return nil
		})
	}
	return group.Wait()
}

func (w *Watcher) resolve(ctx context.Context, txHash, productID string) {
	receipt, err := w.ledger.AwaitConfirmation(ctx, txHash, w.confirmWait)
	switch {
	case err == nil && receipt.Confirmed:
		if markErr := w.submissionRepo.MarkConfirmed(ctx, nil, txHash, receipt.BlockRef, time.Now().UTC()); markErr != nil {
			w.log.Error("mark confirmed failed", "tx_hash", txHash, "error", markErr)
			return
		}
		if _, refreshErr := w.index.RefreshProduct(ctx, productID); refreshErr != nil {
			w.log.Warn("projection refresh failed", "product_id", productID, "error", refreshErr)
		}
		w.log.Info("submission confirmed", "tx_hash", txHash, "product_id", productID, "block_ref", receipt.BlockRef)

	case errors.Is(err, proverr.ErrChainTimeout):
		// Outcome unknown. Leave the row pending; the next sweep retries.
		w.log.Debug("confirmation still pending", "tx_hash", txHash)

	case err != nil:
		reason := receipt.Reason
		if reason == "" {
			reason = err.Error()
		}
		if markErr := w.submissionRepo.MarkFailed(ctx, nil, txHash, reason); markErr != nil {
			w.log.Error("mark failed failed", "tx_hash", txHash, "error", markErr)
			return
		}
		// A rejection can still mean the product moved on under a racing
		// writer, so the projection gets refreshed regardless.
		if _, refreshErr := w.index.RefreshProduct(ctx, productID); refreshErr != nil && !errors.Is(refreshErr, proverr.ErrNotFound) {
			w.log.Warn("projection refresh failed", "product_id", productID, "error", refreshErr)
		}
		w.log.Info("submission rejected", "tx_hash", txHash, "product_id", productID, "reason", reason)

	default:
		// Receipt present but unconfirmed without an error should not
		// happen; treat it as still pending.
		w.log.Warn("unconfirmed receipt without error", "tx_hash", txHash)
	}
}
