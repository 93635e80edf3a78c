package index

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

func newWatcherEnv(t *testing.T, confirmWait time.Duration) (*testEnv, repos.SubmissionRepo, *Watcher) {
	t.Helper()
	env := newTestEnv(t)
	log := logger.NewNop()
	submissionRepo := repos.NewSubmissionRepo(env.db, log)
	watcher := NewWatcher(log, env.ledger, submissionRepo, env.index, WatcherConfig{
		ConfirmWait: confirmWait,
		Workers:     2,
	})
	return env, submissionRepo, watcher
}

func pendingRow(t *testing.T, submissionRepo repos.SubmissionRepo, txHash, key, productID string, op chain.Op) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"op": string(op)})
	err := submissionRepo.Create(context.Background(), nil, &types.ChainSubmission{
		TxHash:         txHash,
		IdempotencyKey: key,
		ProductID:      productID,
		Operation:      string(op),
		Payload:        datatypes.JSON(raw),
		SubmittedBy:    "producer@example.com",
		Status:         types.SubmissionPending,
	})
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}
}

func TestSweepConfirmsAndRefreshes(t *testing.T) {
	env, submissionRepo, watcher := newWatcherEnv(t, time.Second)
	ctx := context.Background()

	raw, _ := json.Marshal(chain.RegisterPayload{Name: "Ceylon Cinnamon", RegisteredBy: "producer@example.com"})
	key := chain.KeyFor(chain.OpRegisterProduct, "CIN-001", raw)
	txHash, err := env.ledger.Submit(ctx, chain.Tx{Key: key, Op: chain.OpRegisterProduct, ProductID: "CIN-001", Payload: raw})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pendingRow(t, submissionRepo, txHash, key, "CIN-001", chain.OpRegisterProduct)

	if err := watcher.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	sub, err := submissionRepo.GetByTxHash(ctx, nil, txHash)
	if err != nil {
		t.Fatalf("GetByTxHash: %v", err)
	}
	if sub == nil || sub.Status != types.SubmissionConfirmed {
		t.Fatalf("submission not confirmed: %+v", sub)
	}
	if sub.ConfirmedAt == nil {
		t.Fatalf("confirmed_at not set")
	}

	product, err := env.productRepo.GetByProductID(ctx, nil, "CIN-001")
	if err != nil {
		t.Fatalf("GetByProductID: %v", err)
	}
	if product == nil || product.Name != "Ceylon Cinnamon" {
		t.Fatalf("projection not refreshed: %+v", product)
	}
}

func TestSweepMarksRejectionsFailed(t *testing.T) {
	env, submissionRepo, watcher := newWatcherEnv(t, time.Second)
	ctx := context.Background()
	registerProduct(t, env.ledger, "CIN-002")

	// A second registration with a fresh key gets refused by the ledger.
	raw, _ := json.Marshal(chain.RegisterPayload{Name: "Impostor", RegisteredBy: "other@example.com"})
	key := chain.KeyFor(chain.OpRegisterProduct, "CIN-002", raw)
	txHash, err := env.ledger.Submit(ctx, chain.Tx{Key: key, Op: chain.OpRegisterProduct, ProductID: "CIN-002", Payload: raw})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pendingRow(t, submissionRepo, txHash, key, "CIN-002", chain.OpRegisterProduct)

	if err := watcher.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	sub, err := submissionRepo.GetByTxHash(ctx, nil, txHash)
	if err != nil {
		t.Fatalf("GetByTxHash: %v", err)
	}
	if sub == nil || sub.Status != types.SubmissionFailed {
		t.Fatalf("submission not failed: %+v", sub)
	}
	if sub.Reason == "" {
		t.Fatalf("rejection reason missing")
	}
}

func TestSweepLeavesUnknownOutcomePending(t *testing.T) {
	_, submissionRepo, watcher := newWatcherEnv(t, 20*time.Millisecond)
	ctx := context.Background()
	pendingRow(t, submissionRepo, "0xunknown", "key-unknown", "CIN-003", chain.OpRegisterProduct)

	if err := watcher.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	sub, err := submissionRepo.GetByTxHash(ctx, nil, "0xunknown")
	if err != nil {
		t.Fatalf("GetByTxHash: %v", err)
	}
	if sub == nil || sub.Status != types.SubmissionPending {
		t.Fatalf("unknown outcome must stay pending: %+v", sub)
	}
}
