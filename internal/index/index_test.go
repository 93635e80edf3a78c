package index

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Product{}, &types.TraceRecord{}, &types.ChainSubmission{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testEnv struct {
	ledger      *chain.MemLedger
	index       Index
	productRepo repos.ProductRepo
	traceRepo   repos.TraceRepo
	db          *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	log := logger.NewNop()
	ledger := chain.NewMemLedger()
	productRepo := repos.NewProductRepo(db, log)
	traceRepo := repos.NewTraceRepo(db, log)
	ix := NewIndex(log, ledger, productRepo, traceRepo, nil)
	return &testEnv{ledger: ledger, index: ix, productRepo: productRepo, traceRepo: traceRepo, db: db}
}

func submitConfirmed(t *testing.T, ledger *chain.MemLedger, op chain.Op, productID string, payload interface{}) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	txHash, err := ledger.Submit(context.Background(), chain.Tx{
		Key:       chain.KeyFor(op, productID, raw),
		Op:        op,
		ProductID: productID,
		Payload:   raw,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := ledger.AwaitConfirmation(context.Background(), txHash, time.Second); err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	return txHash
}

func registerProduct(t *testing.T, ledger *chain.MemLedger, productID string) string {
	t.Helper()
	return submitConfirmed(t, ledger, chain.OpRegisterProduct, productID, chain.RegisterPayload{
		Name:             "Malabar Pepper",
		Batch:            "B-7",
		Manufacturer:     "Spice Co",
		OriginRegion:     "Kerala, India",
		HarvestTimestamp: 1735689600,
		RegisteredBy:     "producer@example.com",
	})
}

func TestVerifyFallsBackToLedgerAndRepairsProjection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txHash := registerProduct(t, env.ledger, "PEP-001")

	// Nothing indexed yet. Verify must read through to the ledger.
	snapshot, err := env.index.Verify(ctx, "PEP-001")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if snapshot.Product.Name != "Malabar Pepper" || snapshot.Status != types.StatusFarm {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.TxHash != txHash {
		t.Fatalf("snapshot tx = %s, want %s", snapshot.TxHash, txHash)
	}

	// The fallback must have left a projection row behind.
	product, err := env.productRepo.GetByProductID(ctx, nil, "PEP-001")
	if err != nil {
		t.Fatalf("GetByProductID: %v", err)
	}
	if product == nil {
		t.Fatalf("projection not repaired")
	}
}

func TestVerifyUnknownProduct(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.index.Verify(context.Background(), "GHOST"); !errors.Is(err, proverr.ErrNotFound) {
		t.Fatalf("Verify(unknown) = %v, want NotFound", err)
	}
}

func TestGetTracesOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registerProduct(t, env.ledger, "PEP-002")

	// Two entries share a timestamp; confirmation order breaks the tie.
	stages := []struct {
		stage string
		ts    int64
	}{
		{"Harvested", 100},
		{"Dried", 200},
		{"Graded", 200},
		{"Packed", 300},
	}
	for _, s := range stages {
		submitConfirmed(t, env.ledger, chain.OpAddTrace, "PEP-002", chain.TracePayload{
			Stage:     s.stage,
			Company:   "Spice Co",
			Timestamp: s.ts,
		})
	}

	traces, err := env.index.GetTraces(ctx, "PEP-002")
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	got := make([]string, 0, len(traces))
	for _, tr := range traces {
		got = append(got, tr.Stage)
	}
	want := []string{"Harvested", "Dried", "Graded", "Packed"}
	if len(got) != len(want) {
		t.Fatalf("trace count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace order = %v, want %v", got, want)
		}
	}

	// Re-read is stable.
	again, err := env.index.GetTraces(ctx, "PEP-002")
	if err != nil {
		t.Fatalf("GetTraces again: %v", err)
	}
	if len(again) != len(traces) {
		t.Fatalf("repeated read differs: %d vs %d", len(again), len(traces))
	}
}

func TestRebuildFromLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registerProduct(t, env.ledger, "PEP-003")
	registerProduct(t, env.ledger, "PEP-004")
	submitConfirmed(t, env.ledger, chain.OpAddTrace, "PEP-003", chain.TracePayload{Stage: "Harvested", Timestamp: 1})

	if _, err := env.index.Verify(ctx, "PEP-003"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Simulate projection loss.
	if err := env.traceRepo.DeleteAll(ctx, nil); err != nil {
		t.Fatalf("DeleteAll traces: %v", err)
	}
	if err := env.productRepo.DeleteAll(ctx, nil); err != nil {
		t.Fatalf("DeleteAll products: %v", err)
	}

	if err := env.index.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	products, err := env.index.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("rebuilt product count = %d, want 2", len(products))
	}
	traces, err := env.index.GetTraces(ctx, "PEP-003")
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	if len(traces) != 1 || traces[0].Stage != "Harvested" {
		t.Fatalf("rebuilt traces wrong: %+v", traces)
	}
}

func TestRefreshProductPicksUpStatusChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registerProduct(t, env.ledger, "PEP-005")
	if _, err := env.index.Verify(ctx, "PEP-005"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	submitConfirmed(t, env.ledger, chain.OpUpdateStatus, "PEP-005", chain.StatusPayload{From: "Farm", To: "Processing"})

	snapshot, err := env.index.RefreshProduct(ctx, "PEP-005")
	if err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if snapshot.Status != types.StatusProcessing {
		t.Fatalf("status = %s, want Processing", snapshot.Status)
	}
}
