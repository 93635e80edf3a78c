package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spicetrace/spicetrace-backend/internal/authz"
	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/requestdata"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

func openServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&types.User{}, &types.UserToken{},
		&types.Product{}, &types.TraceRecord{}, &types.ChainSubmission{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func ctxWithRole(role types.Role, email string) context.Context {
	return requestdata.WithRequestData(context.Background(), &requestdata.RequestData{
		TokenString: "test-token",
		UserID:      uuid.New(),
		Subject:     email,
		Role:        string(role),
	})
}

type provEnv struct {
	ledger      *chain.MemLedger
	productRepo repos.ProductRepo
	service     ProvenanceService
}

func newProvEnv(t *testing.T) *provEnv {
	t.Helper()
	db := openServiceDB(t)
	log := logger.NewNop()
	gate, err := authz.NewGate()
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	ledger := chain.NewMemLedger()
	productRepo := repos.NewProductRepo(db, log)
	submissionRepo := repos.NewSubmissionRepo(db, log)
	service := NewProvenanceService(db, log, gate, ledger, productRepo, submissionRepo)
	return &provEnv{ledger: ledger, productRepo: productRepo, service: service}
}

func (pe *provEnv) mustConfirm(t *testing.T, txHash string) {
	t.Helper()
	if _, err := pe.ledger.AwaitConfirmation(context.Background(), txHash, time.Second); err != nil {
		t.Fatalf("AwaitConfirmation(%s): %v", txHash, err)
	}
}

func (pe *provEnv) register(t *testing.T, productID string) *SubmissionResult {
	t.Helper()
	result, err := pe.service.RegisterProduct(ctxWithRole(types.RoleProducer, "producer@example.com"), RegisterProductInput{
		ProductID:    productID,
		Name:         "Kashmiri Saffron",
		Batch:        "LOT-9",
		Manufacturer: "Saffron Fields",
		OriginRegion: "Pampore, Kashmir",
	})
	if err != nil {
		t.Fatalf("RegisterProduct: %v", err)
	}
	pe.mustConfirm(t, result.TxHash)
	return result
}

func TestRegisterProduct(t *testing.T) {
	env := newProvEnv(t)

	result := env.register(t, "SAF-2025-001")
	if result.Status != ResultPending {
		t.Fatalf("status = %s, want pending", result.Status)
	}
	if result.TxHash == "" || result.IdempotencyKey == "" {
		t.Fatalf("missing tx hash or key: %+v", result)
	}

	state, err := env.ledger.ReadProduct(context.Background(), "SAF-2025-001")
	if err != nil {
		t.Fatalf("ReadProduct: %v", err)
	}
	if state.Status != "Farm" {
		t.Fatalf("initial status = %s, want Farm", state.Status)
	}
	if state.RegisteredBy != "producer@example.com" {
		t.Fatalf("registered_by = %s", state.RegisteredBy)
	}
}

func TestRegisterProductRoleGate(t *testing.T) {
	env := newProvEnv(t)
	for _, role := range []types.Role{types.RoleSeller, types.RoleConsumer} {
		_, err := env.service.RegisterProduct(ctxWithRole(role, "x@example.com"), RegisterProductInput{
			ProductID: "SAF-2025-002",
			Name:      "Saffron",
		})
		if !errors.Is(err, proverr.ErrUnauthorized) {
			t.Fatalf("role %s: err = %v, want Unauthorized", role, err)
		}
	}
	// Admin registration is allowed by policy.
	if _, err := env.service.RegisterProduct(ctxWithRole(types.RoleAdmin, "admin@example.com"), RegisterProductInput{
		ProductID: "SAF-2025-002",
		Name:      "Saffron",
	}); err != nil {
		t.Fatalf("admin register: %v", err)
	}
}

func TestRegisterProductDuplicate(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-003")

	_, err := env.service.RegisterProduct(ctxWithRole(types.RoleProducer, "other@example.com"), RegisterProductInput{
		ProductID: "SAF-2025-003",
		Name:      "Impostor Saffron",
	})
	if !errors.Is(err, proverr.ErrDuplicateProduct) {
		t.Fatalf("err = %v, want DuplicateProduct", err)
	}
}

func TestRegisterProductDuplicateCaughtByIndex(t *testing.T) {
	env := newProvEnv(t)

	// Product known only to the local projection, as after an index rebuild
	// against a chain backend that is currently unreachable.
	if err := env.productRepo.Upsert(context.Background(), nil, &types.Product{
		ProductID:     "SAF-2025-004",
		Name:          "Kashmiri Saffron",
		Status:        types.StatusFarm,
		LastIndexedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	_, err := env.service.RegisterProduct(ctxWithRole(types.RoleProducer, "producer@example.com"), RegisterProductInput{
		ProductID: "SAF-2025-004",
		Name:      "Impostor Saffron",
	})
	if !errors.Is(err, proverr.ErrDuplicateProduct) {
		t.Fatalf("err = %v, want DuplicateProduct from the index preflight", err)
	}
}

func TestStatusLifecycle(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-004")
	producer := ctxWithRole(types.RoleProducer, "producer@example.com")
	seller := ctxWithRole(types.RoleSeller, "seller@example.com")

	result, err := env.service.UpdateStatus(producer, UpdateStatusInput{ProductID: "SAF-2025-004", Status: "Processing"})
	if err != nil {
		t.Fatalf("Farm->Processing: %v", err)
	}
	env.mustConfirm(t, result.TxHash)

	result, err = env.service.UpdateStatus(seller, UpdateStatusInput{ProductID: "SAF-2025-004", Status: "Shipped"})
	if err != nil {
		t.Fatalf("Processing->Shipped: %v", err)
	}
	env.mustConfirm(t, result.TxHash)

	result, err = env.service.UpdateStatus(seller, UpdateStatusInput{ProductID: "SAF-2025-004", Status: "Delivered"})
	if err != nil {
		t.Fatalf("Shipped->Delivered: %v", err)
	}
	env.mustConfirm(t, result.TxHash)

	state, err := env.ledger.ReadProduct(context.Background(), "SAF-2025-004")
	if err != nil {
		t.Fatalf("ReadProduct: %v", err)
	}
	if state.Status != "Delivered" {
		t.Fatalf("final status = %s, want Delivered", state.Status)
	}

	// Delivered is terminal.
	if _, err := env.service.UpdateStatus(seller, UpdateStatusInput{ProductID: "SAF-2025-004", Status: "Farm"}); !errors.Is(err, proverr.ErrInvalidTransition) {
		t.Fatalf("Delivered->Farm err = %v, want InvalidTransition", err)
	}
}

func TestStatusTransitionRules(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-005")

	// Skipping a stage is impossible regardless of role, and the pair check
	// wins over the role check.
	_, err := env.service.UpdateStatus(ctxWithRole(types.RoleConsumer, "c@example.com"), UpdateStatusInput{ProductID: "SAF-2025-005", Status: "Delivered"})
	if !errors.Is(err, proverr.ErrInvalidTransition) {
		t.Fatalf("Farm->Delivered err = %v, want InvalidTransition", err)
	}

	// A valid pair requested by the wrong role is an authorization failure.
	_, err = env.service.UpdateStatus(ctxWithRole(types.RoleConsumer, "c@example.com"), UpdateStatusInput{ProductID: "SAF-2025-005", Status: "Processing"})
	if !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("consumer Farm->Processing err = %v, want Unauthorized", err)
	}

	// Seller cannot perform the producer's transition.
	_, err = env.service.UpdateStatus(ctxWithRole(types.RoleSeller, "s@example.com"), UpdateStatusInput{ProductID: "SAF-2025-005", Status: "Processing"})
	if !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("seller Farm->Processing err = %v, want Unauthorized", err)
	}

	// "InTransit" parses as Shipped.
	_, err = env.service.UpdateStatus(ctxWithRole(types.RoleSeller, "s@example.com"), UpdateStatusInput{ProductID: "SAF-2025-005", Status: "InTransit"})
	if !errors.Is(err, proverr.ErrInvalidTransition) {
		t.Fatalf("Farm->InTransit err = %v, want InvalidTransition (not unknown status)", err)
	}

	if _, err := env.service.UpdateStatus(ctxWithRole(types.RoleProducer, "p@example.com"), UpdateStatusInput{ProductID: "SAF-2025-005", Status: "Mars"}); !errors.Is(err, proverr.ErrInvalidTransition) {
		t.Fatalf("unknown status err = %v, want InvalidTransition", err)
	}

	if _, err := env.service.UpdateStatus(ctxWithRole(types.RoleProducer, "p@example.com"), UpdateStatusInput{ProductID: "GHOST", Status: "Processing"}); !errors.Is(err, proverr.ErrNotFound) {
		t.Fatalf("unknown product err = %v, want NotFound", err)
	}
}

func TestStatusUpdateNoop(t *testing.T) {
	env := newProvEnv(t)
	registered := env.register(t, "SAF-2025-006")

	result, err := env.service.UpdateStatus(ctxWithRole(types.RoleProducer, "p@example.com"), UpdateStatusInput{ProductID: "SAF-2025-006", Status: "Farm"})
	if err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if result.Status != ResultNoop {
		t.Fatalf("status = %s, want noop", result.Status)
	}
	if result.TxHash != registered.TxHash {
		t.Fatalf("noop must return the last confirmed tx, got %s", result.TxHash)
	}
}

func TestStatusUpdateStaleRace(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-007")
	producer := ctxWithRole(types.RoleProducer, "p@example.com")
	if result, err := env.service.UpdateStatus(producer, UpdateStatusInput{ProductID: "SAF-2025-007", Status: "Processing"}); err != nil {
		t.Fatalf("Farm->Processing: %v", err)
	} else {
		env.mustConfirm(t, result.TxHash)
	}

	// Both sellers observed Processing and submit the same transition with
	// their observed state. The ledger serializes them; exactly one wins,
	// the other is stale.
	r1, err := env.service.UpdateStatus(ctxWithRole(types.RoleSeller, "s1@example.com"), UpdateStatusInput{ProductID: "SAF-2025-007", Status: "Shipped", From: "Processing"})
	if err != nil {
		t.Fatalf("seller 1 submit: %v", err)
	}
	r2, err := env.service.UpdateStatus(ctxWithRole(types.RoleSeller, "s2@example.com"), UpdateStatusInput{ProductID: "SAF-2025-007", Status: "Shipped", From: "Processing"})
	if err != nil {
		t.Fatalf("seller 2 submit: %v", err)
	}
	if r1.TxHash == r2.TxHash {
		t.Fatalf("distinct principals must submit distinct transactions")
	}

	_, err1 := env.ledger.AwaitConfirmation(context.Background(), r1.TxHash, time.Second)
	_, err2 := env.ledger.AwaitConfirmation(context.Background(), r2.TxHash, time.Second)
	if err1 == nil && err2 == nil {
		t.Fatalf("both racing transitions confirmed")
	}
	if err1 != nil && err2 != nil {
		t.Fatalf("both racing transitions failed: %v, %v", err1, err2)
	}
	loser := err1
	if loser == nil {
		loser = err2
	}
	if !errors.Is(loser, proverr.ErrStaleState) {
		t.Fatalf("loser err = %v, want StaleState", loser)
	}

	state, err := env.ledger.ReadProduct(context.Background(), "SAF-2025-007")
	if err != nil {
		t.Fatalf("ReadProduct: %v", err)
	}
	if state.Status != "Shipped" {
		t.Fatalf("status = %s, want Shipped", state.Status)
	}
}

func TestAddTrace(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-008")

	result, err := env.service.AddTrace(ctxWithRole(types.RoleProducer, "p@example.com"), AddTraceInput{
		ProductID: "SAF-2025-008",
		Stage:     "Harvested",
		Company:   "Saffron Fields",
		Location:  "Pampore",
		Timestamp: 1735700000,
	})
	if err != nil {
		t.Fatalf("AddTrace: %v", err)
	}
	env.mustConfirm(t, result.TxHash)

	// Consumers have no write path at all.
	_, err = env.service.AddTrace(ctxWithRole(types.RoleConsumer, "c@example.com"), AddTraceInput{
		ProductID: "SAF-2025-008",
		Stage:     "Tampering",
	})
	if !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("consumer trace err = %v, want Unauthorized", err)
	}

	_, err = env.service.AddTrace(ctxWithRole(types.RoleProducer, "p@example.com"), AddTraceInput{
		ProductID: "GHOST",
		Stage:     "Harvested",
	})
	if !errors.Is(err, proverr.ErrNotFound) {
		t.Fatalf("trace on unknown product err = %v, want NotFound", err)
	}

	traces, err := env.ledger.ReadTraces(context.Background(), "SAF-2025-008")
	if err != nil {
		t.Fatalf("ReadTraces: %v", err)
	}
	if len(traces) != 1 || traces[0].Stage != "Harvested" || traces[0].Audit {
		t.Fatalf("unexpected traces: %+v", traces)
	}
}

func TestAdminTraceFlaggedAsAudit(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-009")

	result, err := env.service.AddTrace(ctxWithRole(types.RoleAdmin, "admin@example.com"), AddTraceInput{
		ProductID: "SAF-2025-009",
		Stage:     "Correction",
		Timestamp: 1735700001,
	})
	if err != nil {
		t.Fatalf("admin AddTrace: %v", err)
	}
	env.mustConfirm(t, result.TxHash)

	traces, err := env.ledger.ReadTraces(context.Background(), "SAF-2025-009")
	if err != nil {
		t.Fatalf("ReadTraces: %v", err)
	}
	if len(traces) != 1 || !traces[0].Audit {
		t.Fatalf("admin trace not audit-flagged: %+v", traces)
	}
}

func TestAddTraceIdempotentRetry(t *testing.T) {
	env := newProvEnv(t)
	env.register(t, "SAF-2025-010")
	ctx := ctxWithRole(types.RoleProducer, "p@example.com")
	input := AddTraceInput{
		ProductID: "SAF-2025-010",
		Stage:     "Dried",
		Timestamp: 1735700002,
	}

	first, err := env.service.AddTrace(ctx, input)
	if err != nil {
		t.Fatalf("AddTrace: %v", err)
	}
	second, err := env.service.AddTrace(ctx, input)
	if err != nil {
		t.Fatalf("AddTrace retry: %v", err)
	}
	if first.TxHash != second.TxHash {
		t.Fatalf("retry produced a new tx: %s vs %s", first.TxHash, second.TxHash)
	}

	traces, err := env.ledger.ReadTraces(context.Background(), "SAF-2025-010")
	if err != nil {
		t.Fatalf("ReadTraces: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("retry appended a second trace: %d entries", len(traces))
	}
}

func TestGetSubmission(t *testing.T) {
	env := newProvEnv(t)
	result := env.register(t, "SAF-2025-011")

	submission, err := env.service.GetSubmission(context.Background(), result.TxHash)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if submission.ProductID != "SAF-2025-011" || submission.Operation != string(chain.OpRegisterProduct) {
		t.Fatalf("unexpected submission: %+v", submission)
	}

	if _, err := env.service.GetSubmission(context.Background(), "0xmissing"); !errors.Is(err, proverr.ErrNotFound) {
		t.Fatalf("missing tx err = %v, want NotFound", err)
	}
}

func TestWritesRequirePrincipal(t *testing.T) {
	env := newProvEnv(t)
	if _, err := env.service.RegisterProduct(context.Background(), RegisterProductInput{ProductID: "X", Name: "X"}); !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("register without principal err = %v, want Unauthorized", err)
	}
	if _, err := env.service.UpdateStatus(context.Background(), UpdateStatusInput{ProductID: "X", Status: "Processing"}); !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("update without principal err = %v, want Unauthorized", err)
	}
	if _, err := env.service.AddTrace(context.Background(), AddTraceInput{ProductID: "X", Stage: "S"}); !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("trace without principal err = %v, want Unauthorized", err)
	}
}
