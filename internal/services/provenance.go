package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/spicetrace/spicetrace-backend/internal/authz"
	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/requestdata"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

// RegisterProductInput is the caller-supplied registration record. All
// fields except ProductID and Name are optional metadata.
type RegisterProductInput struct {
	ProductID        string `json:"product_id"`
	Name             string `json:"name"`
	Batch            string `json:"batch"`
	Manufacturer     string `json:"manufacturer"`
	OriginRegion     string `json:"origin_region"`
	HarvestTimestamp int64  `json:"harvest_timestamp"`
}

// UpdateStatusInput requests one lifecycle transition. From is the status
// the caller last observed; when set, the service submits against it without
// re-reading the chain, and the ledger rejects the write as stale if the
// product has moved on. When empty the service reads the current status
// itself.
type UpdateStatusInput struct {
	ProductID string `json:"product_id"`
	Status    string `json:"status"`
	From      string `json:"from,omitempty"`
}

type AddTraceInput struct {
	ProductID string `json:"product_id"`
	Stage     string `json:"stage"`
	Company   string `json:"company"`
	Location  string `json:"location"`
	Timestamp int64  `json:"timestamp"`
}

const (
	ResultPending = "pending"
	ResultNoop    = "noop"
)

// SubmissionResult is what write endpoints return: the tx hash to poll and
// the idempotency key to resubmit with after a fault. Status "noop" means
// the requested state already holds and nothing was submitted.
type SubmissionResult struct {
	TxHash         string `json:"tx_hash"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Status         string `json:"status"`
}

type ProvenanceService interface {
	RegisterProduct(ctx context.Context, input RegisterProductInput) (*SubmissionResult, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*SubmissionResult, error)
	AddTrace(ctx context.Context, input AddTraceInput) (*SubmissionResult, error)
	GetSubmission(ctx context.Context, txHash string) (*types.ChainSubmission, error)
}

type provenanceService struct {
	db             *gorm.DB
	log            *logger.Logger
	gate           *authz.Gate
	ledger         chain.Ledger
	productRepo    repos.ProductRepo
	submissionRepo repos.SubmissionRepo
}

func NewProvenanceService(
	db *gorm.DB,
	log *logger.Logger,
	gate *authz.Gate,
	ledger chain.Ledger,
	productRepo repos.ProductRepo,
	submissionRepo repos.SubmissionRepo,
) ProvenanceService {
	serviceLog := log.With("service", "ProvenanceService")
	return &provenanceService{
		db:             db,
		log:            serviceLog,
		gate:           gate,
		ledger:         ledger,
		productRepo:    productRepo,
		submissionRepo: submissionRepo,
	}
}

func (ps *provenanceService) principal(ctx context.Context) (*requestdata.RequestData, types.Role, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return nil, "", fmt.Errorf("%w: no authenticated principal", proverr.ErrUnauthorized)
	}
	role, ok := types.ParseRole(rd.Role)
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown role %q", proverr.ErrUnauthorized, rd.Role)
	}
	return rd, role, nil
}

func (ps *provenanceService) RegisterProduct(ctx context.Context, input RegisterProductInput) (*SubmissionResult, error) {
	rd, role, err := ps.principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := ps.gate.Allow(role, authz.OpRegisterProduct); err != nil {
		return nil, err
	}
	input.ProductID = strings.TrimSpace(input.ProductID)
	input.Name = strings.TrimSpace(input.Name)
	if input.ProductID == "" {
		return nil, fmt.Errorf("product_id is required")
	}
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	// Duplicate preflight: the local projection first, then the
	// authoritative record. The ledger still enforces write-once if a racing
	// registration slips past both checks.
	indexed, err := ps.productRepo.Exists(ctx, nil, input.ProductID)
	if err != nil {
		return nil, fmt.Errorf("check product projection: %w", err)
	}
	if indexed {
		return nil, fmt.Errorf("%w: product %s", proverr.ErrDuplicateProduct, input.ProductID)
	}
	if _, err := ps.ledger.ReadProduct(ctx, input.ProductID); err == nil {
		return nil, fmt.Errorf("%w: product %s", proverr.ErrDuplicateProduct, input.ProductID)
	}

	payload, err := json.Marshal(chain.RegisterPayload{
		Name:             input.Name,
		Batch:            input.Batch,
		Manufacturer:     input.Manufacturer,
		OriginRegion:     input.OriginRegion,
		HarvestTimestamp: input.HarvestTimestamp,
		RegisteredBy:     rd.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal register payload: %w", err)
	}
	key := chain.KeyFor(chain.OpRegisterProduct, input.ProductID, payload)
	return ps.submit(ctx, chain.Tx{
		Key:       key,
		Op:        chain.OpRegisterProduct,
		ProductID: input.ProductID,
		Payload:   payload,
		Sender:    rd.Subject,
	})
}

func (ps *provenanceService) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*SubmissionResult, error) {
	rd, role, err := ps.principal(ctx)
	if err != nil {
		return nil, err
	}
	productID := strings.TrimSpace(input.ProductID)
	if productID == "" {
		return nil, fmt.Errorf("product_id is required")
	}
	to, ok := types.ParseStatus(strings.TrimSpace(input.Status))
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", proverr.ErrInvalidTransition, input.Status)
	}

	var from types.Status
	if observed := strings.TrimSpace(input.From); observed != "" {
		from, ok = types.ParseStatus(observed)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", proverr.ErrInvalidTransition, observed)
		}
	} else {
		state, err := ps.ledger.ReadProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		from = types.Status(state.Status)

		// Requesting the state that already holds is a safe no-op, not an
		// invalid transition.
		if from == to {
			return &SubmissionResult{TxHash: state.LastTxHash, Status: ResultNoop}, nil
		}
	}
	if err := ps.gate.AllowTransition(role, from, to); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(chain.StatusPayload{From: string(from), To: string(to)})
	if err != nil {
		return nil, fmt.Errorf("marshal status payload: %w", err)
	}
	// The sender is folded into the key so two principals racing the same
	// transition submit distinct transactions; the ledger then rejects the
	// loser with a stale-status refusal.
	keyMaterial := append(append([]byte{}, payload...), []byte("|"+rd.Subject)...)
	key := chain.KeyFor(chain.OpUpdateStatus, productID, keyMaterial)
	return ps.submit(ctx, chain.Tx{
		Key:       key,
		Op:        chain.OpUpdateStatus,
		ProductID: productID,
		Payload:   payload,
		Sender:    rd.Subject,
	})
}

func (ps *provenanceService) AddTrace(ctx context.Context, input AddTraceInput) (*SubmissionResult, error) {
	rd, role, err := ps.principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := ps.gate.Allow(role, authz.OpAddTrace); err != nil {
		return nil, err
	}
	input.ProductID = strings.TrimSpace(input.ProductID)
	input.Stage = strings.TrimSpace(input.Stage)
	if input.ProductID == "" {
		return nil, fmt.Errorf("product_id is required")
	}
	if input.Stage == "" {
		return nil, fmt.Errorf("stage is required")
	}
	if input.Timestamp == 0 {
		input.Timestamp = time.Now().Unix()
	}

	if _, err := ps.ledger.ReadProduct(ctx, input.ProductID); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(chain.TracePayload{
		Stage:      input.Stage,
		Company:    input.Company,
		Location:   input.Location,
		Timestamp:  input.Timestamp,
		RecordedBy: rd.Subject,
		Audit:      ps.gate.IsAuditAppend(role),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal trace payload: %w", err)
	}
	key := chain.KeyFor(chain.OpAddTrace, input.ProductID, payload)
	return ps.submit(ctx, chain.Tx{
		Key:       key,
		Op:        chain.OpAddTrace,
		ProductID: input.ProductID,
		Payload:   payload,
		Sender:    rd.Subject,
	})
}

// submit answers retries from the submission table first, then hands the
// transaction to the ledger and records it as pending for the watcher.
func (ps *provenanceService) submit(ctx context.Context, tx chain.Tx) (*SubmissionResult, error) {
	existing, err := ps.submissionRepo.GetByIdempotencyKey(ctx, nil, tx.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup submission: %w", err)
	}
	if existing != nil {
		return &SubmissionResult{
			TxHash:         existing.TxHash,
			IdempotencyKey: existing.IdempotencyKey,
			Status:         existing.Status,
		}, nil
	}

	txHash, err := ps.ledger.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	submission := &types.ChainSubmission{
		TxHash:         txHash,
		IdempotencyKey: tx.Key,
		ProductID:      tx.ProductID,
		Operation:      string(tx.Op),
		Payload:        datatypes.JSON(tx.Payload),
		SubmittedBy:    tx.Sender,
		Status:         types.SubmissionPending,
	}
	if err := ps.submissionRepo.Create(ctx, nil, submission); err != nil {
		// The ledger accepted the write; losing the tracking row must not
		// fail the request. The watcher will never resolve it, but the key
		// still answers retries through the ledger's own idempotency.
		ps.log.Error("record submission failed", "tx_hash", txHash, "error", err)
	}
	ps.log.Info("submitted to ledger",
		"operation", string(tx.Op),
		"product_id", tx.ProductID,
		"tx_hash", txHash,
	)
	return &SubmissionResult{
		TxHash:         txHash,
		IdempotencyKey: tx.Key,
		Status:         ResultPending,
	}, nil
}

func (ps *provenanceService) GetSubmission(ctx context.Context, txHash string) (*types.ChainSubmission, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fmt.Errorf("tx_hash is required")
	}
	submission, err := ps.submissionRepo.GetByTxHash(ctx, nil, txHash)
	if err != nil {
		return nil, err
	}
	if submission == nil {
		return nil, fmt.Errorf("%w: transaction %s", proverr.ErrNotFound, txHash)
	}
	return submission, nil
}
