package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spicetrace/spicetrace-backend/internal/proverr"
)

// MemLedger is an in-process ledger with the same contract semantics as the
// on-chain registry: write-once products, optimistic status transitions,
// append-only traces, idempotent submission by key. It backs
// CHAIN_BACKEND=memory for local development and every test that needs a
// chain.
type MemLedger struct {
	mu       sync.Mutex
	seq      uint64
	products  map[string]*ProductState
	traces    map[string][]TraceEvent
	byKey     map[string]string
	keyByHash map[string]string
	receipts  map[string]Receipt
	events    []Event

	// Latency delays confirmation visibility so callers exercise the
	// pending window. Zero means receipts are visible immediately.
	Latency time.Duration

	confirmedAt map[string]time.Time
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		products:    make(map[string]*ProductState),
		traces:      make(map[string][]TraceEvent),
		byKey:       make(map[string]string),
		keyByHash:   make(map[string]string),
		receipts:    make(map[string]Receipt),
		confirmedAt: make(map[string]time.Time),
	}
}

// Submit accepts the transaction and applies it in acceptance order, which
// for this single-node ledger is also confirmation order. A resubmission
// with a known idempotency key returns the original tx hash and applies
// nothing.
func (m *MemLedger) Submit(ctx context.Context, tx Tx) (string, error) {
	if tx.Key == "" {
		return "", fmt.Errorf("memledger: missing idempotency key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[tx.Key]; ok {
		return existing, nil
	}
	txHash := memTxHash(tx.Key)
	m.byKey[tx.Key] = txHash
	m.keyByHash[txHash] = tx.Key

	m.seq++
	receipt := Receipt{TxHash: txHash, BlockRef: m.seq}
	if reason := m.apply(tx, txHash); reason != "" {
		receipt.Reason = reason
	} else {
		receipt.Confirmed = true
	}
	m.receipts[txHash] = receipt
	m.confirmedAt[txHash] = time.Now().Add(m.Latency)
	return txHash, nil
}

// apply validates against current ledger state and mutates it. Returns a
// rejection reason, or "" when the write landed.
func (m *MemLedger) apply(tx Tx, txHash string) string {
	switch tx.Op {
	case OpRegisterProduct:
		if _, ok := m.products[tx.ProductID]; ok {
			return ReasonProductExists
		}
		var p RegisterPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return "malformed register payload"
		}
		m.products[tx.ProductID] = &ProductState{
			ProductID:        tx.ProductID,
			Name:             p.Name,
			Batch:            p.Batch,
			Manufacturer:     p.Manufacturer,
			OriginRegion:     p.OriginRegion,
			HarvestTimestamp: p.HarvestTimestamp,
			Status:           "Farm",
			RegisteredBy:     p.RegisteredBy,
			RegistrationTx:   txHash,
			LastTxHash:       txHash,
			LastBlockRef:     m.seq,
		}
	case OpUpdateStatus:
		prod, ok := m.products[tx.ProductID]
		if !ok {
			return ReasonProductNotFound
		}
		var p StatusPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return "malformed status payload"
		}
		if prod.Status != p.From {
			return ReasonStaleStatus
		}
		prod.Status = p.To
		prod.LastTxHash = txHash
		prod.LastBlockRef = m.seq
	case OpAddTrace:
		prod, ok := m.products[tx.ProductID]
		if !ok {
			return ReasonProductNotFound
		}
		var p TracePayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return "malformed trace payload"
		}
		m.traces[tx.ProductID] = append(m.traces[tx.ProductID], TraceEvent{
			ProductID:  tx.ProductID,
			Stage:      p.Stage,
			Company:    p.Company,
			Location:   p.Location,
			Timestamp:  p.Timestamp,
			RecordedBy: p.RecordedBy,
			Audit:      p.Audit,
			TxHash:     txHash,
			Seq:        m.seq,
		})
		prod.LastTxHash = txHash
		prod.LastBlockRef = m.seq
	default:
		return fmt.Sprintf("unknown operation %q", tx.Op)
	}
	m.events = append(m.events, Event{
		Seq:       m.seq,
		TxHash:    txHash,
		BlockRef:  m.seq,
		Op:        tx.Op,
		ProductID: tx.ProductID,
		Payload:   append(json.RawMessage(nil), tx.Payload...),
	})
	return ""
}

func (m *MemLedger) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		receipt, ok := m.receipts[txHash]
		visibleAt := m.confirmedAt[txHash]
		m.mu.Unlock()
		if ok && !time.Now().Before(visibleAt) {
			if !receipt.Confirmed {
				return receipt, RejectionError(receipt.Reason)
			}
			return receipt, nil
		}
		if time.Now().After(deadline) {
			m.mu.Lock()
			key := m.keyByHash[txHash]
			m.mu.Unlock()
			// A known submission times out with its idempotency key so the
			// caller can re-poll or resubmit safely.
			if key != "" {
				return Receipt{TxHash: txHash}, proverr.Timeout(key)
			}
			return Receipt{TxHash: txHash}, fmt.Errorf("%w: %s not confirmed within %s", proverr.ErrChainTimeout, txHash, timeout)
		}
		select {
		case <-ctx.Done():
			return Receipt{TxHash: txHash}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MemLedger) ReadProduct(ctx context.Context, productID string) (*ProductState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prod, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", proverr.ErrNotFound, productID)
	}
	cp := *prod
	return &cp, nil
}

func (m *MemLedger) ReadTraces(ctx context.Context, productID string) ([]TraceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return nil, fmt.Errorf("%w: product %s", proverr.ErrNotFound, productID)
	}
	out := make([]TraceEvent, len(m.traces[productID]))
	copy(out, m.traces[productID])
	return out, nil
}

func (m *MemLedger) Events(ctx context.Context, fromSeq uint64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func memTxHash(key string) string {
	sum := sha256.Sum256([]byte("memledger:" + key))
	return "0x" + hex.EncodeToString(sum[:])
}
