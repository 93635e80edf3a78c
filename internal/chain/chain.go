// Package chain wraps the distributed ledger behind a narrow
// submit / await-confirmation / read interface. No business logic lives
// here: role policy and state validation happen above, contract-level
// checks happen on the ledger itself.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spicetrace/spicetrace-backend/internal/proverr"
)

type Op string

const (
	OpRegisterProduct Op = "register_product"
	OpUpdateStatus    Op = "update_status"
	OpAddTrace        Op = "add_trace"
)

// Tx is one logical write headed for the ledger. Key is the caller-supplied
// idempotency key: resubmitting the same Key after a network fault must not
// produce a second on-chain write.
type Tx struct {
	Key       string
	Op        Op
	ProductID string
	Payload   json.RawMessage
	Sender    string
}

// RegisterPayload carries the write-once metadata set at registration.
type RegisterPayload struct {
	Name             string `json:"name"`
	Batch            string `json:"batch"`
	Manufacturer     string `json:"manufacturer"`
	OriginRegion     string `json:"origin_region"`
	HarvestTimestamp int64  `json:"harvest_timestamp"`
	RegisteredBy     string `json:"registered_by"`
}

// StatusPayload carries a transition request. From is the current state the
// caller observed; the ledger rejects the write when the on-chain state has
// moved on (optimistic concurrency).
type StatusPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TracePayload carries one append-only audit entry.
type TracePayload struct {
	Stage      string `json:"stage"`
	Company    string `json:"company"`
	Location   string `json:"location"`
	Timestamp  int64  `json:"timestamp"`
	RecordedBy string `json:"recorded_by"`
	Audit      bool   `json:"audit"`
}

// Receipt is the confirmation outcome for one submitted transaction.
type Receipt struct {
	TxHash    string
	Confirmed bool
	BlockRef  uint64
	Reason    string
}

// ProductState is the authoritative on-chain record for one product.
type ProductState struct {
	ProductID        string
	Name             string
	Batch            string
	Manufacturer     string
	OriginRegion     string
	HarvestTimestamp int64
	Status           string
	RegisteredBy     string
	RegistrationTx   string
	LastTxHash       string
	LastBlockRef     uint64
}

// TraceEvent is one confirmed trace entry read back from the ledger, in
// confirmation order (Seq).
type TraceEvent struct {
	ProductID  string
	Stage      string
	Company    string
	Location   string
	Timestamp  int64
	RecordedBy string
	Audit      bool
	TxHash     string
	Seq        uint64
}

// Event is one confirmed ledger write, used to replay the verification
// index. Seq is globally monotonic in confirmation order.
type Event struct {
	Seq       uint64
	TxHash    string
	BlockRef  uint64
	Op        Op
	ProductID string
	Payload   json.RawMessage
}

// Ledger is the opaque append-only, transaction-confirmable store.
//
// Submit returns as soon as the ledger accepts the transaction for
// inclusion; it does not wait for confirmation. AwaitConfirmation blocks
// until the transaction is final, the ledger refuses it
// (proverr.ErrChainRejected with the ledger's reason), or the deadline
// passes (proverr.ErrChainTimeout - outcome unknown, not necessarily
// unapplied).
type Ledger interface {
	Submit(ctx context.Context, tx Tx) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
	ReadProduct(ctx context.Context, productID string) (*ProductState, error)
	ReadTraces(ctx context.Context, productID string) ([]TraceEvent, error)
	Events(ctx context.Context, fromSeq uint64) ([]Event, error)
}

// KeyFor derives the idempotency key for a logical operation. Deterministic
// over (operation, product, payload) so a client retry after a fault maps to
// the original submission.
func KeyFor(op Op, productID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(productID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Contract-level rejection reasons shared by every ledger implementation.
const (
	ReasonProductExists   = "product already registered"
	ReasonStaleStatus     = "stale product status"
	ReasonProductNotFound = "product not found"
)

// RejectionError maps a ledger refusal onto the error taxonomy. Stale-state
// and duplicate rejections come back as their specific errors so callers can
// distinguish a safe retry-after-reread from a permanent refusal.
func RejectionError(reason string) error {
	switch {
	case strings.Contains(reason, ReasonStaleStatus):
		return fmt.Errorf("%w: %s", proverr.ErrStaleState, reason)
	case strings.Contains(reason, ReasonProductExists):
		return fmt.Errorf("%w: %s", proverr.ErrDuplicateProduct, reason)
	case strings.Contains(reason, ReasonProductNotFound):
		return fmt.Errorf("%w: %s", proverr.ErrNotFound, reason)
	default:
		return proverr.Rejected(reason)
	}
}
