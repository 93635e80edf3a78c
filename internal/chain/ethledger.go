package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
)

type EthConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	ChainID         int64
	GasLimit        uint64
}

// EthLedger talks to the ProductRegistry contract over JSON-RPC. One signing
// identity per process; its nonce slots are serialized by the Sequencer so
// concurrent writers never collide.
type EthLedger struct {
	log      *logger.Logger
	client   *ethclient.Client
	abi      abi.ABI
	contract common.Address
	priv     *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	seq      *Sequencer

	mu        sync.Mutex
	byKey     map[string]string
	keyByHash map[string]string
}

func NewEthLedger(log *logger.Logger, cfg EthConfig) (*EthLedger, error) {
	ledgerLog := log.With("component", "EthLedger")
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("missing chain rpc url")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("missing contract address")
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(productRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 300000
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)
	l := &EthLedger{
		log:      ledgerLog,
		client:   client,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		priv:     priv,
		from:     from,
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit:  gasLimit,
		byKey:     make(map[string]string),
		keyByHash: make(map[string]string),
	}
	l.seq = NewSequencer(func(ctx context.Context) (uint64, error) {
		return client.PendingNonceAt(ctx, from)
	})
	ledgerLog.Info("Ethereum ledger ready", "contract", cfg.ContractAddress, "chain_id", cfg.ChainID)
	return l, nil
}

func (l *EthLedger) Submit(ctx context.Context, tx Tx) (string, error) {
	if tx.Key == "" {
		return "", fmt.Errorf("ethledger: missing idempotency key")
	}
	l.mu.Lock()
	if existing, ok := l.byKey[tx.Key]; ok {
		l.mu.Unlock()
		l.log.Debug("Submission already sent for key, reusing tx", "tx_hash", existing)
		return existing, nil
	}
	l.mu.Unlock()

	data, err := l.packCall(tx)
	if err != nil {
		return "", err
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	nonce, release, err := l.seq.Reserve(ctx)
	if err != nil {
		return "", fmt.Errorf("reserve nonce: %w", err)
	}
	rawTx := ethtypes.NewTransaction(nonce, l.contract, big.NewInt(0), l.gasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(rawTx, ethtypes.LatestSignerForChainID(l.chainID), l.priv)
	if err != nil {
		release(false)
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		release(false)
		if strings.Contains(err.Error(), "nonce") {
			l.seq.Reset()
		}
		return "", fmt.Errorf("send tx: %w", err)
	}
	release(true)

	txHash := signedTx.Hash().Hex()
	l.mu.Lock()
	l.byKey[tx.Key] = txHash
	l.keyByHash[txHash] = tx.Key
	l.mu.Unlock()
	l.log.Info("Submitted ledger tx", "tx_hash", txHash, "op", string(tx.Op), "product_id", tx.ProductID, "nonce", nonce)
	return txHash, nil
}

func (l *EthLedger) packCall(tx Tx) ([]byte, error) {
	switch tx.Op {
	case OpRegisterProduct:
		var p RegisterPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode register payload: %w", err)
		}
		return l.abi.Pack("registerProduct", tx.ProductID, p.Name, p.Batch, p.Manufacturer, p.OriginRegion, uint64(p.HarvestTimestamp), p.RegisteredBy)
	case OpUpdateStatus:
		var p StatusPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode status payload: %w", err)
		}
		fromCode, ok := statusToCode(p.From)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", p.From)
		}
		toCode, ok := statusToCode(p.To)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", p.To)
		}
		return l.abi.Pack("updateProductStatus", tx.ProductID, fromCode, toCode)
	case OpAddTrace:
		var p TracePayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode trace payload: %w", err)
		}
		return l.abi.Pack("addTrace", tx.ProductID, p.Stage, p.Company, p.Location, uint64(p.Timestamp), p.RecordedBy, p.Audit)
	default:
		return nil, fmt.Errorf("unknown operation %q", tx.Op)
	}
}

func (l *EthLedger) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == ethtypes.ReceiptStatusSuccessful {
				return Receipt{TxHash: txHash, Confirmed: true, BlockRef: receipt.BlockNumber.Uint64()}, nil
			}
			reason := l.revertReason(ctx, hash, receipt.BlockNumber)
			return Receipt{TxHash: txHash, BlockRef: receipt.BlockNumber.Uint64(), Reason: reason}, RejectionError(reason)
		}
		if time.Now().After(deadline) {
			l.mu.Lock()
			key := l.keyByHash[txHash]
			l.mu.Unlock()
			if key != "" {
				return Receipt{TxHash: txHash}, proverr.Timeout(key)
			}
			return Receipt{TxHash: txHash}, fmt.Errorf("%w: %s not confirmed within %s", proverr.ErrChainTimeout, txHash, timeout)
		}
		select {
		case <-ctx.Done():
			return Receipt{TxHash: txHash}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason replays the transaction as a call at its block to recover the
// contract's revert string. Best effort: nodes without archive state return
// a generic reason.
func (l *EthLedger) revertReason(ctx context.Context, hash common.Hash, blockNumber *big.Int) string {
	tx, _, err := l.client.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return "execution reverted"
	}
	msg := ethereum.CallMsg{
		From:     l.from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	if _, err := l.client.CallContract(ctx, msg, blockNumber); err != nil {
		return err.Error()
	}
	return "execution reverted"
}

func (l *EthLedger) ReadProduct(ctx context.Context, productID string) (*ProductState, error) {
	data, err := l.abi.Pack("getProduct", productID)
	if err != nil {
		return nil, fmt.Errorf("pack getProduct: %w", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		if strings.Contains(err.Error(), ReasonProductNotFound) {
			return nil, fmt.Errorf("%w: product %s", proverr.ErrNotFound, productID)
		}
		return nil, fmt.Errorf("call getProduct: %w", err)
	}
	vals, err := l.abi.Unpack("getProduct", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getProduct: %w", err)
	}
	if len(vals) != 7 {
		return nil, fmt.Errorf("unexpected getProduct result arity %d", len(vals))
	}
	name, _ := vals[0].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: product %s", proverr.ErrNotFound, productID)
	}
	batch, _ := vals[1].(string)
	manufacturer, _ := vals[2].(string)
	origin, _ := vals[3].(string)
	harvest, _ := vals[4].(uint64)
	statusCode, _ := vals[5].(uint8)
	registeredBy, _ := vals[6].(string)
	return &ProductState{
		ProductID:        productID,
		Name:             name,
		Batch:            batch,
		Manufacturer:     manufacturer,
		OriginRegion:     origin,
		HarvestTimestamp: int64(harvest),
		Status:           statusFromCode(statusCode),
		RegisteredBy:     registeredBy,
	}, nil
}

func (l *EthLedger) ReadTraces(ctx context.Context, productID string) ([]TraceEvent, error) {
	countData, err := l.abi.Pack("getTraceCount", productID)
	if err != nil {
		return nil, fmt.Errorf("pack getTraceCount: %w", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: countData}, nil)
	if err != nil {
		if strings.Contains(err.Error(), ReasonProductNotFound) {
			return nil, fmt.Errorf("%w: product %s", proverr.ErrNotFound, productID)
		}
		return nil, fmt.Errorf("call getTraceCount: %w", err)
	}
	vals, err := l.abi.Unpack("getTraceCount", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getTraceCount: %w", err)
	}
	count, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getTraceCount result type")
	}
	n := count.Int64()
	traces := make([]TraceEvent, 0, n)
	for i := int64(0); i < n; i++ {
		data, err := l.abi.Pack("getTrace", productID, big.NewInt(i))
		if err != nil {
			return nil, fmt.Errorf("pack getTrace: %w", err)
		}
		out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
		if err != nil {
			return nil, fmt.Errorf("call getTrace %d: %w", i, err)
		}
		vals, err := l.abi.Unpack("getTrace", out)
		if err != nil {
			return nil, fmt.Errorf("unpack getTrace %d: %w", i, err)
		}
		if len(vals) != 6 {
			return nil, fmt.Errorf("unexpected getTrace result arity %d", len(vals))
		}
		stage, _ := vals[0].(string)
		company, _ := vals[1].(string)
		location, _ := vals[2].(string)
		ts, _ := vals[3].(uint64)
		recordedBy, _ := vals[4].(string)
		audit, _ := vals[5].(bool)
		traces = append(traces, TraceEvent{
			ProductID:  productID,
			Stage:      stage,
			Company:    company,
			Location:   location,
			Timestamp:  int64(ts),
			RecordedBy: recordedBy,
			Audit:      audit,
			Seq:        uint64(i),
		})
	}
	return traces, nil
}

func (l *EthLedger) Events(ctx context.Context, fromSeq uint64) ([]Event, error) {
	fromBlock := new(big.Int).SetUint64(fromSeq >> 16)
	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: fromBlock,
		Addresses: []common.Address{l.contract},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		ev, ok, err := l.decodeLog(lg)
		if err != nil {
			l.log.Warn("Skipping undecodable log", "tx_hash", lg.TxHash.Hex(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		if ev.Seq < fromSeq {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeLog turns a registry log into a replayable Event. Seq packs block
// number and log index so replay order matches confirmation order.
func (l *EthLedger) decodeLog(lg ethtypes.Log) (Event, bool, error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}
	seq := lg.BlockNumber<<16 | uint64(lg.Index)
	base := Event{Seq: seq, TxHash: lg.TxHash.Hex(), BlockRef: lg.BlockNumber}
	switch lg.Topics[0] {
	case l.abi.Events["ProductRegistered"].ID:
		vals, err := l.abi.Events["ProductRegistered"].Inputs.Unpack(lg.Data)
		if err != nil {
			return Event{}, false, err
		}
		productID, _ := vals[0].(string)
		harvest, _ := vals[5].(uint64)
		payload, err := json.Marshal(RegisterPayload{
			Name:             asString(vals[1]),
			Batch:            asString(vals[2]),
			Manufacturer:     asString(vals[3]),
			OriginRegion:     asString(vals[4]),
			HarvestTimestamp: int64(harvest),
			RegisteredBy:     asString(vals[6]),
		})
		if err != nil {
			return Event{}, false, err
		}
		base.Op = OpRegisterProduct
		base.ProductID = productID
		base.Payload = payload
		return base, true, nil
	case l.abi.Events["StatusUpdated"].ID:
		vals, err := l.abi.Events["StatusUpdated"].Inputs.Unpack(lg.Data)
		if err != nil {
			return Event{}, false, err
		}
		productID, _ := vals[0].(string)
		fromCode, _ := vals[1].(uint8)
		toCode, _ := vals[2].(uint8)
		payload, err := json.Marshal(StatusPayload{From: statusFromCode(fromCode), To: statusFromCode(toCode)})
		if err != nil {
			return Event{}, false, err
		}
		base.Op = OpUpdateStatus
		base.ProductID = productID
		base.Payload = payload
		return base, true, nil
	case l.abi.Events["TraceAdded"].ID:
		vals, err := l.abi.Events["TraceAdded"].Inputs.Unpack(lg.Data)
		if err != nil {
			return Event{}, false, err
		}
		productID, _ := vals[0].(string)
		ts, _ := vals[4].(uint64)
		audit, _ := vals[6].(bool)
		payload, err := json.Marshal(TracePayload{
			Stage:      asString(vals[1]),
			Company:    asString(vals[2]),
			Location:   asString(vals[3]),
			Timestamp:  int64(ts),
			RecordedBy: asString(vals[5]),
			Audit:      audit,
		})
		if err != nil {
			return Event{}, false, err
		}
		base.Op = OpAddTrace
		base.ProductID = productID
		base.Payload = payload
		return base, true, nil
	}
	return Event{}, false, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
