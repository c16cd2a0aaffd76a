// Package chain executes ledger calls as transactions and exposes their
// receipts. Local runs a ledger in-process; EVM talks to a deployed
// collateral contract over JSON-RPC. Both satisfy the relay's view of a
// chain: look up a receipt by hash and read the head block.
package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/collateral-bridge/internal/model"
)

// Receipt status values.
const (
	StatusFailed     uint64 = 0
	StatusSuccessful uint64 = 1
)

// Receipt is the outcome of one transaction.
type Receipt struct {
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	From        common.Address `json:"from"`
	Method      string         `json:"method"`
	Status      uint64         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Events      []model.Event  `json:"events"`
}

// Succeeded reports whether the transaction executed without error.
func (r *Receipt) Succeeded() bool { return r.Status == StatusSuccessful }

// Local is an in-process chain. Every Submit mines one block holding one
// transaction, so a ledger behind it is serially consistent.
type Local struct {
	id  model.ChainID
	now func() time.Time

	txMu sync.Mutex // one transaction at a time

	evMu    sync.Mutex
	pending []model.Event

	mu         sync.RWMutex
	height     uint64
	receipts   map[common.Hash]*Receipt
	downstream model.EventSink
}

// LocalOption customises a Local chain.
type LocalOption func(*Local)

// WithDownstream sets where events of successful transactions go once
// they carry a tx hash and block number.
func WithDownstream(sink model.EventSink) LocalOption {
	return func(c *Local) { c.downstream = sink }
}

// WithChainClock sets the block timestamp source.
func WithChainClock(clock func() time.Time) LocalOption {
	return func(c *Local) { c.now = clock }
}

// NewLocal creates an empty chain.
func NewLocal(id model.ChainID, opts ...LocalOption) *Local {
	c := &Local{
		id:         id,
		now:        time.Now,
		receipts:   make(map[common.Hash]*Receipt),
		downstream: model.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the chain id.
func (c *Local) ID() model.ChainID { return c.id }

// Emit collects a ledger event into the running transaction. Ledgers
// behind a Local chain use it as their sink.
func (c *Local) Emit(ev model.Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	c.pending = append(c.pending, ev)
}

// Submit runs fn as a transaction from from. A failing fn still mines a
// block with a failed receipt, like a reverted transaction; its error is
// returned alongside.
func (c *Local) Submit(from common.Address, method string, fn func() error) (*Receipt, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	c.evMu.Lock()
	c.pending = nil
	c.evMu.Unlock()

	callErr := fn()

	c.evMu.Lock()
	events := c.pending
	c.pending = nil
	c.evMu.Unlock()

	c.mu.Lock()
	c.height++
	block := c.height
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], block)
	rcpt := &Receipt{
		TxHash:      crypto.Keccak256Hash([]byte(c.id), n[:], from.Bytes(), []byte(method)),
		BlockNumber: block,
		From:        from,
		Method:      method,
		Status:      StatusSuccessful,
	}
	if callErr != nil {
		rcpt.Status = StatusFailed
		rcpt.Error = callErr.Error()
	} else {
		ts := c.now().UTC()
		for i := range events {
			events[i].TxHash = rcpt.TxHash
			events[i].BlockNumber = block
			if events[i].Timestamp.IsZero() {
				events[i].Timestamp = ts
			}
		}
		rcpt.Events = events
	}
	c.receipts[rcpt.TxHash] = rcpt
	c.mu.Unlock()

	if callErr != nil {
		return rcpt, callErr
	}
	for _, ev := range rcpt.Events {
		c.downstream.Emit(ev)
	}
	return rcpt, nil
}

// Receipt returns the receipt of a mined transaction.
func (c *Local) Receipt(_ context.Context, hash common.Hash) (*Receipt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("chain %s tx %s: %w", c.id, hash.Hex(), model.ErrTxNotFound)
	}
	cp := *r
	cp.Events = append([]model.Event(nil), r.Events...)
	return &cp, nil
}

// Head returns the latest block number.
func (c *Local) Head(_ context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height, nil
}

// Mine appends n empty blocks.
func (c *Local) Mine(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}
