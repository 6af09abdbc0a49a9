package storage

import (
	"context"
	"fmt"
	"sync"
)

// txStatus mirrors §3's Transaction status enum.
type txStatus int

const (
	txOpen txStatus = iota
	txCommitted
	txAborted
)

// pendingWrite is the staged value for a key; a nil Value with Delete=true
// models the optional-bytes "None == delete" semantics from §3.
type pendingWrite struct {
	Value  []byte
	Delete bool
}

// Transaction stages writes/deletes in a per-transaction buffer until
// Commit or Rollback. Two concurrent transactions touching disjoint keys
// may both commit; overlapping keys are serialized last-writer-wins in the
// order in which Commit calls take the engine's commit lock. The tx-id does
// not affect that order.
type Transaction struct {
	id     int64
	engine *Engine

	mu     sync.Mutex
	status txStatus
	writes map[string]*pendingWrite
	order  []string // preserves per-key staging order for this tx, unused across txs
}

// ID returns the monotone transaction identifier.
func (t *Transaction) ID() int64 { return t.id }

// Begin starts a new transaction over this engine.
func (e *Engine) Begin(ctx context.Context) (*Transaction, error) {
	id := e.txSeq.Add(1)
	return &Transaction{
		id:     id,
		engine: e,
		status: txOpen,
		writes: make(map[string]*pendingWrite),
	}, nil
}

// Write stages a write into the transaction buffer.
func (t *Transaction) Write(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != txOpen {
		return fmt.Errorf("transaction %d is not open", t.id)
	}
	if _, exists := t.writes[key]; !exists {
		t.order = append(t.order, key)
	}
	cp := append([]byte(nil), value...)
	t.writes[key] = &pendingWrite{Value: cp}
	return nil
}

// Delete stages a delete into the transaction buffer.
func (t *Transaction) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != txOpen {
		return fmt.Errorf("transaction %d is not open", t.id)
	}
	if _, exists := t.writes[key]; !exists {
		t.order = append(t.order, key)
	}
	t.writes[key] = &pendingWrite{Delete: true}
	return nil
}

// Commit applies all staged operations in a single logical step. Commits
// across transactions are serialized by the engine's commit mutex so that,
// for overlapping keys, the transaction whose Commit call acquires the lock
// last determines the final value (last-writer-wins, commit-order-determined).
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.status != txOpen {
		t.mu.Unlock()
		return fmt.Errorf("transaction %d is not open", t.id)
	}
	writes := t.writes
	order := t.order
	t.status = txCommitted
	t.mu.Unlock()

	t.engine.txMu.Lock()
	defer t.engine.txMu.Unlock()

	for _, key := range order {
		op := writes[key]
		if op.Delete {
			if err := t.engine.Delete(ctx, key); err != nil {
				return fmt.Errorf("commit tx %d: delete %q: %w", t.id, key, err)
			}
			continue
		}
		if err := t.engine.Write(ctx, key, op.Value); err != nil {
			return fmt.Errorf("commit tx %d: write %q: %w", t.id, key, err)
		}
	}
	return nil
}

// Rollback discards the staged buffer without touching the device.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != txOpen {
		return fmt.Errorf("transaction %d is not open", t.id)
	}
	t.status = txAborted
	t.writes = nil
	t.order = nil
	return nil
}
