package state

import (
	"bytes"
	"errors"
	"sort"

	"github.com/holiman/uint256"

	"shopchain/core/types"
	"shopchain/crypto"
)

var (
	ErrTxnClosed        = errors.New("state: transaction already committed or discarded")
	ErrAlreadyProcessed = errors.New("state: transaction already processed")
)

// Txn is a copy-on-read overlay over the Manager. Accounts returned by Account
// are working copies; nothing reaches storage until Commit writes every
// modified account in a single batch.
type Txn struct {
	manager  *Manager
	original map[crypto.Identity]*types.Account
	working  map[crypto.Identity]*types.Account
	digest   []byte
	closed   bool
}

func (t *Txn) load(id crypto.Identity) (*types.Account, error) {
	if acc, ok := t.working[id]; ok {
		return acc, nil
	}
	stored, err := t.manager.GetAccount(id)
	if err != nil {
		return nil, err
	}
	t.original[id] = stored
	t.working[id] = stored.Clone()
	return t.working[id], nil
}

// Account returns the mutable working copy of id.
func (t *Txn) Account(id crypto.Identity) (*types.Account, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	return t.load(id)
}

// MarkProcessed records digest as committed by this overlay. The record is
// written in the same batch as the account changes. Callers must hold the
// account locks of the transaction so concurrent copies serialise here.
func (t *Txn) MarkProcessed(digest []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	seen, err := t.manager.Processed(digest)
	if err != nil {
		return err
	}
	if seen {
		return ErrAlreadyProcessed
	}
	t.digest = append([]byte(nil), digest...)
	return nil
}

// Modified reports whether the working copy of id differs from storage.
func (t *Txn) Modified(id crypto.Identity) bool {
	before, ok := t.original[id]
	if !ok {
		return false
	}
	after := t.working[id]
	return before.Lamports != after.Lamports ||
		before.Owner != after.Owner ||
		!bytes.Equal(before.Data, after.Data)
}

// Touched lists every account loaded through the overlay in byte order.
func (t *Txn) Touched() []crypto.Identity {
	ids := make([]crypto.Identity, 0, len(t.working))
	for id := range t.working {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// LamportTotals sums the lamports of every touched account before and after
// the pending changes.
func (t *Txn) LamportTotals() (before, after *uint256.Int) {
	before, after = new(uint256.Int), new(uint256.Int)
	for id, acc := range t.working {
		before.Add(before, uint256.NewInt(t.original[id].Lamports))
		after.Add(after, uint256.NewInt(acc.Lamports))
	}
	return before, after
}

// Commit writes every modified account atomically and closes the overlay.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	batch := t.manager.db.NewBatch()
	for _, id := range t.Touched() {
		if !t.Modified(id) {
			continue
		}
		acc := t.working[id]
		key := accountStateKey(id)
		if acc.IsEmpty() {
			batch.Delete(key)
			continue
		}
		encoded, err := encodeAccount(acc)
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
	}
	if t.digest != nil {
		batch.Put(processedKey(t.digest), []byte{1})
	}
	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			return err
		}
	}
	t.closed = true
	return nil
}

// Discard drops all pending changes.
func (t *Txn) Discard() {
	t.closed = true
	t.working = nil
	t.original = nil
}
