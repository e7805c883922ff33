package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/storage"
)

var accountPrefix = []byte("account:")

// Manager reads and writes ledger accounts on top of a key/value backend.
// Mutations go through a Txn so every transaction commits as one batch.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func accountStateKey(id crypto.Identity) []byte {
	buf := make([]byte, len(accountPrefix)+crypto.IdentityLength)
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

// GetAccount returns the account stored under id. Missing accounts are
// reported as empty system-owned accounts, mirroring how a fresh identity can
// receive lamports without prior allocation.
func (m *Manager) GetAccount(id crypto.Identity) (*types.Account, error) {
	data, err := m.db.Get(accountStateKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{}, nil
	}
	if err != nil {
		return nil, err
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, fmt.Errorf("state: decode account %s: %w", id, err)
	}
	return account, nil
}

// Begin opens a transaction overlay on the current state.
func (m *Manager) Begin() *Txn {
	return &Txn{
		manager:  m,
		original: make(map[crypto.Identity]*types.Account),
		working:  make(map[crypto.Identity]*types.Account),
	}
}

func encodeAccount(account *types.Account) ([]byte, error) {
	return rlp.EncodeToBytes(account)
}

var processedPrefix = []byte("processed:")

func processedKey(digest []byte) []byte {
	return append(append([]byte(nil), processedPrefix...), digest...)
}

// Processed reports whether a transaction with the given signing digest has
// already been committed.
func (m *Manager) Processed(digest []byte) (bool, error) {
	_, err := m.db.Get(processedKey(digest))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

var metaPrefix = []byte("meta:")

func metaKey(key string) []byte {
	return append(append([]byte(nil), metaPrefix...), key...)
}

// GetMeta returns a node-level metadata value, or nil when unset.
func (m *Manager) GetMeta(key string) ([]byte, error) {
	value, err := m.db.Get(metaKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

// PutMeta stores a node-level metadata value outside of any account.
func (m *Manager) PutMeta(key string, value []byte) error {
	return m.db.Put(metaKey(key), value)
}
