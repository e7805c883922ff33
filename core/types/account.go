package types

import "shopchain/crypto"

// Account is a ledger entry: a lamport balance plus an optional data region
// owned by a program. Accounts owned by the system program with no data are
// plain wallets.
type Account struct {
	Lamports uint64          `json:"lamports"`
	Owner    crypto.Identity `json:"owner"`
	Data     []byte          `json:"data,omitempty"`
}

// Clone returns a deep copy so callers can mutate the copy without touching
// the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{}
	}
	clone := *a
	if a.Data != nil {
		clone.Data = append([]byte(nil), a.Data...)
	}
	return &clone
}

// IsEmpty reports whether the account holds nothing at all. Empty accounts
// are not persisted.
func (a *Account) IsEmpty() bool {
	return a == nil || (a.Lamports == 0 && a.Owner.IsZero() && len(a.Data) == 0)
}
