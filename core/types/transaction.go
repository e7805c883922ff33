package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"shopchain/crypto"
)

// txDomain separates transaction digests from any other signed payload.
var txDomain = []byte("shopchain/tx")

// MaxInstructionAccounts bounds the account list of a single instruction.
const MaxInstructionAccounts = 16

var ErrMalformedTransaction = errors.New("types: malformed transaction")

// AccountMeta names an account an instruction touches and how.
type AccountMeta struct {
	Key      crypto.Identity
	Signer   bool
	Writable bool
}

// Instruction is a single call into a program.
type Instruction struct {
	ProgramID crypto.Identity
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction carries one instruction and the signatures authorising it.
// Signatures may appear in any order; the runtime recovers the signer of each.
// Nonce is chosen by the client and is part of the signed payload, so two
// otherwise identical instructions produce distinct digests. The ledger
// accepts each signing digest at most once.
type Transaction struct {
	Nonce       uint64
	Instruction Instruction
	Signatures  [][]byte
}

// signedPayload is the portion of a transaction covered by signatures.
type signedPayload struct {
	Nonce       uint64
	Instruction *Instruction
}

// NewTransaction wraps an instruction into an unsigned transaction.
func NewTransaction(ix Instruction) *Transaction {
	return &Transaction{Instruction: ix}
}

// NewTransactionWithNonce wraps an instruction using the supplied nonce.
func NewTransactionWithNonce(ix Instruction, nonce uint64) *Transaction {
	return &Transaction{Nonce: nonce, Instruction: ix}
}

// SigningDigest is the keccak256 digest every signer signs.
func (tx *Transaction) SigningDigest() ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(&signedPayload{Nonce: tx.Nonce, Instruction: &tx.Instruction})
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(txDomain, encoded), nil
}

// Hash identifies the transaction including its signatures.
func (tx *Transaction) Hash() ([32]byte, error) {
	var out [32]byte
	encoded, err := tx.MarshalBinary()
	if err != nil {
		return out, err
	}
	copy(out[:], crypto.Keccak256(encoded))
	return out, nil
}

// Sign appends a signature from key over the signing digest.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("types: nil signing key")
	}
	digest, err := tx.SigningDigest()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	tx.Signatures = append(tx.Signatures, sig)
	return nil
}

// RequiredSigners lists the accounts flagged as signers, deduplicated, in
// instruction order.
func (tx *Transaction) RequiredSigners() []crypto.Identity {
	seen := make(map[crypto.Identity]struct{}, len(tx.Instruction.Accounts))
	out := make([]crypto.Identity, 0, len(tx.Instruction.Accounts))
	for _, meta := range tx.Instruction.Accounts {
		if !meta.Signer {
			continue
		}
		if _, ok := seen[meta.Key]; ok {
			continue
		}
		seen[meta.Key] = struct{}{}
		out = append(out, meta.Key)
	}
	return out
}

// Validate performs stateless shape checks.
func (tx *Transaction) Validate() error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrMalformedTransaction)
	}
	if n := len(tx.Instruction.Accounts); n == 0 || n > MaxInstructionAccounts {
		return fmt.Errorf("%w: instruction references %d accounts", ErrMalformedTransaction, n)
	}
	for i, sig := range tx.Signatures {
		if len(sig) != crypto.SignatureLength {
			return fmt.Errorf("%w: signature %d has length %d", ErrMalformedTransaction, i, len(sig))
		}
	}
	return nil
}

// MarshalBinary encodes the transaction as RLP.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// UnmarshalBinary decodes an RLP encoded transaction.
func (tx *Transaction) UnmarshalBinary(data []byte) error {
	if err := rlp.DecodeBytes(data, tx); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return nil
}
