package system

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"shopchain/core/events"
	"shopchain/core/runtime"
	"shopchain/core/types"
	"shopchain/crypto"
)

// ProgramID is the system program. Plain wallets are owned by it.
var ProgramID crypto.Identity

// MaxPermittedDataLength bounds the data region CreateAccount will allocate.
const MaxPermittedDataLength = 10 * 1024 * 1024

const (
	instructionCreateAccount uint32 = 0
	instructionTransfer      uint32 = 2
)

var (
	ErrMissingSigner       = errors.New("system: required signer missing")
	ErrAccountNotWritable  = errors.New("system: account not writable")
	ErrInsufficientFunds   = errors.New("system: insufficient funds")
	ErrLamportOverflow     = errors.New("system: lamport balance overflow")
	ErrAccountInUse        = errors.New("system: account already in use")
	ErrInvalidSpace        = errors.New("system: invalid account space")
	ErrFromNotSystemOwned  = errors.New("system: source account not owned by the system program")
	ErrInvalidInstruction  = errors.New("system: invalid instruction data")
	ErrProgramAddressSeeds = errors.New("system: account does not match program address seeds")
)

// Transfer moves lamports between two system-owned accounts. from must have
// signed the transaction.
func Transfer(ctx *runtime.InvokeContext, from, to crypto.Identity, lamports uint64) error {
	if !ctx.IsSigner(from) {
		return fmt.Errorf("%w: %s", ErrMissingSigner, from)
	}
	return transfer(ctx, from, to, lamports)
}

func transfer(ctx *runtime.InvokeContext, from, to crypto.Identity, lamports uint64) error {
	if !ctx.IsWritable(from) {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, from)
	}
	if !ctx.IsWritable(to) {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, to)
	}
	src, err := ctx.Account(from)
	if err != nil {
		return err
	}
	if src.Owner != ProgramID || len(src.Data) > 0 {
		return fmt.Errorf("%w: %s", ErrFromNotSystemOwned, from)
	}
	if src.Lamports < lamports {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, src.Lamports, lamports)
	}
	dst, err := ctx.Account(to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	credited, err := Credit(dst.Lamports, lamports)
	if err != nil {
		return err
	}
	src.Lamports -= lamports
	dst.Lamports = credited
	ctx.Emit(events.Transfer{From: from, To: to, Lamports: lamports})
	return nil
}

// Credit adds amount to balance, failing instead of wrapping.
func Credit(balance, amount uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(balance), uint256.NewInt(amount))
	if overflow || !sum.IsUint64() {
		return 0, fmt.Errorf("%w: %d + %d", ErrLamportOverflow, balance, amount)
	}
	return sum.Uint64(), nil
}

// CreateAccount allocates space bytes at account, assigns it to owner and
// funds it with lamports taken from payer. Both payer and account must sign.
func CreateAccount(ctx *runtime.InvokeContext, payer, account crypto.Identity, lamports, space uint64, owner crypto.Identity) error {
	if !ctx.IsSigner(account) {
		return fmt.Errorf("%w: %s", ErrMissingSigner, account)
	}
	return createAccount(ctx, payer, account, lamports, space, owner)
}

// CreateProgramAccount is CreateAccount for an address derived from seeds
// under owner. The derivation replaces the account's signature, so only the
// owning program can allocate its own addresses.
func CreateProgramAccount(ctx *runtime.InvokeContext, payer, account crypto.Identity, seeds [][]byte, lamports, space uint64, owner crypto.Identity) error {
	derived, err := crypto.CreateProgramAddress(seeds, owner)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProgramAddressSeeds, err)
	}
	if derived != account {
		return fmt.Errorf("%w: %s", ErrProgramAddressSeeds, account)
	}
	return createAccount(ctx, payer, account, lamports, space, owner)
}

func createAccount(ctx *runtime.InvokeContext, payer, account crypto.Identity, lamports, space uint64, owner crypto.Identity) error {
	if !ctx.IsSigner(payer) {
		return fmt.Errorf("%w: %s", ErrMissingSigner, payer)
	}
	if space > MaxPermittedDataLength {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSpace, space)
	}
	if !ctx.IsWritable(account) {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, account)
	}
	target, err := ctx.Account(account)
	if err != nil {
		return err
	}
	if target.Owner != ProgramID || len(target.Data) > 0 {
		return fmt.Errorf("%w: %s", ErrAccountInUse, account)
	}
	// Lamports already parked at the address count towards the requested
	// balance; the payer only tops up the difference.
	if target.Lamports < lamports {
		if err := transfer(ctx, payer, account, lamports-target.Lamports); err != nil {
			return err
		}
	}
	target.Data = make([]byte, space)
	target.Owner = owner
	ctx.Emit(events.AccountCreated{Payer: payer, Account: account, Owner: owner, Space: space, Lamports: target.Lamports})
	return nil
}

// Program exposes Transfer and CreateAccount as instructions.
type Program struct{}

func (Program) ID() crypto.Identity { return ProgramID }

func (Program) Name() string { return "system" }

func (Program) Execute(ctx *runtime.InvokeContext) error {
	data := ctx.Data()
	accounts := ctx.Accounts()
	if len(data) < 4 {
		return ErrInvalidInstruction
	}
	switch binary.LittleEndian.Uint32(data[:4]) {
	case instructionTransfer:
		if len(data) != 12 || len(accounts) < 2 {
			return ErrInvalidInstruction
		}
		return Transfer(ctx, accounts[0].Key, accounts[1].Key, binary.LittleEndian.Uint64(data[4:]))
	case instructionCreateAccount:
		if len(data) != 4+8+8+crypto.IdentityLength || len(accounts) < 2 {
			return ErrInvalidInstruction
		}
		lamports := binary.LittleEndian.Uint64(data[4:12])
		space := binary.LittleEndian.Uint64(data[12:20])
		owner, err := crypto.IdentityFromBytes(data[20:])
		if err != nil {
			return ErrInvalidInstruction
		}
		return CreateAccount(ctx, accounts[0].Key, accounts[1].Key, lamports, space, owner)
	default:
		return ErrInvalidInstruction
	}
}

// NewTransferInstruction builds a lamport transfer.
func NewTransferInstruction(from, to crypto.Identity, lamports uint64) types.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, instructionTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return types.Instruction{
		ProgramID: ProgramID,
		Accounts: []types.AccountMeta{
			{Key: from, Signer: true, Writable: true},
			{Key: to, Writable: true},
		},
		Data: data,
	}
}

// NewCreateAccountInstruction builds an allocation for a key-controlled
// account; both payer and account sign.
func NewCreateAccountInstruction(payer, account crypto.Identity, lamports, space uint64, owner crypto.Identity) types.Instruction {
	data := make([]byte, 4+8+8+crypto.IdentityLength)
	binary.LittleEndian.PutUint32(data, instructionCreateAccount)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[12:], space)
	copy(data[20:], owner[:])
	return types.Instruction{
		ProgramID: ProgramID,
		Accounts: []types.AccountMeta{
			{Key: payer, Signer: true, Writable: true},
			{Key: account, Signer: true, Writable: true},
		},
		Data: data,
	}
}
