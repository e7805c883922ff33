package escrow

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"shopchain/core/types"
	"shopchain/crypto"
)

// Instruction selects one of the escrow entry points.
type Instruction uint8

const (
	InstructionCreateDeal Instruction = iota + 1
	InstructionFundEscrow
	InstructionReleaseEscrow
)

func (i Instruction) String() string {
	switch i {
	case InstructionCreateDeal:
		return "create_deal"
	case InstructionFundEscrow:
		return "fund_escrow"
	case InstructionReleaseEscrow:
		return "release_escrow"
	default:
		return "unknown"
	}
}

const discriminatorLength = 8

var (
	createDealDiscriminator    = discriminator("create_deal")
	fundEscrowDiscriminator    = discriminator("fund_escrow")
	releaseEscrowDiscriminator = discriminator("release_escrow")
)

func discriminator(name string) []byte {
	return crypto.Keccak256([]byte("global:" + name))[:discriminatorLength]
}

// CreateDealArgs are the caller supplied parameters of create_deal.
type CreateDealArgs struct {
	Amount uint64
	DealID uint64
}

// DecodeInstruction splits instruction data into the entry point and, for
// create_deal, its arguments.
func DecodeInstruction(data []byte) (Instruction, *CreateDealArgs, error) {
	if len(data) < discriminatorLength {
		return 0, nil, fmt.Errorf("%w: data too short", ErrInvalidInstruction)
	}
	head, body := data[:discriminatorLength], data[discriminatorLength:]
	switch {
	case bytes.Equal(head, createDealDiscriminator):
		if len(body) != 16 {
			return 0, nil, fmt.Errorf("%w: create_deal expects 16 argument bytes, got %d", ErrInvalidInstruction, len(body))
		}
		return InstructionCreateDeal, &CreateDealArgs{
			Amount: binary.LittleEndian.Uint64(body[:8]),
			DealID: binary.LittleEndian.Uint64(body[8:]),
		}, nil
	case bytes.Equal(head, fundEscrowDiscriminator):
		if len(body) != 0 {
			return 0, nil, fmt.Errorf("%w: fund_escrow takes no arguments", ErrInvalidInstruction)
		}
		return InstructionFundEscrow, nil, nil
	case bytes.Equal(head, releaseEscrowDiscriminator):
		if len(body) != 0 {
			return 0, nil, fmt.Errorf("%w: release_escrow takes no arguments", ErrInvalidInstruction)
		}
		return InstructionReleaseEscrow, nil, nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown discriminator %x", ErrInvalidInstruction, head)
	}
}

// NewCreateDealInstruction builds create_deal for the canonical deal address.
func NewCreateDealInstruction(buyer, seller crypto.Identity, amount, dealID uint64) (types.Instruction, crypto.Identity, error) {
	deal, _, err := DeriveDealAddress(buyer, seller, dealID)
	if err != nil {
		return types.Instruction{}, crypto.Identity{}, err
	}
	data := make([]byte, 0, discriminatorLength+16)
	data = append(data, createDealDiscriminator...)
	data = binary.LittleEndian.AppendUint64(data, amount)
	data = binary.LittleEndian.AppendUint64(data, dealID)
	return types.Instruction{
		ProgramID: ProgramID,
		Accounts: []types.AccountMeta{
			{Key: buyer, Signer: true, Writable: true},
			{Key: seller},
			{Key: deal, Writable: true},
		},
		Data: data,
	}, deal, nil
}

// NewFundEscrowInstruction builds fund_escrow against deal.
func NewFundEscrowInstruction(buyer, seller, deal crypto.Identity) types.Instruction {
	return types.Instruction{
		ProgramID: ProgramID,
		Accounts: []types.AccountMeta{
			{Key: buyer, Signer: true, Writable: true},
			{Key: seller},
			{Key: deal, Writable: true},
		},
		Data: append([]byte(nil), fundEscrowDiscriminator...),
	}
}

// NewReleaseEscrowInstruction builds release_escrow paying seller from deal.
func NewReleaseEscrowInstruction(buyer, seller, deal crypto.Identity) types.Instruction {
	return types.Instruction{
		ProgramID: ProgramID,
		Accounts: []types.AccountMeta{
			{Key: buyer, Signer: true},
			{Key: seller, Writable: true},
			{Key: deal, Writable: true},
		},
		Data: append([]byte(nil), releaseEscrowDiscriminator...),
	}
}
