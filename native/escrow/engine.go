package escrow

import (
	"errors"
	"fmt"

	"shopchain/core/runtime"
	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/system"
)

// Engine is the escrow program. It is stateless: everything it knows about a
// deal lives in the deal account, and the runtime commits each instruction
// atomically.
type Engine struct{}

// NewEngine returns the escrow program ready for registration.
func NewEngine() *Engine { return &Engine{} }

func (*Engine) ID() crypto.Identity { return ProgramID }

func (*Engine) Name() string { return "escrow" }

// accounts is the fixed [buyer, seller, deal] account list shared by all
// three instructions.
type accounts struct {
	buyer  crypto.Identity
	seller crypto.Identity
	deal   crypto.Identity
}

func parseAccounts(metas []types.AccountMeta) (accounts, error) {
	if len(metas) != 3 {
		return accounts{}, fmt.Errorf("%w: expected 3 accounts, got %d", ErrInvalidInstruction, len(metas))
	}
	return accounts{buyer: metas[0].Key, seller: metas[1].Key, deal: metas[2].Key}, nil
}

// Execute dispatches one instruction.
func (e *Engine) Execute(ctx *runtime.InvokeContext) error {
	ix, args, err := DecodeInstruction(ctx.Data())
	if err != nil {
		return err
	}
	accts, err := parseAccounts(ctx.Accounts())
	if err != nil {
		return err
	}
	switch ix {
	case InstructionCreateDeal:
		return e.createDeal(ctx, accts, args)
	case InstructionFundEscrow:
		return e.fundEscrow(ctx, accts)
	case InstructionReleaseEscrow:
		return e.releaseEscrow(ctx, accts)
	default:
		return ErrInvalidInstruction
	}
}

func (e *Engine) createDeal(ctx *runtime.InvokeContext, a accounts, args *CreateDealArgs) error {
	if !ctx.IsSigner(a.buyer) {
		return ErrUnauthenticated
	}
	addr, bump, err := DeriveDealAddress(a.buyer, a.seller, args.DealID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}
	if addr != a.deal {
		return fmt.Errorf("%w: expected %s, got %s", ErrAddressMismatch, addr, a.deal)
	}

	reserve := ctx.Rent().MinimumBalance(DealSize)
	seeds := seedsWithBump(a.buyer, a.seller, args.DealID, bump)
	if err := system.CreateProgramAccount(ctx, a.buyer, a.deal, seeds, reserve, DealSize, ProgramID); err != nil {
		switch {
		case errors.Is(err, system.ErrAccountInUse):
			return fmt.Errorf("%w: %w", ErrDuplicateDeal, err)
		case errors.Is(err, system.ErrInsufficientFunds):
			return fmt.Errorf("%w: %w", ErrInsufficientBuyerBalance, err)
		default:
			return err
		}
	}

	deal := &Deal{
		Buyer:  a.buyer,
		Seller: a.seller,
		Amount: args.Amount,
		DealID: args.DealID,
		State:  DealCreated,
		Bump:   bump,
	}
	acc, err := ctx.Account(a.deal)
	if err != nil {
		return err
	}
	acc.Data = deal.Encode()
	ctx.Emit(newDealEvent(EventTypeDealCreated, a.deal, deal, acc.Lamports))
	return nil
}

// loadDeal reads the record at addr. Accounts this program does not own are
// treated as missing.
func loadDeal(ctx *runtime.InvokeContext, addr crypto.Identity) (*types.Account, *Deal, error) {
	acc, err := ctx.Account(addr)
	if err != nil {
		return nil, nil, err
	}
	if acc.Owner != ProgramID || len(acc.Data) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrDealNotFound, addr)
	}
	deal, err := DecodeDeal(acc.Data)
	if err != nil {
		return nil, nil, err
	}
	return acc, deal, nil
}

func (e *Engine) fundEscrow(ctx *runtime.InvokeContext, a accounts) error {
	if !ctx.IsSigner(a.buyer) {
		return ErrUnauthenticated
	}
	acc, deal, err := loadDeal(ctx, a.deal)
	if err != nil {
		return err
	}
	if a.buyer != deal.Buyer {
		return ErrUnauthorizedBuyer
	}
	if err := VerifyDealAddress(a.deal, a.buyer, a.seller, deal.DealID, deal.Bump); err != nil {
		return err
	}
	if deal.State != DealCreated {
		return fmt.Errorf("%w: deal is %s", ErrAlreadyFunded, deal.State)
	}

	if err := system.Transfer(ctx, a.buyer, a.deal, deal.Amount); err != nil {
		if errors.Is(err, system.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %w", ErrInsufficientBuyerBalance, err)
		}
		return err
	}
	deal.State = DealFunded
	acc.Data = deal.Encode()
	ctx.Emit(newDealEvent(EventTypeDealFunded, a.deal, deal, acc.Lamports))
	return nil
}

func (e *Engine) releaseEscrow(ctx *runtime.InvokeContext, a accounts) error {
	if !ctx.IsSigner(a.buyer) {
		return ErrUnauthenticated
	}
	acc, deal, err := loadDeal(ctx, a.deal)
	if err != nil {
		return err
	}
	switch deal.State {
	case DealCreated:
		return ErrNotFunded
	case DealReleased:
		return ErrAlreadyReleased
	}
	if a.buyer != deal.Buyer {
		return ErrUnauthorizedBuyer
	}
	if err := VerifyDealAddress(a.deal, a.buyer, a.seller, deal.DealID, deal.Bump); err != nil {
		return err
	}

	reserve := ctx.Rent().MinimumBalance(len(acc.Data))
	if Available(acc.Lamports, reserve) < deal.Amount {
		return fmt.Errorf("%w: custody %d, reserve %d, amount %d",
			ErrInsufficientEscrowBalance, acc.Lamports, reserve, deal.Amount)
	}
	seller, err := ctx.Account(a.seller)
	if err != nil {
		return err
	}
	credited, err := system.Credit(seller.Lamports, deal.Amount)
	if err != nil {
		return err
	}
	acc.Lamports -= deal.Amount
	seller.Lamports = credited
	deal.State = DealReleased
	acc.Data = deal.Encode()
	ctx.Emit(newDealEvent(EventTypeDealReleased, a.deal, deal, acc.Lamports))
	return nil
}

// Available is the custody balance above the storage reserve, floored at zero.
func Available(custody, reserve uint64) uint64 {
	if custody <= reserve {
		return 0
	}
	return custody - reserve
}
