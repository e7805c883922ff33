package runtime

import (
	"context"
	"errors"
	"fmt"

	"shopchain/core/events"
	"shopchain/core/state"
	"shopchain/core/types"
	"shopchain/crypto"
)

// ErrAccountNotListed is returned when a program reaches for an account the
// instruction did not declare.
var ErrAccountNotListed = errors.New("runtime: account not listed in instruction")

// Program is an on-ledger program addressed by its identity.
type Program interface {
	ID() crypto.Identity
	Name() string
	Execute(*InvokeContext) error
}

// InvokeContext is everything a program sees while executing one instruction.
// Signature verification has already happened; programs only ask IsSigner.
type InvokeContext struct {
	ctx         context.Context
	txn         *state.Txn
	instruction *types.Instruction
	signers     map[crypto.Identity]struct{}
	metas       map[crypto.Identity]types.AccountMeta
	rent        state.Rent
	events      []events.Event
}

// NewInvokeContext builds a context over txn. Signers not flagged as signers
// in the instruction are ignored.
func NewInvokeContext(ctx context.Context, txn *state.Txn, ix *types.Instruction, signers []crypto.Identity, rent state.Rent) *InvokeContext {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &InvokeContext{
		ctx:         ctx,
		txn:         txn,
		instruction: ix,
		signers:     make(map[crypto.Identity]struct{}, len(signers)),
		metas:       make(map[crypto.Identity]types.AccountMeta, len(ix.Accounts)),
		rent:        rent,
	}
	for _, meta := range ix.Accounts {
		existing := c.metas[meta.Key]
		existing.Key = meta.Key
		existing.Signer = existing.Signer || meta.Signer
		existing.Writable = existing.Writable || meta.Writable
		c.metas[meta.Key] = existing
	}
	for _, id := range signers {
		if c.metas[id].Signer {
			c.signers[id] = struct{}{}
		}
	}
	return c
}

func (c *InvokeContext) Context() context.Context { return c.ctx }

func (c *InvokeContext) ProgramID() crypto.Identity { return c.instruction.ProgramID }

// Accounts returns the instruction's account metas in declared order.
func (c *InvokeContext) Accounts() []types.AccountMeta { return c.instruction.Accounts }

func (c *InvokeContext) Data() []byte { return c.instruction.Data }

// IsSigner reports whether id both signed the transaction and is declared as
// a signer.
func (c *InvokeContext) IsSigner(id crypto.Identity) bool {
	_, ok := c.signers[id]
	return ok
}

func (c *InvokeContext) IsWritable(id crypto.Identity) bool { return c.metas[id].Writable }

// Account returns the working copy of a listed account.
func (c *InvokeContext) Account(id crypto.Identity) (*types.Account, error) {
	if _, ok := c.metas[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotListed, id)
	}
	return c.txn.Account(id)
}

func (c *InvokeContext) Rent() state.Rent { return c.rent }

// Emit queues an event. Queued events are published only after commit.
func (c *InvokeContext) Emit(evt events.Event) {
	if evt != nil {
		c.events = append(c.events, evt)
	}
}

// Events returns the queued events.
func (c *InvokeContext) Events() []events.Event { return c.events }
