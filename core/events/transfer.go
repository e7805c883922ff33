package events

import (
	"strconv"

	"shopchain/core/types"
	"shopchain/crypto"
)

const (
	// TypeTransfer is emitted for lamport movements made by the system program.
	TypeTransfer = "transfer.lamports"
	// TypeAccountCreated is emitted when the system program allocates an account.
	TypeAccountCreated = "account.created"
)

type Transfer struct {
	From     crypto.Identity
	To       crypto.Identity
	Lamports uint64
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	return &types.Event{
		Type: TypeTransfer,
		Attributes: map[string]string{
			"from":     e.From.String(),
			"to":       e.To.String(),
			"lamports": strconv.FormatUint(e.Lamports, 10),
		},
	}
}

type AccountCreated struct {
	Payer    crypto.Identity
	Account  crypto.Identity
	Owner    crypto.Identity
	Space    uint64
	Lamports uint64
}

func (AccountCreated) EventType() string { return TypeAccountCreated }

func (e AccountCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeAccountCreated,
		Attributes: map[string]string{
			"payer":    e.Payer.String(),
			"account":  e.Account.String(),
			"owner":    e.Owner.String(),
			"space":    strconv.FormatUint(e.Space, 10),
			"lamports": strconv.FormatUint(e.Lamports, 10),
		},
	}
}
