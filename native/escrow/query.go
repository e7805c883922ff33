package escrow

import (
	"fmt"

	"shopchain/core/types"
	"shopchain/crypto"
)

// AccountReader reads committed accounts.
type AccountReader interface {
	Account(id crypto.Identity) (*types.Account, error)
}

// DealView is a committed deal together with its custody balance.
type DealView struct {
	Address crypto.Identity
	Deal    *Deal
	Custody uint64
}

// GetDeal loads the deal stored at addr from committed state.
func GetDeal(reader AccountReader, addr crypto.Identity) (*DealView, error) {
	acc, err := reader.Account(addr)
	if err != nil {
		return nil, err
	}
	if acc.Owner != ProgramID || len(acc.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDealNotFound, addr)
	}
	deal, err := DecodeDeal(acc.Data)
	if err != nil {
		return nil, err
	}
	return &DealView{Address: addr, Deal: deal, Custody: acc.Lamports}, nil
}
