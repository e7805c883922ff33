package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when the buyer has not signed.
	ErrUnauthenticated = errors.New("escrow: buyer signature required")
	// ErrAddressMismatch is returned when the supplied deal account is not the
	// address derived from the parties, deal id and stored bump.
	ErrAddressMismatch   = fmt.Errorf("%w: deal address does not match derivation", ErrUnauthenticated)
	ErrUnauthorizedBuyer = errors.New("escrow: signer is not the deal buyer")
	ErrDuplicateDeal     = errors.New("escrow: deal already exists")
	ErrDealNotFound      = errors.New("escrow: deal not found")
	ErrAlreadyFunded     = errors.New("escrow: deal already funded")
	ErrNotFunded         = errors.New("escrow: deal not funded")
	ErrAlreadyReleased   = errors.New("escrow: deal already released")

	ErrInsufficientBuyerBalance  = errors.New("escrow: buyer balance does not cover the amount")
	ErrInsufficientEscrowBalance = errors.New("escrow: custody balance below amount plus reserve")

	ErrInvalidInstruction = errors.New("escrow: invalid instruction")
	ErrInvalidDealData    = errors.New("escrow: invalid deal data")
)

var outcomeLabels = []struct {
	err   error
	label string
}{
	{ErrAddressMismatch, "address_mismatch"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrUnauthorizedBuyer, "unauthorized_buyer"},
	{ErrDuplicateDeal, "duplicate_deal"},
	{ErrDealNotFound, "deal_not_found"},
	{ErrAlreadyFunded, "already_funded"},
	{ErrNotFunded, "not_funded"},
	{ErrAlreadyReleased, "already_released"},
	{ErrInsufficientBuyerBalance, "insufficient_buyer_balance"},
	{ErrInsufficientEscrowBalance, "insufficient_escrow_balance"},
	{ErrInvalidInstruction, "invalid_instruction"},
	{ErrInvalidDealData, "invalid_deal_data"},
}

// Outcome names err for metrics. Unknown errors yield "".
func (*Engine) Outcome(err error) string {
	for _, entry := range outcomeLabels {
		if errors.Is(err, entry.err) {
			return entry.label
		}
	}
	return ""
}
