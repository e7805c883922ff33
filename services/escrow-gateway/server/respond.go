package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shopchain/core/runtime"
	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/escrow"
	"shopchain/native/system"
	"shopchain/services/escrow-gateway/indexer"
)

var errorLabeler = escrow.NewEngine()

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: errorCode(err)})
}

// writeLedgerError maps a ledger failure onto an HTTP status.
func writeLedgerError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrUnauthenticated),
		errors.Is(err, runtime.ErrMissingSignature),
		errors.Is(err, runtime.ErrInvalidSignature),
		errors.Is(err, system.ErrMissingSigner):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrUnauthorizedBuyer):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrDealNotFound),
		errors.Is(err, indexer.ErrNotIndexed),
		errors.Is(err, runtime.ErrUnknownProgram):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrDuplicateDeal),
		errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrNotFunded),
		errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, system.ErrAccountInUse),
		errors.Is(err, runtime.ErrReplayedTransaction):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientBuyerBalance),
		errors.Is(err, escrow.ErrInsufficientEscrowBalance),
		errors.Is(err, system.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrMalformedTransaction),
		errors.Is(err, escrow.ErrInvalidInstruction),
		errors.Is(err, system.ErrInvalidInstruction),
		errors.Is(err, runtime.ErrAccountNotListed),
		errors.Is(err, runtime.ErrReadonlyModified),
		errors.Is(err, crypto.ErrInvalidIdentity),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if code := errorLabeler.Outcome(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, runtime.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, runtime.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, types.ErrMalformedTransaction):
		return "malformed_transaction"
	case errors.Is(err, runtime.ErrReplayedTransaction):
		return "replayed_transaction"
	case errors.Is(err, system.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, indexer.ErrNotIndexed):
		return "not_indexed"
	case errors.Is(err, errBadRequest), errors.Is(err, crypto.ErrInvalidIdentity):
		return "bad_request"
	}
	return ""
}

var errBadRequest = errors.New("bad request")

// decodeJSON reads a size capped JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid payload: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return badRequest("invalid payload: trailing data")
	}
	return nil
}
