package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"shopchain/core/types"
)

type submitRequest struct {
	Tx string `json:"tx"`
}

type submitResponse struct {
	TxHash  string         `json:"txHash"`
	Program string         `json:"program"`
	Events  []*types.Event `json:"events"`
}

// SubmitTransaction decodes a signed transaction and commits it through the
// runtime. Failed transactions leave no state behind.
func (s *Server) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := hexutil.Decode(strings.TrimSpace(req.Tx))
	if err != nil {
		writeError(w, http.StatusBadRequest, badRequest("tx must be 0x-prefixed hex: %v", err))
		return
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		writeLedgerError(w, err)
		return
	}
	receipt, err := s.ledger.Submit(r.Context(), &tx)
	if err != nil {
		s.logger.Info("transaction rejected", "error", err)
		writeLedgerError(w, err)
		return
	}
	events := receipt.Events
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, submitResponse{
		TxHash:  receipt.TxHashHex(),
		Program: receipt.Program.String(),
		Events:  events,
	})
}

type accountResponse struct {
	Identity   string `json:"identity"`
	Hex        string `json:"hex"`
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	DataLength int    `json:"dataLength"`
	Data       string `json:"data,omitempty"`
}

// GetAccount returns the committed state of an account. Missing accounts
// report an empty balance.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseParty("identity", chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := s.ledger.Account(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to load account"))
		return
	}
	resp := accountResponse{
		Identity:   id.String(),
		Hex:        id.Hex(),
		Lamports:   acc.Lamports,
		Owner:      acc.Owner.String(),
		DataLength: len(acc.Data),
	}
	if len(acc.Data) > 0 {
		resp.Data = hexutil.Encode(acc.Data)
	}
	writeJSON(w, http.StatusOK, resp)
}
