package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/escrow"
	"shopchain/services/escrow-gateway/indexer"
	"shopchain/services/escrow-gateway/models"
)

// LamportsPerSOL converts the display unit used by listing clients.
const LamportsPerSOL = 1_000_000_000

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type createDealRequest struct {
	Buyer          string          `json:"buyer"`
	Seller         string          `json:"seller"`
	AmountLamports *uint64         `json:"amountLamports,omitempty"`
	AmountSOL      *float64        `json:"amountSol,omitempty"`
	DealID         *uint64         `json:"dealId,omitempty"`
	ListingURL     string          `json:"listingUrl,omitempty"`
	Title          string          `json:"title,omitempty"`
	RiskScore      *float64        `json:"riskScore,omitempty"`
	RiskReason     string          `json:"riskReason,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type dealActionRequest struct {
	Buyer       string  `json:"buyer"`
	Seller      string  `json:"seller"`
	DealAddress string  `json:"dealAddress,omitempty"`
	DealID      *uint64 `json:"dealId,omitempty"`
}

// unsignedTxResponse carries a transaction for the buyer to sign.
type unsignedTxResponse struct {
	DealAddress    string            `json:"dealAddress"`
	DealID         uint64            `json:"dealId"`
	AmountLamports uint64            `json:"amountLamports,omitempty"`
	Tx             string            `json:"tx"`
	Digest         string            `json:"digest"`
	Signers        []string          `json:"signers"`
	Status         models.DealStatus `json:"status"`
}

func parseParty(label, value string) (crypto.Identity, error) {
	if strings.TrimSpace(value) == "" {
		return crypto.Identity{}, badRequest("%s required", label)
	}
	id, err := crypto.ParseIdentity(strings.TrimSpace(value))
	if err != nil {
		return crypto.Identity{}, fmt.Errorf("%s: %w", label, err)
	}
	return id, nil
}

func lamportsFromSOL(sol float64) (uint64, error) {
	if math.IsNaN(sol) || math.IsInf(sol, 0) || sol < 0 {
		return 0, badRequest("amountSol must be a finite non-negative number")
	}
	lamports := math.Round(sol * LamportsPerSOL)
	if lamports >= math.MaxUint64 {
		return 0, badRequest("amountSol out of range")
	}
	return uint64(lamports), nil
}

func (req *createDealRequest) amount() (uint64, error) {
	switch {
	case req.AmountLamports != nil && req.AmountSOL != nil:
		return 0, badRequest("specify amountLamports or amountSol, not both")
	case req.AmountLamports != nil:
		return *req.AmountLamports, nil
	case req.AmountSOL != nil:
		return lamportsFromSOL(*req.AmountSOL)
	default:
		return 0, badRequest("amount required")
	}
}

// newNonce picks the replay nonce of gateway built transactions. Only
// uniqueness matters; the buyer's signature binds it.
var newNonce = rand.Uint64

func unsignedTx(ix types.Instruction) (string, string, []string, error) {
	tx := types.NewTransactionWithNonce(ix, newNonce())
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", "", nil, err
	}
	digest, err := tx.SigningDigest()
	if err != nil {
		return "", "", nil, err
	}
	required := tx.RequiredSigners()
	signers := make([]string, len(required))
	for i, id := range required {
		signers[i] = id.String()
	}
	return hexutil.Encode(raw), hexutil.Encode(digest), signers, nil
}

// CreateDeal records listing metadata and returns an unsigned create_deal
// transaction for the canonical deal address.
func (s *Server) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buyer, err := parseParty("buyer", req.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seller, err := parseParty("seller", req.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := req.amount()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dealID := uint64(s.now().UnixMilli())
	if req.DealID != nil {
		dealID = *req.DealID
	}
	if req.RiskScore != nil && (math.IsNaN(*req.RiskScore) || math.IsInf(*req.RiskScore, 0)) {
		writeError(w, http.StatusBadRequest, badRequest("riskScore must be finite"))
		return
	}

	ix, addr, err := escrow.NewCreateDealInstruction(buyer, seller, amount, dealID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rawTx, digest, signers, err := unsignedTx(ix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := models.StatusPending
	if s.index != nil {
		row, err := s.index.RecordListing(r.Context(), indexer.Listing{
			Address:    addr.String(),
			Buyer:      buyer.String(),
			Seller:     seller.String(),
			DealID:     dealID,
			Amount:     amount,
			ListingURL: req.ListingURL,
			Title:      req.Title,
			RiskScore:  req.RiskScore,
			RiskReason: req.RiskReason,
			Metadata:   string(req.Metadata),
		})
		if err != nil {
			s.logger.Error("record listing", "deal", addr.String(), "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("failed to record listing"))
			return
		}
		status = row.Status
	}

	writeJSON(w, http.StatusOK, unsignedTxResponse{
		DealAddress:    addr.String(),
		DealID:         dealID,
		AmountLamports: amount,
		Tx:             rawTx,
		Digest:         digest,
		Signers:        signers,
		Status:         status,
	})
}

// FundEscrow returns an unsigned fund_escrow transaction.
func (s *Server) FundEscrow(w http.ResponseWriter, r *http.Request) {
	s.dealAction(w, r, escrow.NewFundEscrowInstruction)
}

// ReleaseEscrow returns an unsigned release_escrow transaction.
func (s *Server) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s.dealAction(w, r, escrow.NewReleaseEscrowInstruction)
}

func (s *Server) dealAction(w http.ResponseWriter, r *http.Request, build func(buyer, seller, deal crypto.Identity) types.Instruction) {
	var req dealActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	buyer, err := parseParty("buyer", req.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seller, err := parseParty("seller", req.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var addr crypto.Identity
	var dealID uint64
	switch {
	case req.DealAddress != "":
		addr, err = parseParty("dealAddress", req.DealAddress)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := escrow.GetDeal(s.ledger, addr)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		dealID = view.Deal.DealID
	case req.DealID != nil:
		dealID = *req.DealID
		addr, _, err = escrow.DeriveDealAddress(buyer, seller, dealID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, badRequest("dealAddress or dealId required"))
		return
	}

	rawTx, digest, signers, err := unsignedTx(build(buyer, seller, addr))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, unsignedTxResponse{
		DealAddress: addr.String(),
		DealID:      dealID,
		Tx:          rawTx,
		Digest:      digest,
		Signers:     signers,
		Status:      s.indexedStatus(r, addr),
	})
}

func (s *Server) indexedStatus(r *http.Request, addr crypto.Identity) models.DealStatus {
	if s.index == nil {
		return ""
	}
	row, err := s.index.Deal(r.Context(), addr.String())
	if err != nil {
		return ""
	}
	return row.Status
}

type onchainDeal struct {
	Address         string `json:"address"`
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller"`
	AmountLamports  uint64 `json:"amountLamports"`
	DealID          uint64 `json:"dealId"`
	State           string `json:"state"`
	Bump            uint8  `json:"bump"`
	CustodyLamports uint64 `json:"custodyLamports"`
	ReserveLamports uint64 `json:"reserveLamports"`
}

type dealResponse struct {
	Index   *models.Deal `json:"index"`
	Onchain *onchainDeal `json:"onchain"`
}

// GetDeal combines the indexed row with the committed on-ledger record.
func (s *Server) GetDeal(w http.ResponseWriter, r *http.Request) {
	addr, err := parseParty("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var resp dealResponse
	if s.index != nil {
		row, err := s.index.Deal(r.Context(), addr.String())
		switch {
		case err == nil:
			resp.Index = row
		case !errors.Is(err, indexer.ErrNotIndexed):
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	view, err := escrow.GetDeal(s.ledger, addr)
	switch {
	case err == nil:
		resp.Onchain = &onchainDeal{
			Address:         view.Address.String(),
			Buyer:           view.Deal.Buyer.String(),
			Seller:          view.Deal.Seller.String(),
			AmountLamports:  view.Deal.Amount,
			DealID:          view.Deal.DealID,
			State:           view.Deal.State.String(),
			Bump:            view.Deal.Bump,
			CustodyLamports: view.Custody,
			ReserveLamports: s.ledger.Rent().MinimumBalance(escrow.DealSize),
		}
	case !errors.Is(err, escrow.ErrDealNotFound):
		writeLedgerError(w, err)
		return
	}
	if resp.Index == nil && resp.Onchain == nil {
		writeLedgerError(w, fmt.Errorf("%w: %s", escrow.ErrDealNotFound, addr))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDeals lists indexed deals for a buyer or seller.
func (s *Server) ListDeals(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusNotFound, errors.New("deal index disabled"))
		return
	}
	party, err := parseParty("party", r.URL.Query().Get("party"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, badRequest("invalid limit"))
			return
		}
	}
	deals, err := s.index.DealsByParty(r.Context(), party.String(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deals": deals})
}
