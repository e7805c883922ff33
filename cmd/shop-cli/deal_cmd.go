package main

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/escrow"
)

const lamportsPerSOL = 1_000_000_000

func solToLamports(sol float64) (uint64, error) {
	if math.IsNaN(sol) || math.IsInf(sol, 0) || sol < 0 {
		return 0, fmt.Errorf("--sol must be a finite non-negative number")
	}
	lamports := math.Round(sol * lamportsPerSOL)
	if lamports >= math.MaxUint64 {
		return 0, fmt.Errorf("--sol out of range")
	}
	return uint64(lamports), nil
}

func runDealCommand(client *gatewayClient, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, dealUsage())
		return 1
	}
	switch args[0] {
	case "create":
		return runDealCreate(client, args[1:], stdout, stderr)
	case "fund":
		return runDealAction(client, "fund", "/v1/fund-escrow", escrow.NewFundEscrowInstruction, args[1:], stdout, stderr)
	case "release":
		return runDealAction(client, "release", "/v1/release-escrow", escrow.NewReleaseEscrowInstruction, args[1:], stdout, stderr)
	case "get":
		return runDealGet(client, args[1:], stdout, stderr)
	case "address":
		return runDealAddress(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown deal subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, dealUsage())
		return 1
	}
}

type dealResult struct {
	DealAddress string        `json:"dealAddress"`
	DealID      uint64        `json:"dealId"`
	Receipt     *submitResult `json:"receipt"`
}

func runDealCreate(client *gatewayClient, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deal create", stderr)
	var (
		keyPath    string
		seller     string
		lamports   string
		sol        string
		dealIDStr  string
		title      string
		listingURL string
	)
	fs.StringVar(&keyPath, "key", "", "buyer keystore file")
	fs.StringVar(&seller, "seller", "", "seller identity")
	fs.StringVar(&lamports, "lamports", "", "deal amount in lamports")
	fs.StringVar(&sol, "sol", "", "deal amount in SOL units (converted to lamports)")
	fs.StringVar(&dealIDStr, "deal-id", "", "deal id (defaults to the gateway clock)")
	fs.StringVar(&title, "title", "", "listing title")
	fs.StringVar(&listingURL, "listing-url", "", "listing URL")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if seller == "" {
		return printError(stderr, "--seller is required")
	}
	if (lamports == "") == (sol == "") {
		return printError(stderr, "exactly one of --lamports or --sol is required")
	}
	sellerID, err := crypto.ParseIdentity(strings.TrimSpace(seller))
	if err != nil {
		return printError(stderr, "--seller must be a valid identity")
	}
	var amount uint64
	if lamports != "" {
		amount, err = strconv.ParseUint(lamports, 10, 64)
		if err != nil {
			return printError(stderr, "--lamports must be a non-negative integer")
		}
	} else {
		value, err := strconv.ParseFloat(sol, 64)
		if err != nil {
			return printError(stderr, "--sol must be a number")
		}
		if amount, err = solToLamports(value); err != nil {
			return printError(stderr, err.Error())
		}
	}
	var dealID *uint64
	if dealIDStr != "" {
		id, err := strconv.ParseUint(dealIDStr, 10, 64)
		if err != nil {
			return printError(stderr, "--deal-id must be a non-negative integer")
		}
		dealID = &id
	}
	key, err := loadKey(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}

	req := map[string]interface{}{
		"buyer":          key.Identity().String(),
		"seller":         sellerID.String(),
		"amountLamports": amount,
	}
	if dealID != nil {
		req["dealId"] = *dealID
	}
	if title != "" {
		req["title"] = title
	}
	if listingURL != "" {
		req["listingUrl"] = listingURL
	}

	var built unsignedTx
	if err := client.do(http.MethodPost, "/v1/create-deal", req, &built); err != nil {
		return printError(stderr, err.Error())
	}
	if dealID != nil && built.DealID != *dealID {
		return printError(stderr, fmt.Sprintf("gateway answered for deal id %d, requested %d", built.DealID, *dealID))
	}
	expected, addr, err := escrow.NewCreateDealInstruction(key.Identity(), sellerID, amount, built.DealID)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if built.DealAddress != addr.String() {
		return printError(stderr, errInstructionMismatch.Error())
	}
	receipt, err := client.signAndSubmit(built, expected, key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, dealResult{DealAddress: built.DealAddress, DealID: built.DealID, Receipt: receipt})
}

func runDealAction(client *gatewayClient, name, path string, build func(buyer, seller, deal crypto.Identity) types.Instruction, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deal "+name, stderr)
	var (
		keyPath   string
		seller    string
		deal      string
		dealIDStr string
	)
	fs.StringVar(&keyPath, "key", "", "buyer keystore file")
	fs.StringVar(&seller, "seller", "", "seller identity")
	fs.StringVar(&deal, "deal", "", "deal address")
	fs.StringVar(&dealIDStr, "deal-id", "", "deal id (alternative to --deal)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if seller == "" {
		return printError(stderr, "--seller is required")
	}
	if (deal == "") == (dealIDStr == "") {
		return printError(stderr, "exactly one of --deal or --deal-id is required")
	}
	sellerID, err := crypto.ParseIdentity(strings.TrimSpace(seller))
	if err != nil {
		return printError(stderr, "--seller must be a valid identity")
	}
	key, err := loadKey(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	req := map[string]interface{}{
		"buyer":  key.Identity().String(),
		"seller": sellerID.String(),
	}
	var addr crypto.Identity
	if deal != "" {
		if addr, err = crypto.ParseIdentity(strings.TrimSpace(deal)); err != nil {
			return printError(stderr, "--deal must be a valid identity")
		}
		req["dealAddress"] = addr.String()
	} else {
		dealID, err := strconv.ParseUint(dealIDStr, 10, 64)
		if err != nil {
			return printError(stderr, "--deal-id must be a non-negative integer")
		}
		if addr, _, err = escrow.DeriveDealAddress(key.Identity(), sellerID, dealID); err != nil {
			return printError(stderr, err.Error())
		}
		req["dealId"] = dealID
	}

	var built unsignedTx
	if err := client.do(http.MethodPost, path, req, &built); err != nil {
		return printError(stderr, err.Error())
	}
	receipt, err := client.signAndSubmit(built, build(key.Identity(), sellerID, addr), key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, dealResult{DealAddress: built.DealAddress, DealID: built.DealID, Receipt: receipt})
}

func runDealGet(client *gatewayClient, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deal get", stderr)
	deal := fs.String("deal", "", "deal address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := crypto.ParseIdentity(*deal)
	if err != nil {
		return printError(stderr, "--deal must be a valid identity")
	}
	var view map[string]interface{}
	if err := client.do(http.MethodGet, "/v1/deal/"+addr.String(), nil, &view); err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, view)
}

// runDealAddress derives the canonical deal address offline.
func runDealAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deal address", stderr)
	buyerStr := fs.String("buyer", "", "buyer identity")
	sellerStr := fs.String("seller", "", "seller identity")
	dealID := fs.Uint64("deal-id", 0, "deal id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	buyer, err := crypto.ParseIdentity(*buyerStr)
	if err != nil {
		return printError(stderr, "--buyer must be a valid identity")
	}
	seller, err := crypto.ParseIdentity(*sellerStr)
	if err != nil {
		return printError(stderr, "--seller must be a valid identity")
	}
	addr, bump, err := escrow.DeriveDealAddress(buyer, seller, *dealID)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, map[string]interface{}{
		"dealAddress": addr.String(),
		"hex":         addr.Hex(),
		"bump":        bump,
		"dealId":      *dealID,
	})
}

func dealUsage() string {
	return strings.Join([]string{
		"Usage: shop-cli deal <subcommand> [flags]",
		"  create  --key <file> --seller <id> (--lamports N | --sol X) [--deal-id N] [--title T] [--listing-url U]",
		"  fund    --key <file> --seller <id> (--deal <addr> | --deal-id N)",
		"  release --key <file> --seller <id> (--deal <addr> | --deal-id N)",
		"  get     --deal <addr>",
		"  address --buyer <id> --seller <id> --deal-id N",
	}, "\n")
}
