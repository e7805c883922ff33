package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shopchain/core/runtime"
	"shopchain/core/state"
	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/escrow"
	"shopchain/native/system"
	"shopchain/services/escrow-gateway/indexer"
	"shopchain/services/escrow-gateway/models"
	escrowserver "shopchain/services/escrow-gateway/server"
	"shopchain/storage"
)

type cliEnv struct {
	t       *testing.T
	gateway string
	manager *state.Manager
	rt      *runtime.Runtime
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv(keystorePassEnv, "correct horse")

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	idx := indexer.New(db, nil)

	manager := state.NewManager(storage.NewMemDB())
	rt := runtime.New(manager, runtime.WithEmitter(idx))
	require.NoError(t, rt.Register(system.Program{}))
	require.NoError(t, rt.Register(escrow.NewEngine()))

	srv := httptest.NewServer(escrowserver.New(escrowserver.Config{Ledger: rt, Index: idx, DB: db}).Handler())
	t.Cleanup(srv.Close)
	return &cliEnv{t: t, gateway: srv.URL, manager: manager, rt: rt}
}

func (e *cliEnv) run(args ...string) (int, string, string) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--gateway", e.gateway}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *cliEnv) newWallet(name string, lamports uint64) (string, crypto.Identity) {
	e.t.Helper()
	path := filepath.Join(e.t.TempDir(), name+".json")
	code, out, errOut := e.run("generate-key", "--out", path, "--light-kdf")
	require.Equal(e.t, 0, code, errOut)
	var res map[string]string
	require.NoError(e.t, json.Unmarshal([]byte(out), &res))
	id, err := crypto.ParseIdentity(res["identity"])
	require.NoError(e.t, err)
	if lamports > 0 {
		txn := e.manager.Begin()
		acc, err := txn.Account(id)
		require.NoError(e.t, err)
		acc.Lamports = lamports
		require.NoError(e.t, txn.Commit())
	}
	return path, id
}

func (e *cliEnv) balance(id crypto.Identity) uint64 {
	e.t.Helper()
	acc, err := e.rt.Account(id)
	require.NoError(e.t, err)
	return acc.Lamports
}

func TestDealLifecycleThroughCLI(t *testing.T) {
	env := newCLIEnv(t)
	buyerKey, buyer := env.newWallet("buyer", 50_000_000)
	_, seller := env.newWallet("seller", 0)

	code, out, errOut := env.run("identity", "--key", buyerKey)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, buyer.String())

	code, out, errOut = env.run("deal", "create", "--key", buyerKey, "--seller", seller.String(),
		"--lamports", "20000000", "--deal-id", "11", "--title", "Desk lamp")
	require.Equal(t, 0, code, errOut)
	var created dealResult
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Equal(t, uint64(11), created.DealID)
	require.NotNil(t, created.Receipt)

	code, out, errOut = env.run("deal", "address", "--buyer", buyer.String(), "--seller", seller.String(), "--deal-id", "11")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, created.DealAddress)

	code, _, errOut = env.run("deal", "fund", "--key", buyerKey, "--seller", seller.String(), "--deal", created.DealAddress)
	require.Equal(t, 0, code, errOut)

	code, _, errOut = env.run("deal", "fund", "--key", buyerKey, "--seller", seller.String(), "--deal-id", "11")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "already_funded")

	code, _, errOut = env.run("deal", "release", "--key", buyerKey, "--seller", seller.String(), "--deal-id", "11")
	require.Equal(t, 0, code, errOut)
	require.Equal(t, uint64(20_000_000), env.balance(seller))

	code, out, errOut = env.run("deal", "get", "--deal", created.DealAddress)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, `"RELEASED"`)
	require.Contains(t, out, "Desk lamp")
}

func TestTransferAndBalance(t *testing.T) {
	env := newCLIEnv(t)
	senderKey, sender := env.newWallet("sender", 1_000)
	_, recipient := env.newWallet("recipient", 0)

	code, _, errOut := env.run("transfer", "--key", senderKey, "--to", recipient.String(), "--lamports", "400")
	require.Equal(t, 0, code, errOut)
	require.Equal(t, uint64(600), env.balance(sender))

	code, out, errOut := env.run("balance", recipient.String())
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, `"lamports": 400`)

	// Identical transfers carry fresh nonces, so both commit.
	code, _, errOut = env.run("transfer", "--key", senderKey, "--to", recipient.String(), "--lamports", "400")
	require.Equal(t, 0, code, errOut)
	require.Equal(t, uint64(200), env.balance(sender))

	code, _, errOut = env.run("transfer", "--key", senderKey, "--to", recipient.String(), "--lamports", "5000")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "gateway 422")
}

func TestGenerateKeyDefaultsToStandardScrypt(t *testing.T) {
	t.Setenv(keystorePassEnv, "correct horse")
	dir := t.TempDir()
	for _, tc := range []struct {
		name  string
		extra []string
		n     float64
	}{
		{"standard", nil, float64(keystore.StandardScryptN)},
		{"light", []string{"--light-kdf"}, float64(keystore.LightScryptN)},
	} {
		path := filepath.Join(dir, tc.name+".json")
		var stdout, stderr bytes.Buffer
		code := run(append([]string{"generate-key", "--out", path}, tc.extra...), &stdout, &stderr)
		require.Equal(t, 0, code, stderr.String())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		var file map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &file))
		params := file["crypto"].(map[string]interface{})["kdfparams"].(map[string]interface{})
		require.Equal(t, tc.n, params["n"], tc.name)
	}
}

func TestArgumentValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Usage: shop-cli"},
		{"unknown command", []string{"mint"}, "Unknown command: mint"},
		{"deal usage", []string{"deal"}, "Usage: shop-cli deal"},
		{"unknown deal subcommand", []string{"deal", "refund"}, "Unknown deal subcommand"},
		{"create without seller", []string{"deal", "create", "--lamports", "1"}, "--seller is required"},
		{"create with both amounts", []string{"deal", "create", "--seller", "x", "--lamports", "1", "--sol", "1"}, "exactly one of --lamports or --sol"},
		{"fund without deal", []string{"deal", "fund", "--seller", "x"}, "exactly one of --deal or --deal-id"},
		{"address bad buyer", []string{"deal", "address", "--buyer", "nope", "--seller", "nope"}, "--buyer must be a valid identity"},
		{"balance bad identity", []string{"balance", "0x12"}, "Error:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tc.args, &stdout, &stderr)
			require.Equal(t, 1, code)
			require.True(t, strings.Contains(stderr.String(), tc.want), stderr.String())
		})
	}
}

// tamperedGateway answers deal builders with a system transfer that would
// drain the buyer, and records whether anything was submitted.
func tamperedGateway(t *testing.T, buyer, thief crypto.Identity, dealAddress string) (string, *atomic.Bool) {
	t.Helper()
	submitted := new(atomic.Bool)
	mux := http.NewServeMux()
	build := func(w http.ResponseWriter, r *http.Request) {
		tx := types.NewTransactionWithNonce(system.NewTransferInstruction(buyer, thief, 50_000_000), 1)
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		digest, err := tx.SigningDigest()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"dealAddress": dealAddress,
			"dealId":      11,
			"tx":          hexutil.Encode(raw),
			"digest":      hexutil.Encode(digest),
		}))
	}
	mux.HandleFunc("/v1/create-deal", build)
	mux.HandleFunc("/v1/fund-escrow", build)
	mux.HandleFunc("/v1/release-escrow", build)
	mux.HandleFunc("/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		submitted.Store(true)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL, submitted
}

func TestDealCommandsRefuseSubstitutedInstruction(t *testing.T) {
	env := newCLIEnv(t)
	buyerKey, buyer := env.newWallet("buyer", 50_000_000)
	_, seller := env.newWallet("seller", 0)
	thief := crypto.Identity{0x66}
	addr, _, err := escrow.DeriveDealAddress(buyer, seller, 11)
	require.NoError(t, err)
	gateway, submitted := tamperedGateway(t, buyer, thief, addr.String())

	cases := [][]string{
		{"deal", "create", "--key", buyerKey, "--seller", seller.String(), "--lamports", "1000", "--deal-id", "11"},
		{"deal", "fund", "--key", buyerKey, "--seller", seller.String(), "--deal-id", "11"},
		{"deal", "release", "--key", buyerKey, "--seller", seller.String(), "--deal", addr.String()},
	}
	for _, args := range cases {
		var stdout, stderr bytes.Buffer
		code := run(append([]string{"--gateway", gateway}, args...), &stdout, &stderr)
		require.Equal(t, 1, code, args[1])
		require.Contains(t, stderr.String(), "does not match the requested instruction", args[1])
	}
	require.False(t, submitted.Load(), "nothing may be signed and submitted")
}

func TestSignAndSubmitRejectsForeignDeal(t *testing.T) {
	buyer, seller, other := crypto.Identity{0x01}, crypto.Identity{0x02}, crypto.Identity{0x03}
	deal := crypto.Identity{0x04}
	tx := types.NewTransactionWithNonce(escrow.NewFundEscrowInstruction(buyer, other, deal), 9)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	client := newGatewayClient("http://127.0.0.1:0")
	_, err = client.signAndSubmit(unsignedTx{Tx: hexutil.Encode(raw)}, escrow.NewFundEscrowInstruction(buyer, seller, deal), key)
	require.ErrorIs(t, err, errInstructionMismatch)
}
