package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"

	"shopchain/cmd/internal/passphrase"
	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/system"
)

const keystorePassEnv = "SHOPCHAIN_KEYSTORE_PASS"

var newPassphraseSource = func() *passphrase.Source {
	return passphrase.NewSource(keystorePassEnv, "keystore")
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("shop-cli", flag.ContinueOnError)
	global.SetOutput(stderr)
	gateway := global.String("gateway", defaultGatewayEndpoint(), "escrow gateway base URL")
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := global.Parse(args); err != nil {
		return 1
	}
	args = global.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	client := newGatewayClient(*gateway)

	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdout, stderr)
	case "balance":
		return runBalance(client, args[1:], stdout, stderr)
	case "transfer":
		return runTransfer(client, args[1:], stdout, stderr)
	case "deal":
		return runDealCommand(client, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func writeResult(w io.Writer, v interface{}) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--key is required")
	}
	pass, err := newPassphraseSource().Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	out := fs.String("out", "wallet.json", "keystore file to write")
	lightKDF := fs.Bool("light-kdf", false, "use light scrypt parameters (faster, weaker; for throwaway keys)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pass, err := newPassphraseSource().Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := crypto.StandardScrypt
	if *lightKDF {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystoreWithParams(*out, key, pass, params); err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, map[string]string{
		"identity": key.Identity().String(),
		"hex":      key.Identity().Hex(),
		"keystore": *out,
	})
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("identity", stderr)
	keyPath := fs.String("key", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, map[string]string{
		"identity": key.Identity().String(),
		"hex":      key.Identity().Hex(),
	})
}

func runBalance(client *gatewayClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		return printError(stderr, "usage: balance <identity>")
	}
	id, err := crypto.ParseIdentity(args[0])
	if err != nil {
		return printError(stderr, err.Error())
	}
	var account map[string]interface{}
	if err := client.do(http.MethodGet, "/v1/accounts/"+id.String(), nil, &account); err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, account)
}

func runTransfer(client *gatewayClient, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("transfer", stderr)
	keyPath := fs.String("key", "", "sender keystore file")
	to := fs.String("to", "", "recipient identity")
	lamports := fs.Uint64("lamports", 0, "amount to send")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *to == "" {
		return printError(stderr, "--to is required")
	}
	recipient, err := crypto.ParseIdentity(*to)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(*keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	tx := types.NewTransactionWithNonce(system.NewTransferInstruction(key.Identity(), recipient, *lamports), rand.Uint64())
	result, err := client.submit(tx, key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return writeResult(stdout, result)
}

func usage() string {
	return strings.Join([]string{
		"Usage: shop-cli [--gateway URL] <command> [flags]",
		"",
		"Commands:",
		"  generate-key --out <file> [--light-kdf]       create an encrypted keystore",
		"  identity --key <file>                         print the keystore identity",
		"  balance <identity>                            show an account",
		"  transfer --key <file> --to <id> --lamports N  send lamports",
		"  deal <create|fund|release|get|address>        escrow deal lifecycle",
		"",
		"The keystore passphrase is read from " + keystorePassEnv + " or prompted for.",
	}, "\n")
}
