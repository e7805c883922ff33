package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"shopchain/core/types"
	"shopchain/crypto"
)

const defaultGatewayURL = "http://localhost:8080"

func defaultGatewayEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("SHOPCHAIN_GATEWAY")); v != "" {
		return v
	}
	return defaultGatewayURL
}

// gatewayError is a non-2xx reply from the gateway.
type gatewayError struct {
	Status  int
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *gatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %d: %s", e.Status, e.Message)
}

type gatewayClient struct {
	base string
	http *http.Client
}

func newGatewayClient(base string) *gatewayClient {
	return &gatewayClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *gatewayClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		gwErr := &gatewayError{Status: resp.StatusCode}
		if json.Unmarshal(raw, gwErr) != nil || gwErr.Message == "" {
			gwErr.Message = strings.TrimSpace(string(raw))
		}
		return gwErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// unsignedTx is the gateway reply for deal builders.
type unsignedTx struct {
	DealAddress    string `json:"dealAddress"`
	DealID         uint64 `json:"dealId"`
	AmountLamports uint64 `json:"amountLamports,omitempty"`
	Tx             string `json:"tx"`
	Digest         string `json:"digest"`
	Status         string `json:"status"`
}

type submitResult struct {
	TxHash  string         `json:"txHash"`
	Program string         `json:"program"`
	Events  []*types.Event `json:"events"`
}

var errInstructionMismatch = errors.New("gateway returned a transaction that does not match the requested instruction")

// signAndSubmit signs the gateway-built transaction locally and submits it.
// The instruction must equal expected, which the caller builds from the
// user's own flags; only the nonce is taken from the gateway.
func (c *gatewayClient) signAndSubmit(built unsignedTx, expected types.Instruction, key *crypto.PrivateKey) (*submitResult, error) {
	raw, err := hexutil.Decode(built.Tx)
	if err != nil {
		return nil, fmt.Errorf("gateway returned invalid tx hex: %w", err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	digest, err := tx.SigningDigest()
	if err != nil {
		return nil, err
	}
	if built.Digest != "" && hexutil.Encode(digest) != built.Digest {
		return nil, fmt.Errorf("gateway digest mismatch")
	}
	if !sameInstruction(tx.Instruction, expected) {
		return nil, errInstructionMismatch
	}
	if len(tx.Signatures) != 0 {
		return nil, fmt.Errorf("gateway returned a transaction with %d signatures attached", len(tx.Signatures))
	}
	return c.submit(&tx, key)
}

func sameInstruction(a, b types.Instruction) bool {
	if a.ProgramID != b.ProgramID || !bytes.Equal(a.Data, b.Data) || len(a.Accounts) != len(b.Accounts) {
		return false
	}
	for i := range a.Accounts {
		if a.Accounts[i] != b.Accounts[i] {
			return false
		}
	}
	return true
}

func (c *gatewayClient) submit(tx *types.Transaction, key *crypto.PrivateKey) (*submitResult, error) {
	if err := tx.Sign(key); err != nil {
		return nil, err
	}
	signed, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var result submitResult
	if err := c.do(http.MethodPost, "/v1/transactions", map[string]string{"tx": hexutil.Encode(signed)}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
