package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/httpx"
)

// Status is the settlement outcome of a submitted transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Client speaks JSON-RPC 2.0 to a Solana node.
type Client struct {
	http       *httpx.Client
	endpoint   string
	commitment string
	requestID  atomic.Uint64
}

type ClientOption func(*Client)

// WithCommitment sets the commitment level for reads and preflight.
func WithCommitment(level string) ClientOption {
	return func(c *Client) {
		c.commitment = level
	}
}

func NewClient(httpClient *httpx.Client, endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		http:       httpClient.Named("solana rpc"),
		endpoint:   strings.TrimSpace(endpoint),
		commitment: "confirmed",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "marshal rpc request", err)
	}

	var resp rpcResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.endpoint, body, nil, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "solana rpc "+method, resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return clierr.Wrap(clierr.CodeUnavailable, "decode solana rpc "+method, err)
		}
	}
	return nil
}

// GetLatestBlockhash returns a recent blockhash and the last block height
// at which a transaction referencing it is valid.
func (c *Client) GetLatestBlockhash(ctx context.Context) (Hash, uint64, error) {
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return Hash{}, 0, err
	}
	h, err := HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return Hash{}, 0, clierr.Wrap(clierr.CodeUnavailable, "solana rpc returned invalid blockhash", err)
	}
	return h, result.Value.LastValidBlockHeight, nil
}

// SendTransaction submits a signed, base64 encoded transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, signedBase64 string) (string, error) {
	params := []any{
		signedBase64,
		map[string]any{
			"encoding":            "base64",
			"preflightCommitment": c.commitment,
		},
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	if strings.TrimSpace(sig) == "" {
		return "", clierr.New(clierr.CodeUnavailable, "solana rpc returned empty signature")
	}
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// GetSignatureStatus classifies a signature as confirmed, failed or still
// pending. Unknown signatures are pending.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (Status, error) {
	var result struct {
		Value []*signatureStatus `json:"value"`
	}
	params := []any{
		[]string{signature},
		map[string]any{"searchTransactionHistory": true},
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return StatusPending, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return StatusPending, nil
	}
	return classify(result.Value[0]), nil
}

func classify(s *signatureStatus) Status {
	if len(s.Err) > 0 && string(s.Err) != "null" {
		return StatusFailed
	}
	switch s.ConfirmationStatus {
	case "confirmed", "finalized":
		return StatusConfirmed
	default:
		return StatusPending
	}
}

// SPL token programs whose accounts count toward a wallet's holdings.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// GetBalance returns the owner's native balance in lamports.
func (c *Client) GetBalance(ctx context.Context, owner PublicKey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{owner.String(), map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// TokenBalance is one token account held by an owner. Amount is in base
// units of Mint.
type TokenBalance struct {
	Account  string `json:"account"`
	Mint     string `json:"mint"`
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

type parsedTokenAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data struct {
			Parsed struct {
				Type string `json:"type"`
				Info struct {
					Mint        string `json:"mint"`
					TokenAmount struct {
						Amount   string `json:"amount"`
						Decimals uint8  `json:"decimals"`
					} `json:"tokenAmount"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"account"`
}

// GetTokenAccountsByOwner lists the owner's token accounts under both SPL
// token programs.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner PublicKey) ([]TokenBalance, error) {
	var out []TokenBalance
	for _, program := range []string{TokenProgramID, Token2022ProgramID} {
		var result struct {
			Value []parsedTokenAccount `json:"value"`
		}
		params := []any{
			owner.String(),
			map[string]any{"programId": program},
			map[string]any{"encoding": "jsonParsed", "commitment": c.commitment},
		}
		if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
			return nil, err
		}
		for _, acct := range result.Value {
			info := acct.Account.Data.Parsed.Info
			if info.Mint == "" {
				continue
			}
			out = append(out, TokenBalance{
				Account:  acct.Pubkey,
				Mint:     info.Mint,
				Amount:   info.TokenAmount.Amount,
				Decimals: info.TokenAmount.Decimals,
			})
		}
	}
	return out, nil
}

// GetHealth returns nil when the node reports itself healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	var result string
	if err := c.call(ctx, "getHealth", nil, &result); err != nil {
		return err
	}
	if result != "ok" {
		return clierr.New(clierr.CodeUnavailable, "solana rpc unhealthy: "+result)
	}
	return nil
}
