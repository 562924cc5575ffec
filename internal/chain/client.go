// Package chain implements C4/C5: one client per configured network plus
// the registry that names and selects among them. Grounded on the
// original's multi_chain_client.py (per-network Web3 connection, balance,
// network info, gas price) with Web3/eth-account themselves replaced —
// no such SDK exists anywhere in the retrieved corpus — by a small
// net/http JSON-RPC transport and a commitment-style signer built on the
// same keccak-256 primitive C1 already uses.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
)

const (
	DefaultRPCTimeout     = 20 * time.Second
	DefaultConfirmTimeout = 180 * time.Second
	DefaultMaxRPCBackoff  = 30 * time.Second
	DefaultMaxRPCAttempts = 5
)

// OpDescriptor is the single on-chain operation this service ever builds:
// publishing a batch's Merkle root. Per §6: "the server emits a single
// anchor(root, leaf_count, metadata) transaction".
type OpDescriptor struct {
	ContractAddress string
	Root            hashutil.Digest
	LeafCount       int
	Metadata        string
}

// Receipt mirrors the fields §4.4/§4.7 require out of wait_receipt.
type Receipt struct {
	TxHash      string
	BlockNumber int64
	GasUsed     int64
	Status      string // "confirmed" | "failed"
	Error       string
}

// NetworkInfo supplements the distilled spec from multi_chain_client.py's
// get_network_info: operator-facing visibility into a connection's live
// chain id / block height / gas price, never used to gate anchoring logic.
type NetworkInfo struct {
	Network      string
	ChainID      int64
	BlockNumber  int64
	GasPriceWei  *big.Int
	GasPriceGwei float64
}

// ErrTimeout and ErrReverted are returned by WaitReceipt per §4.4.
var (
	ErrTimeout  = apierr.New(apierr.CodeRPCPermanent, "timed out waiting for receipt")
	ErrReverted = apierr.New(apierr.CodeRPCPermanent, "transaction reverted")
)

// Client is one instance per configured network. It serializes nonce
// allocation for its signing key, per §4.4/§5 ("a single sender per
// network at a time").
type Client struct {
	Name       string
	transport  RPCTransport
	signingKey []byte

	rpcTimeout  time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool
}

// Config bundles the per-network settings a registry entry supplies.
type Config struct {
	Name        string
	Transport   RPCTransport
	SigningKey  []byte
	RPCTimeout  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

func NewClient(cfg Config) *Client {
	c := &Client{
		Name:        cfg.Name,
		transport:   cfg.Transport,
		signingKey:  cfg.SigningKey,
		rpcTimeout:  cfg.RPCTimeout,
		maxBackoff:  cfg.MaxBackoff,
		maxAttempts: cfg.MaxAttempts,
	}
	if c.rpcTimeout <= 0 {
		c.rpcTimeout = DefaultRPCTimeout
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxRPCBackoff
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxRPCAttempts
	}
	return c
}

// Connect probes the endpoint with a trivial call, the way the original
// logs "Connected to <network>" right after opening a Web3 HTTPProvider.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.call(ctx, "eth_chainId", nil)
	if err != nil {
		return apierr.Wrap(apierr.CodeRPCPermanent, "failed to connect to "+c.Name, err)
	}
	return nil
}

// EstimateGas never submits; it only asks the endpoint what the op would
// cost, per §4.4.
func (c *Client) EstimateGas(ctx context.Context, op OpDescriptor) (gasUnits uint64, gasPriceWei *big.Int, err error) {
	data := c.encodeCall(op)
	raw, err := c.call(ctx, "eth_estimateGas", []any{map[string]any{
		"to":   op.ContractAddress,
		"data": "0x" + hex.EncodeToString(data),
	}})
	if err != nil {
		return 0, nil, err
	}
	gasUnits, err = decodeHexQuantity(raw)
	if err != nil {
		return 0, nil, apierr.Wrap(apierr.CodeRPCTransient, "malformed gas estimate", err)
	}
	priceRaw, err := c.call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return 0, nil, err
	}
	price, err := decodeHexQuantity(priceRaw)
	if err != nil {
		return 0, nil, apierr.Wrap(apierr.CodeRPCTransient, "malformed gas price", err)
	}
	return gasUnits, new(big.Int).SetUint64(price), nil
}

// Send builds, signs, and broadcasts the anchor transaction, returning its
// hash without waiting for inclusion. Nonce allocation is serialized on c.mu
// so only one sender is in flight per network at a time.
func (c *Client) Send(ctx context.Context, op OpDescriptor) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.nonceKnown {
		if err := c.loadNonce(ctx); err != nil {
			return "", err
		}
	}

	data := c.encodeCall(op)

	// NonceTooLow retries in place rather than recursing into Send: c.mu
	// is not reentrant, and Send is the only caller holding it here.
	for {
		signed := c.sign(data, c.nonce)
		raw, err := c.callWithRetry(ctx, "eth_sendRawTransaction", []any{"0x" + hex.EncodeToString(signed)})
		if err != nil {
			if ae, ok := err.(*apierr.Error); ok && isNonceTooLow(ae) {
				c.nonce++
				continue
			}
			return "", err
		}

		var txHash string
		if err := json.Unmarshal(raw, &txHash); err != nil {
			return "", apierr.Wrap(apierr.CodeRPCTransient, "malformed send response", err)
		}
		c.nonce++
		return txHash, nil
	}
}

// WaitReceipt polls for inclusion until the deadline elapses.
func (c *Client) WaitReceipt(ctx context.Context, txHash string, deadline time.Duration) (*Receipt, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		raw, err := c.call(deadlineCtx, "eth_getTransactionReceipt", []any{txHash})
		if err == nil && len(raw) > 0 && string(raw) != "null" {
			var r struct {
				BlockNumber string `json:"blockNumber"`
				GasUsed     string `json:"gasUsed"`
				Status      string `json:"status"`
			}
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, apierr.Wrap(apierr.CodeRPCTransient, "malformed receipt", err)
			}
			blockNumber, _ := decodeHexQuantity(json.RawMessage(`"` + r.BlockNumber + `"`))
			gasUsed, _ := decodeHexQuantity(json.RawMessage(`"` + r.GasUsed + `"`))
			status, _ := decodeHexQuantity(json.RawMessage(`"` + r.Status + `"`))
			if status == 0 {
				return &Receipt{TxHash: txHash, BlockNumber: int64(blockNumber), GasUsed: int64(gasUsed), Status: "failed", Error: "transaction reverted"}, ErrReverted
			}
			return &Receipt{TxHash: txHash, BlockNumber: int64(blockNumber), GasUsed: int64(gasUsed), Status: "confirmed"}, nil
		}
		select {
		case <-deadlineCtx.Done():
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}

// Balance returns the native-currency balance of an address, in wei — the
// supplemental read-only query carried over from get_balance.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	raw, err := c.call(ctx, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	wei, err := decodeHexQuantity(raw)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeRPCTransient, "malformed balance", err)
	}
	return new(big.Int).SetUint64(wei), nil
}

// NetworkInfo is the supplemental visibility query from get_network_info.
func (c *Client) NetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	chainIDRaw, err := c.call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	blockRaw, err := c.call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return nil, err
	}
	priceRaw, err := c.call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	chainID, _ := decodeHexQuantity(chainIDRaw)
	block, _ := decodeHexQuantity(blockRaw)
	price, _ := decodeHexQuantity(priceRaw)
	gwei := float64(price) / 1e9
	return &NetworkInfo{Network: c.Name, ChainID: int64(chainID), BlockNumber: int64(block), GasPriceWei: new(big.Int).SetUint64(price), GasPriceGwei: gwei}, nil
}

// DecodeEvent turns a raw log's topic/data pair into a structured view.
// Only the one event this service ever emits — the anchor confirmation —
// is decoded; anything else is returned opaque.
func (c *Client) DecodeEvent(topic string, data []byte) (map[string]any, error) {
	if topic != anchorEventTopic {
		return map[string]any{"topic": topic, "raw": hex.EncodeToString(data)}, nil
	}
	if len(data) < 32 {
		return nil, apierr.New(apierr.CodeRPCPermanent, "malformed anchor event data")
	}
	var root hashutil.Digest
	copy(root[:], data[:32])
	return map[string]any{"topic": topic, "root": root.Hex()}, nil
}

var anchorEventTopic = hashutil.Sum(hashutil.String("MerkleRootAnchored")).Hex()

// encodeCall builds the opaque call payload for the single anchor(root,
// leaf_count, metadata) operation. There is no real ABI in scope per §6
// ("exact contract ABI is an input, not part of this spec"), so the
// encoding here is the length-prefixed C1 tuple format, not Solidity ABI.
func (c *Client) encodeCall(op OpDescriptor) []byte {
	return hashutil.Bytes(append(append(op.Root.Bytes(), hashutil.Int64(int64(op.LeafCount))...), hashutil.String(op.Metadata)...))
}

// sign produces an opaque authentication tag over (data, nonce) keyed by
// the process-scoped signing key. Per §4.4/§5 the signing key never leaves
// the chain client; like the ZKP engine, this is explicitly not an
// ECDSA/secp256k1 signature — no such library is present in the corpus —
// but it plays the same role: only the holder of signingKey can produce it.
func (c *Client) sign(data []byte, nonce uint64) []byte {
	tag := hashutil.Sum(hashutil.Bytes(c.signingKey), hashutil.Uint64(nonce), hashutil.Bytes(data))
	return append(tag.Bytes(), data...)
}

func (c *Client) loadNonce(ctx context.Context) error {
	raw, err := c.call(ctx, "eth_getTransactionCount", []any{signerAddress(c.signingKey), "pending"})
	if err != nil {
		return err
	}
	n, err := decodeHexQuantity(raw)
	if err != nil {
		return apierr.Wrap(apierr.CodeRPCTransient, "malformed nonce", err)
	}
	c.nonce = n
	c.nonceKnown = true
	return nil
}

// signerAddress derives a stable pseudo-address from the signing key for
// JSON-RPC calls that require one (eth_getTransactionCount's "from").
func signerAddress(signingKey []byte) string {
	return "0x" + hex.EncodeToString(hashutil.Sum(hashutil.String("ADDR"), hashutil.Bytes(signingKey)).Bytes()[:20])
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	return c.transport.Call(ctx, method, params)
}

// callWithRetry applies exponential backoff on RPC_TRANSIENT up to
// maxAttempts, per §4.4/§7; exhaustion reclassifies as RPC_PERMANENT.
func (c *Client) callWithRetry(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		raw, err := c.call(ctx, method, params)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		ae, ok := err.(*apierr.Error)
		if !ok || ae.Code != apierr.CodeRPCTransient {
			return nil, err
		}
		if isNonceTooLow(ae) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return nil, apierr.Wrap(apierr.CodeRPCPermanent, fmt.Sprintf("exhausted %d rpc attempts", c.maxAttempts), lastErr)
}

func isNonceTooLow(err *apierr.Error) bool {
	return err != nil && strings.Contains(err.Error(), "nonce too low")
}

func decodeHexQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	s = trimHexPrefix(s)
	if s == "" {
		return 0, nil
	}
	var n uint64
	_, err := fmt.Sscanf(s, "%x", &n)
	return n, err
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
