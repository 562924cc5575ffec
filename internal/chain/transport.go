package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
)

// RPCTransport is the seam C4 is built over. No JSON-RPC/Web3 SDK exists
// anywhere in the retrieved corpus, so the only network call this package
// makes is a plain JSON-RPC-2.0 POST, the same way the teacher's scraper
// talks to its upstream API over net/http.
type RPCTransport interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// HTTPTransport is the default RPCTransport, a thin JSON-RPC client over
// a configured endpoint URL.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{URL: url, Client: client}
}

func (t *HTTPTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeRPCTransient, "rpc transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apierr.New(apierr.CodeRPCTransient, fmt.Sprintf("rpc endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.CodeRPCPermanent, fmt.Sprintf("rpc endpoint returned %d", resp.StatusCode))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Wrap(apierr.CodeRPCTransient, "failed to decode rpc response", err)
	}
	if out.Error != nil {
		return nil, apierr.New(apierr.CodeRPCPermanent, fmt.Sprintf("rpc error %d: %s", out.Error.Code, out.Error.Message))
	}
	return out.Result, nil
}
