package chain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
)

type fakeTransport struct {
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []string
}

func (f *fakeTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if raw, ok := f.responses[method]; ok {
		return raw, nil
	}
	return json.RawMessage(`"0x0"`), nil
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func newTestClient(transport RPCTransport) *Client {
	return NewClient(Config{
		Name:        "testnet",
		Transport:   transport,
		SigningKey:  []byte("signing-key"),
		MaxAttempts: 3,
		MaxBackoff:  10 * time.Millisecond,
	})
}

func TestConnectSucceedsOnValidChainID(t *testing.T) {
	tr := &fakeTransport{responses: map[string]json.RawMessage{"eth_chainId": rawString("0x1")}}
	c := newTestClient(tr)
	require.NoError(t, c.Connect(context.Background()))
}

func TestEstimateGas(t *testing.T) {
	tr := &fakeTransport{responses: map[string]json.RawMessage{
		"eth_estimateGas": rawString("0x5208"),
		"eth_gasPrice":    rawString("0x3b9aca00"),
	}}
	c := newTestClient(tr)
	gas, price, err := c.EstimateGas(context.Background(), OpDescriptor{ContractAddress: "0xabc", Root: hashutil.Sum(hashutil.String("root")), LeafCount: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 0x5208, gas)
	assert.EqualValues(t, 0x3b9aca00, price.Uint64())
}

func TestSendAllocatesNonceOnceAndIncrements(t *testing.T) {
	tr := &fakeTransport{responses: map[string]json.RawMessage{
		"eth_getTransactionCount": rawString("0x2"),
		"eth_sendRawTransaction":  rawString("0xdeadbeef"),
	}}
	c := newTestClient(tr)
	op := OpDescriptor{ContractAddress: "0xabc", Root: hashutil.Sum(hashutil.String("root")), LeafCount: 3}

	hash1, err := c.Send(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", hash1)
	assert.EqualValues(t, 3, c.nonce)

	_, err = c.Send(context.Background(), op)
	require.NoError(t, err)
	assert.EqualValues(t, 4, c.nonce, "nonce must advance without a second getTransactionCount round trip")

	count := 0
	for _, m := range tr.calls {
		if m == "eth_getTransactionCount" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSendRetryExhaustionReclassifiesAsPermanent(t *testing.T) {
	tr := &fakeTransport{
		responses: map[string]json.RawMessage{"eth_getTransactionCount": rawString("0x0")},
		errs:      map[string]error{"eth_sendRawTransaction": apierr.New(apierr.CodeRPCTransient, "connection refused")},
	}
	c := newTestClient(tr)
	_, err := c.Send(context.Background(), OpDescriptor{ContractAddress: "0xabc", Root: hashutil.Sum(hashutil.String("root")), LeafCount: 1})
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeRPCPermanent, ae.Code)

	sends := 0
	for _, m := range tr.calls {
		if m == "eth_sendRawTransaction" {
			sends++
		}
	}
	assert.Equal(t, 3, sends, "must retry up to maxAttempts before giving up")
}

func TestWaitReceiptTimesOut(t *testing.T) {
	tr := &fakeTransport{responses: map[string]json.RawMessage{"eth_getTransactionReceipt": json.RawMessage("null")}}
	c := newTestClient(tr)
	_, err := c.WaitReceipt(context.Background(), "0xdeadbeef", 30*time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
}

func TestDecodeEventUnknownTopicIsOpaque(t *testing.T) {
	c := newTestClient(&fakeTransport{})
	evt, err := c.DecodeEvent("0xsomeothertopic", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, "0xsomeothertopic", evt["topic"])
}

func TestRegistryActiveDefaultsToFirstRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register(NetworkEntry{Name: "sepolia", ChainID: 11155111}, newTestClient(&fakeTransport{}))
	r.Register(NetworkEntry{Name: "polygonMumbai", ChainID: 80001}, newTestClient(&fakeTransport{}))

	assert.Equal(t, "sepolia", r.Active())

	require.NoError(t, r.SetActive("polygonMumbai"))
	assert.Equal(t, "polygonMumbai", r.Active())

	err := r.SetActive("unknown")
	assert.Error(t, err)

	entries := r.List()
	assert.Len(t, entries, 2)

	_, _, err = r.Get("unknown")
	assert.Error(t, err)
}
