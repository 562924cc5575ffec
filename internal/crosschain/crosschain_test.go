package crosschain

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/iot-anchor-node/internal/anchor"
	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/chain"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

type fakeTransport struct {
	responses map[string]json.RawMessage
	errs      map[string]error
}

func (f *fakeTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
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

func newRegistry(t *testing.T, names ...map[string]json.RawMessage) *chain.Registry {
	t.Helper()
	r := chain.NewRegistry()
	for i, resp := range names {
		name := "chain" + string(rune('A'+i))
		r.Register(chain.NetworkEntry{Name: name, ContractAddress: "0xcontract"}, chain.NewClient(chain.Config{
			Name:        name,
			Transport:   &fakeTransport{responses: resp},
			SigningKey:  []byte("key"),
			MaxAttempts: 1,
			MaxBackoff:  time.Millisecond,
		}))
	}
	return r
}

type fakeAnchorStore struct {
	mu      sync.Mutex
	anchors map[string]map[string]any
}

func newFakeAnchorStore() *fakeAnchorStore {
	return &fakeAnchorStore{anchors: make(map[string]map[string]any)}
}

func (f *fakeAnchorStore) UpsertAnchor(ctx context.Context, batchID int64, chainName string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchors[chainName] = fields
	return nil
}

func (f *fakeAnchorStore) ListAnchors(ctx context.Context, batchID int64) ([]model.ChainAnchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChainAnchor
	for name, fields := range f.anchors {
		a := model.ChainAnchor{ChainName: name}
		if v, ok := fields["status"].(string); ok {
			a.Status = v
		}
		if v, ok := fields["tx_hash"].(string); ok {
			a.TxHash = v
		}
		if v, ok := fields["error"].(string); ok {
			a.Error = v
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAnchorStore) AnchorsByRoot(ctx context.Context, root hashutil.Digest) (*model.MerkleBatch, []model.ChainAnchor, error) {
	return nil, nil, apierr.New(apierr.CodeNotFound, "not implemented in fake")
}

func (f *fakeAnchorStore) GetDeployment(ctx context.Context, chainName string) (*model.ChainDeployment, bool, error) {
	return nil, false, nil
}

func testBatch() *model.MerkleBatch {
	root := hashutil.Sum(hashutil.String("root"))
	return &model.MerkleBatch{BatchID: 1, LeafCount: 3, Root: root.Bytes(), Metadata: "m"}
}

func TestDispatchPartialFailureIsIndependentPerChain(t *testing.T) {
	registry := chain.NewRegistry()
	registry.Register(chain.NetworkEntry{Name: "sepolia", ContractAddress: "0xc"}, chain.NewClient(chain.Config{
		Name:        "sepolia",
		Transport:   &fakeTransport{responses: map[string]json.RawMessage{"eth_getTransactionCount": rawString("0x0"), "eth_sendRawTransaction": rawString("0xaaa")}},
		SigningKey:  []byte("k1"),
		MaxAttempts: 1,
	}))
	registry.Register(chain.NetworkEntry{Name: "bscTestnet", ContractAddress: "0xc"}, chain.NewClient(chain.Config{
		Name:        "bscTestnet",
		Transport:   &fakeTransport{errs: map[string]error{"eth_getTransactionCount": apierr.New(apierr.CodeRPCPermanent, "endpoint unreachable")}},
		SigningKey:  []byte("k2"),
		MaxAttempts: 1,
	}))

	store := newFakeAnchorStore()
	d := NewDispatcher(registry, store, nil, 50*time.Millisecond, context.Background())

	outcomes := d.Dispatch(context.Background(), testBatch(), []string{"sepolia", "bscTestnet"})
	require.Len(t, outcomes, 2)

	var okChain, failChain anchor.ChainOutcome
	for _, o := range outcomes {
		if o.Chain == "sepolia" {
			okChain = o
		} else {
			failChain = o
		}
	}
	assert.Equal(t, "pending", okChain.Status)
	assert.Equal(t, "0xaaa", okChain.TxHash)
	assert.Equal(t, "failed", failChain.Status)
	assert.NotEmpty(t, failChain.Error)

	statuses, _, err := d.SyncStatus(context.Background(), 1)
	require.NoError(t, err)
	byChain := map[string]Status{}
	for _, s := range statuses {
		byChain[s.Chain] = s
	}
	assert.Equal(t, "pending", byChain["sepolia"].Status)
	assert.Equal(t, "failed", byChain["bscTestnet"].Status)
}

func TestRetryRedispatchesOnlyOneChain(t *testing.T) {
	registry := newRegistry(t, map[string]json.RawMessage{"eth_getTransactionCount": rawString("0x0"), "eth_sendRawTransaction": rawString("0xbbb")})
	store := newFakeAnchorStore()
	d := NewDispatcher(registry, store, nil, 50*time.Millisecond, context.Background())

	out := d.Retry(context.Background(), testBatch(), "chainA")
	assert.Equal(t, "pending", out.Status)
	assert.Equal(t, "0xbbb", out.TxHash)
}
