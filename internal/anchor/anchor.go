// Package anchor implements C6: converting accumulated PendingDatum rows
// into anchored Merkle batches. Grounded on spec.md §4.6 directly; no
// corpus file does batch assembly, so the exclusive-lock-then-persist
// shape follows the same sync.Mutex-guarded-critical-section idiom the
// teacher's internal/mw/ratelimit.go uses for its own single-writer
// resource.
package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/merkle"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

const (
	DefaultThresholdLeaves = 100
	DefaultThresholdAge    = 5 * time.Minute
)

// batchStore is the narrow persistence contract, satisfied by
// *store.Store.
type batchStore interface {
	ListPendingOrdered(ctx context.Context) ([]model.PendingDatum, error)
	PendingCount(ctx context.Context) (int64, error)
	OldestPendingSubmittedAt(ctx context.Context) (int64, bool, error)
	NextBatchID(ctx context.Context) (int64, error)
	CreateBatchWithLeaves(ctx context.Context, batchID int64, root hashutil.Digest, metadata string, pendingIDs []int64) (*model.MerkleBatch, error)
	RecoverIncompleteBatches(ctx context.Context) error
	GetBatch(ctx context.Context, batchID int64) (*model.MerkleBatch, error)
	ListBatches(ctx context.Context) ([]model.MerkleBatch, error)
	IndexOfLeaf(ctx context.Context, batchID int64, leafHash hashutil.Digest) (int, error)
	BatchLeafHashes(ctx context.Context, batchID int64) ([]hashutil.Digest, error)
}

// Dispatcher is C7's seam: given an assembled batch and a target chain
// set, kick off the fan-out and return the immediate per-chain outcome of
// the initial send (not confirmation — that happens on a receipt watcher
// in the background), per §4.6 step 6 / §4.7.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch *model.MerkleBatch, chains []string) []ChainOutcome
}

// ChainOutcome is the initial per-chain result, mirroring §6's
// `dispatched:[{chain, tx_hash}]` / `failed:[...]` response shape.
type ChainOutcome struct {
	Chain  string
	TxHash string
	Status string // "pending" | "failed"
	Error  string
}

// TriggerPolicy decides when the façade's background loop should anchor
// automatically, per §4.6 ("on-demand... or by a trigger policy").
type TriggerPolicy struct {
	ThresholdLeaves int
	ThresholdAge    time.Duration
}

// Pipeline owns every transition on PendingDatum.batch_id and on
// MerkleBatch, per §3's ownership rule.
type Pipeline struct {
	store      batchStore
	bus        *eventbus.Bus
	dispatcher Dispatcher
	policy     TriggerPolicy

	mu sync.Mutex // the exclusive, per-pipeline lock of §5
}

func NewPipeline(store batchStore, bus *eventbus.Bus, dispatcher Dispatcher, policy TriggerPolicy) *Pipeline {
	if policy.ThresholdLeaves <= 0 {
		policy.ThresholdLeaves = DefaultThresholdLeaves
	}
	if policy.ThresholdAge <= 0 {
		policy.ThresholdAge = DefaultThresholdAge
	}
	return &Pipeline{store: store, bus: bus, dispatcher: dispatcher, policy: policy}
}

// Result is what the façade's POST /merkle/anchor returns, per §6.
type Result struct {
	BatchID    int64
	LeafCount  int
	Root       hashutil.Digest
	Dispatched []ChainOutcome
}

// Anchor runs the full §4.6 procedure: snapshot, build, allocate, persist
// atomically, release the lock, then hand off to the dispatcher.
func (p *Pipeline) Anchor(ctx context.Context, chains []string, metadata string, now int64) (*Result, error) {
	batch, err := p.assemble(ctx, metadata)
	if err != nil {
		return nil, err
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.TopicBatchCreated, map[string]any{
			"batch_id":   batch.BatchID,
			"leaf_count": batch.LeafCount,
		})
	}

	var dispatched []ChainOutcome
	if p.dispatcher != nil && len(chains) > 0 {
		dispatched = p.dispatcher.Dispatch(ctx, batch, chains)
	}

	var root hashutil.Digest
	copy(root[:], batch.Root)
	return &Result{BatchID: batch.BatchID, LeafCount: batch.LeafCount, Root: root, Dispatched: dispatched}, nil
}

// assemble is steps 1-5: snapshot, build, allocate, persist. The lock is
// held only for this, and is released before Anchor invokes the
// dispatcher, per §5 ("the lock MUST be released before invoking the
// cross-chain dispatcher").
func (p *Pipeline) assemble(ctx context.Context, metadata string) (*model.MerkleBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, err := p.store.ListPendingOrdered(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, apierr.New(apierr.CodeNoPending, "no pending data to anchor")
	}

	leaves := make([]hashutil.Digest, len(pending))
	ids := make([]int64, len(pending))
	for i, p := range pending {
		copy(leaves[i][:], p.LeafHash)
		ids[i] = p.InsertionSeq
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to build merkle tree", err)
	}

	batchID, err := p.store.NextBatchID(ctx)
	if err != nil {
		return nil, err
	}

	return p.store.CreateBatchWithLeaves(ctx, batchID, tree.Root(), metadata, ids)
}

// ShouldTrigger reports whether the trigger policy recommends anchoring
// now, for a caller running the periodic background check.
func (p *Pipeline) ShouldTrigger(ctx context.Context, now int64) (bool, error) {
	count, err := p.store.PendingCount(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if int(count) >= p.policy.ThresholdLeaves {
		return true, nil
	}
	oldest, found, err := p.store.OldestPendingSubmittedAt(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	age := time.Duration(now-oldest) * time.Second
	return age >= p.policy.ThresholdAge, nil
}

// Recover runs the §4.6 step-5 recovery scan once at startup.
func (p *Pipeline) Recover(ctx context.Context) error {
	return p.store.RecoverIncompleteBatches(ctx)
}

// GetBatch/ListBatches serve GET /merkle/batches[/{id}].
func (p *Pipeline) GetBatch(ctx context.Context, batchID int64) (*model.MerkleBatch, error) {
	return p.store.GetBatch(ctx, batchID)
}

func (p *Pipeline) ListBatches(ctx context.Context) ([]model.MerkleBatch, error) {
	return p.store.ListBatches(ctx)
}

// Proof resolves the leaf's index within its batch and serves its
// inclusion proof, per §4.6 ("Inclusion proof queries take (batch_id,
// leaf_hash)").
func (p *Pipeline) Proof(ctx context.Context, batchID int64, leafHash hashutil.Digest) ([]merkle.ProofStep, error) {
	index, err := p.store.IndexOfLeaf(ctx, batchID, leafHash)
	if err != nil {
		return nil, err
	}
	leaves, err := p.store.BatchLeafHashes(ctx, batchID)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to rebuild merkle tree", err)
	}
	return tree.InclusionProof(index)
}

// VerifyInclusion recomputes and compares against the batch's stored
// root, per §4.6 ("Verification takes (batch_id, leaf_hash, proof)").
func (p *Pipeline) VerifyInclusion(ctx context.Context, batchID int64, leafHash hashutil.Digest, proof []merkle.ProofStep) (bool, error) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	var root hashutil.Digest
	copy(root[:], batch.Root)
	return merkle.Verify(leafHash, proof, root), nil
}
