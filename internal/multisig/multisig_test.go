package multisig

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

type fakeStore struct {
	mu         sync.Mutex
	proposals  map[string]*model.MultiSigProposal
	approvals  map[string]map[string]bool
	rejections map[string]map[string]bool
	signers    map[string]*model.Signer
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		proposals:  make(map[string]*model.MultiSigProposal),
		approvals:  make(map[string]map[string]bool),
		rejections: make(map[string]map[string]bool),
		signers:    make(map[string]*model.Signer),
	}
}

func (f *fakeStore) addSigner(id string, active bool) {
	f.signers[id] = &model.Signer{SignerID: id, IsActive: active}
}

func (f *fakeStore) CreateProposal(ctx context.Context, p *model.MultiSigProposal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.proposals[p.ProposalID] = &cp
	f.approvals[p.ProposalID] = map[string]bool{}
	f.rejections[p.ProposalID] = map[string]bool{}
	return nil
}

func (f *fakeStore) GetProposal(ctx context.Context, proposalID string) (*model.MultiSigProposal, []model.ProposalApproval, []model.ProposalRejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok {
		return nil, nil, nil, apierr.New(apierr.CodeNotFound, "proposal not found")
	}
	cp := *p
	return &cp, nil, nil, nil
}

func (f *fakeStore) ListProposals(ctx context.Context) ([]model.MultiSigProposal, error) {
	return nil, nil
}

func (f *fakeStore) ListNonTerminal(ctx context.Context) ([]model.MultiSigProposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MultiSigProposal
	for _, p := range f.proposals {
		if p.State == StatePending || p.State == StateApproved {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) AddApproval(ctx context.Context, proposalID, signerID, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approvals[proposalID][signerID] {
		return false, nil
	}
	f.approvals[proposalID][signerID] = true
	return true, nil
}

func (f *fakeStore) AddRejection(ctx context.Context, proposalID, signerID, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejections[proposalID][signerID] {
		return false, nil
	}
	f.rejections[proposalID][signerID] = true
	return true, nil
}

func (f *fakeStore) HasApproved(ctx context.Context, proposalID, signerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals[proposalID][signerID], nil
}

func (f *fakeStore) HasRejected(ctx context.Context, proposalID, signerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejections[proposalID][signerID], nil
}

func (f *fakeStore) CountApprovals(ctx context.Context, proposalID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.approvals[proposalID]), nil
}

func (f *fakeStore) CountRejections(ctx context.Context, proposalID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rejections[proposalID]), nil
}

func (f *fakeStore) UpdateStateCAS(ctx context.Context, proposalID, expectedState, newState string, patch map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok || p.State != expectedState {
		return false, nil
	}
	p.State = newState
	if v, ok := patch["artifact_ref"].(string); ok {
		p.ArtifactRef = v
	}
	return true, nil
}

func (f *fakeStore) GetSigner(ctx context.Context, signerID string) (*model.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signers[signerID]
	if !ok {
		return nil, apierr.New(apierr.CodeNotFound, "signer not found")
	}
	return s, nil
}

func (f *fakeStore) CountActiveSigners(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.signers {
		if s.IsActive {
			n++
		}
	}
	return n, nil
}

func TestProposeApproveExecute(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addSigner("A", true)
	store.addSigner("B", true)
	store.addSigner("C", true)

	fsm := NewFSM(store, nil, nil)
	executed := false
	fsm.Handlers["REGISTER_DEVICE"] = func(ctx context.Context, payload string) (string, error) {
		executed = true
		return "dev-001", nil
	}

	p, err := fsm.Propose(ctx, "REGISTER_DEVICE", `{"device_id":"dev-001"}`, 2, "A", 1000)
	require.NoError(t, err)

	state, err := fsm.Approve(ctx, p.ProposalID, "A", "sig-a", 1001)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	state, err = fsm.Approve(ctx, p.ProposalID, "B", "sig-b", 1002)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, state)

	artifact, err := fsm.Execute(ctx, p.ProposalID, 1003)
	require.NoError(t, err)
	assert.Equal(t, "dev-001", artifact)
	assert.True(t, executed)

	loaded, _, _, _ := store.GetProposal(ctx, p.ProposalID)
	assert.Equal(t, StateExecuted, loaded.State)
}

func TestRejectionThresholdMatchesScenarioD(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addSigner("A", true)
	store.addSigner("B", true)
	store.addSigner("C", true)

	fsm := NewFSM(store, nil, nil)
	p, err := fsm.Propose(ctx, "REGISTER_DEVICE", `{}`, 2, "A", 1000)
	require.NoError(t, err)

	_, err = fsm.Approve(ctx, p.ProposalID, "A", "sig-a", 1001)
	require.NoError(t, err)

	state, err := fsm.Reject(ctx, p.ProposalID, "B", "sig-b", 1002)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state, "one rejection out of threshold 2 is not enough")

	state, err = fsm.Reject(ctx, p.ProposalID, "C", "sig-c", 1003)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, state)
}

func TestApproveAndRejectAreMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addSigner("A", true)
	store.addSigner("B", true)

	fsm := NewFSM(store, nil, nil)
	p, err := fsm.Propose(ctx, "REGISTER_DEVICE", `{}`, 2, "A", 1000)
	require.NoError(t, err)

	_, err = fsm.Approve(ctx, p.ProposalID, "A", "sig-a", 1001)
	require.NoError(t, err)

	_, err = fsm.Reject(ctx, p.ProposalID, "A", "sig-a", 1002)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeConflictState, ae.Code)

	_, err = fsm.Reject(ctx, p.ProposalID, "B", "sig-b", 1003)
	require.NoError(t, err)

	_, err = fsm.Approve(ctx, p.ProposalID, "B", "sig-b", 1004)
	require.Error(t, err)
	ae, ok = err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeConflictState, ae.Code)

	count, _ := store.CountApprovals(ctx, p.ProposalID)
	assert.Equal(t, 1, count, "the rejected approve attempt must not be recorded")
}

func TestApproveByUnknownSignerIsForbidden(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	fsm := NewFSM(store, nil, nil)
	p, err := fsm.Propose(ctx, "REGISTER_DEVICE", `{}`, 1, "A", 1000)
	require.NoError(t, err)

	_, err = fsm.Approve(ctx, p.ProposalID, "ghost", "sig", 1001)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, ae.Code)
}

func TestApproveOnNonPendingIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addSigner("A", true)
	fsm := NewFSM(store, nil, nil)
	p, err := fsm.Propose(ctx, "REGISTER_DEVICE", `{}`, 1, "A", 1000)
	require.NoError(t, err)

	_, err = fsm.Approve(ctx, p.ProposalID, "A", "sig", 1001)
	require.NoError(t, err)

	_, err = fsm.Approve(ctx, p.ProposalID, "A", "sig", 1002)
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeConflictState, ae.Code)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	fsm := NewFSM(store, nil, nil)
	p, err := fsm.Propose(ctx, "REGISTER_DEVICE", `{}`, 1, "A", 1000)
	require.NoError(t, err)

	n, err := fsm.SweepExpired(ctx, p.ExpiresAt+1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loaded, _, _, _ := store.GetProposal(ctx, p.ProposalID)
	assert.Equal(t, StateExpired, loaded.State)
}
