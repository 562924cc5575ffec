// Package multisig implements C8: the threshold-approval proposal
// lifecycle. Grounded on original_source/backend/multisig_manager.py for
// the propose/approve/reject/execute shape and the 2-of-3-style threshold
// policy, generalized here into an explicit state machine over
// store.UpdateStateCAS instead of the original's unconditional
// find-then-update (which the original itself notes is racy — concurrent
// approvals there can double-count). Unknown-signer and
// already-terminal-state cases, which the original raises bare
// ValueErrors for, surface through the §7 taxonomy instead (FORBIDDEN,
// CONFLICT_STATE).
package multisig

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

const ProposalExpiry = 7 * 24 * time.Hour

// Handler executes a proposal's payload once it reaches APPROVED. It
// returns an artifact reference (e.g. the created device_id) on success.
// Per §4.8, a handler failure leaves the proposal APPROVED so execution
// is retriable.
type Handler func(ctx context.Context, payloadJSON string) (artifactRef string, err error)

// SignatureVerifier checks an opaque signature against a signer's public
// key. The FSM does not define a signature scheme, per §4.8.
type SignatureVerifier func(publicKey []byte, proposalID, signerID, signature string) bool

// DefaultVerifier is a reference SignatureVerifier built on the same
// keccak-256 primitive C1 already provides, since no signature SDK is
// required by §4.8 and none exists in the retrieved corpus: a valid
// signature is the hex digest of Sum(publicKey, proposalID, signerID).
// Deployments with real key material can supply their own verifier to
// NewFSM instead.
func DefaultVerifier(publicKey []byte, proposalID, signerID, signature string) bool {
	want := hashutil.Sum([]byte(publicKey), []byte(proposalID), []byte(signerID)).Hex()
	return want == signature
}

// proposalStore is the narrow persistence contract, satisfied by
// *store.Store.
type proposalStore interface {
	CreateProposal(ctx context.Context, p *model.MultiSigProposal) error
	GetProposal(ctx context.Context, proposalID string) (*model.MultiSigProposal, []model.ProposalApproval, []model.ProposalRejection, error)
	ListProposals(ctx context.Context) ([]model.MultiSigProposal, error)
	ListNonTerminal(ctx context.Context) ([]model.MultiSigProposal, error)
	AddApproval(ctx context.Context, proposalID, signerID, signature string) (bool, error)
	AddRejection(ctx context.Context, proposalID, signerID, signature string) (bool, error)
	HasApproved(ctx context.Context, proposalID, signerID string) (bool, error)
	HasRejected(ctx context.Context, proposalID, signerID string) (bool, error)
	CountApprovals(ctx context.Context, proposalID string) (int, error)
	CountRejections(ctx context.Context, proposalID string) (int, error)
	UpdateStateCAS(ctx context.Context, proposalID, expectedState, newState string, patch map[string]any) (bool, error)
	GetSigner(ctx context.Context, signerID string) (*model.Signer, error)
	CountActiveSigners(ctx context.Context) (int, error)
}

const (
	StatePending  = "PENDING"
	StateApproved = "APPROVED"
	StateRejected = "REJECTED"
	StateExecuted = "EXECUTED"
	StateExpired  = "EXPIRED"
)

// FSM composes the persistence CAS primitives into the §4.8 transition
// table. Its handler registry is public so a caller composing this
// package can add more kinds than REGISTER_DEVICE.
type FSM struct {
	store    proposalStore
	bus      *eventbus.Bus
	verify   SignatureVerifier
	Handlers map[string]Handler
}

func NewFSM(store proposalStore, bus *eventbus.Bus, verify SignatureVerifier) *FSM {
	return &FSM{store: store, bus: bus, verify: verify, Handlers: make(map[string]Handler)}
}

func (f *FSM) publish(topic eventbus.Topic, proposalID, state string) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(topic, map[string]any{"proposal_id": proposalID, "state": state})
}

// Propose creates a new PENDING proposal with a random 128-bit id.
func (f *FSM) Propose(ctx context.Context, kind, payloadJSON string, requiredApprovals int, proposer string, now int64) (*model.MultiSigProposal, error) {
	if requiredApprovals < 1 {
		return nil, apierr.New(apierr.CodeValidation, "required_approvals must be >= 1")
	}
	id, err := randomProposalID()
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to generate proposal id", err)
	}
	p := &model.MultiSigProposal{
		ProposalID:        id,
		Kind:              kind,
		PayloadJSON:       payloadJSON,
		RequiredApprovals: requiredApprovals,
		Proposer:          proposer,
		State:             StatePending,
		CreatedAt:         now,
		ExpiresAt:         now + int64(ProposalExpiry.Seconds()),
	}
	if err := f.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	f.publish(eventbus.TopicProposalCreated, id, StatePending)
	return p, nil
}

// Approve is valid only in PENDING; it is idempotent by signer and
// transitions to APPROVED once the threshold is reached.
func (f *FSM) Approve(ctx context.Context, proposalID, signerID, signature string, now int64) (string, error) {
	p, err := f.authorizeSignerAction(ctx, proposalID, signerID, signature, now)
	if err != nil {
		return "", err
	}
	rejected, err := f.store.HasRejected(ctx, proposalID, signerID)
	if err != nil {
		return "", err
	}
	if rejected {
		return "", apierr.New(apierr.CodeConflictState, "signer already rejected this proposal")
	}

	if _, err := f.store.AddApproval(ctx, proposalID, signerID, signature); err != nil {
		return "", err
	}
	count, err := f.store.CountApprovals(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if count < p.RequiredApprovals {
		return StatePending, nil
	}

	ok, err := f.store.UpdateStateCAS(ctx, proposalID, StatePending, StateApproved, nil)
	if err != nil {
		return "", err
	}
	if !ok {
		// Another concurrent approval or the sweeper already moved the
		// state on; re-read and report whatever it settled on.
		current, _, _, gerr := f.store.GetProposal(ctx, proposalID)
		if gerr != nil {
			return "", gerr
		}
		return current.State, nil
	}
	f.publish(eventbus.TopicProposalApproved, proposalID, StateApproved)
	return StateApproved, nil
}

// Reject is valid only in PENDING; once rejections reach
// total_active_signers - required_approvals + 1 (approval is no longer
// reachable), the proposal transitions to REJECTED.
func (f *FSM) Reject(ctx context.Context, proposalID, signerID, signature string, now int64) (string, error) {
	p, err := f.authorizeSignerAction(ctx, proposalID, signerID, signature, now)
	if err != nil {
		return "", err
	}
	approved, err := f.store.HasApproved(ctx, proposalID, signerID)
	if err != nil {
		return "", err
	}
	if approved {
		return "", apierr.New(apierr.CodeConflictState, "signer already approved this proposal")
	}

	if _, err := f.store.AddRejection(ctx, proposalID, signerID, signature); err != nil {
		return "", err
	}
	rejections, err := f.store.CountRejections(ctx, proposalID)
	if err != nil {
		return "", err
	}
	activeSigners, err := f.store.CountActiveSigners(ctx)
	if err != nil {
		return "", err
	}
	threshold := activeSigners - p.RequiredApprovals + 1
	if threshold < 1 {
		threshold = 1
	}
	if rejections < threshold {
		return StatePending, nil
	}

	ok, err := f.store.UpdateStateCAS(ctx, proposalID, StatePending, StateRejected, nil)
	if err != nil {
		return "", err
	}
	if !ok {
		current, _, _, gerr := f.store.GetProposal(ctx, proposalID)
		if gerr != nil {
			return "", gerr
		}
		return current.State, nil
	}
	f.publish(eventbus.TopicProposalRejected, proposalID, StateRejected)
	return StateRejected, nil
}

// authorizeSignerAction loads the proposal, rejects expired/non-PENDING
// proposals as CONFLICT_STATE, and validates the signer.
func (f *FSM) authorizeSignerAction(ctx context.Context, proposalID, signerID, signature string, now int64) (*model.MultiSigProposal, error) {
	p, _, _, err := f.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State == StatePending && now > p.ExpiresAt {
		f.store.UpdateStateCAS(ctx, proposalID, StatePending, StateExpired, nil)
		return nil, apierr.New(apierr.CodeConflictState, "proposal has expired")
	}
	if p.State != StatePending {
		return nil, apierr.New(apierr.CodeConflictState, "proposal is not pending")
	}
	signer, err := f.store.GetSigner(ctx, signerID)
	if err != nil {
		return nil, apierr.New(apierr.CodeForbidden, "unknown signer")
	}
	if !signer.IsActive {
		return nil, apierr.New(apierr.CodeForbidden, "signer is not active")
	}
	if f.verify != nil && !f.verify(signer.PublicKey, proposalID, signerID, signature) {
		return nil, apierr.New(apierr.CodeForbidden, "invalid signature")
	}
	return p, nil
}

// Execute dispatches to the handler registered for the proposal's kind.
// Valid only from APPROVED; on handler success the proposal transitions
// to EXECUTED and records the artifact reference. On handler failure the
// proposal remains APPROVED so execution can be retried.
func (f *FSM) Execute(ctx context.Context, proposalID string, now int64) (artifactRef string, err error) {
	p, _, _, err := f.store.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if p.State != StateApproved {
		return "", apierr.New(apierr.CodeConflictState, "proposal is not approved")
	}
	handler, ok := f.Handlers[p.Kind]
	if !ok {
		return "", apierr.New(apierr.CodeValidation, "no handler registered for kind "+p.Kind)
	}

	artifact, herr := handler(ctx, p.PayloadJSON)
	if herr != nil {
		return "", herr
	}

	ok2, err := f.store.UpdateStateCAS(ctx, proposalID, StateApproved, StateExecuted, map[string]any{
		"executed_at":  now,
		"artifact_ref": artifact,
	})
	if err != nil {
		return "", err
	}
	if !ok2 {
		return "", apierr.New(apierr.CodeConflictState, "proposal state changed concurrently during execution")
	}
	f.publish(eventbus.TopicProposalExecuted, proposalID, StateExecuted)
	return artifact, nil
}

// SweepExpired moves every non-terminal proposal past its expires_at to
// EXPIRED, per §4.8's background sweeper.
func (f *FSM) SweepExpired(ctx context.Context, now int64) (int, error) {
	proposals, err := f.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range proposals {
		if now <= p.ExpiresAt {
			continue
		}
		ok, err := f.store.UpdateStateCAS(ctx, p.ProposalID, p.State, StateExpired, nil)
		if err != nil {
			continue
		}
		if ok {
			expired++
			f.publish(eventbus.TopicProposalExpired, p.ProposalID, StateExpired)
		}
	}
	return expired, nil
}

// randomProposalID mints a 128-bit proposal id from a random (v4) UUID,
// hex-encoded without dashes to fit the model's size:32 column.
func randomProposalID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	raw, err := id.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
