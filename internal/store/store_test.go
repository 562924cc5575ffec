package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := Open(sqlite.Open(dsn), 0, 0, 0)
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	commitment := hashutil.Sum(hashutil.String("COMMIT"))
	d, err := s.PutNewDevice(ctx, "dev-001", "sensor", "thermometer", commitment)
	require.NoError(t, err)
	assert.True(t, d.IsActive)

	_, err = s.PutNewDevice(ctx, "dev-001", "sensor", "thermometer", commitment)
	assert.Error(t, err, "duplicate device_id must fail")

	require.NoError(t, s.BumpAuthenticated(ctx, "dev-001", 1000))
	got, err := s.GetDevice(ctx, "dev-001")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, got.LastAuthenticatedAt)

	// Monotonicity: an older timestamp must not move it backwards.
	require.NoError(t, s.BumpAuthenticated(ctx, "dev-001", 500))
	got, _ = s.GetDevice(ctx, "dev-001")
	assert.EqualValues(t, 1000, got.LastAuthenticatedAt)

	require.NoError(t, s.BumpCounter(ctx, "dev-001", 3))
	got, _ = s.GetDevice(ctx, "dev-001")
	assert.EqualValues(t, 3, got.TotalDataSubmitted)

	require.NoError(t, s.SetActive(ctx, "dev-001", false))
	got, _ = s.GetDevice(ctx, "dev-001")
	assert.False(t, got.IsActive)
}

func TestPendingAndBatchCreation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	commitment := hashutil.Sum(hashutil.String("COMMIT"))
	_, err := s.PutNewDevice(ctx, "dev-001", "", "", commitment)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 3; i++ {
		leaf := hashutil.Sum(hashutil.String("LEAF"))
		p, err := s.AppendPending(ctx, "dev-001", `{"v":1}`, leaf)
		require.NoError(t, err)
		ids = append(ids, p.InsertionSeq)
	}

	pending, err := s.ListPendingOrdered(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	batchID, err := s.NextBatchID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, batchID)

	root := hashutil.Sum(hashutil.String("root"))
	batch, err := s.CreateBatchWithLeaves(ctx, batchID, root, "", ids)
	require.NoError(t, err)
	assert.True(t, batch.Ready)
	assert.Equal(t, 3, batch.LeafCount)

	remaining, err := s.ListPendingOrdered(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 0, "all leaves should now carry a batch_id")

	nextID, err := s.NextBatchID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, nextID, "batch ids must be dense and monotonic")
}

func TestProposalCASTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddSigner(ctx, "signer-a", []byte("pub-a"))
	require.NoError(t, err)
	_, err = s.AddSigner(ctx, "signer-b", []byte("pub-b"))
	require.NoError(t, err)
	_, err = s.AddSigner(ctx, "signer-c", []byte("pub-c"))
	require.NoError(t, err)

	active, err := s.CountActiveSigners(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, active)

	p := &model.MultiSigProposal{
		ProposalID:        "prop-001",
		Kind:              "REGISTER_DEVICE",
		PayloadJSON:       `{"device_id":"dev-001"}`,
		RequiredApprovals: 2,
		Proposer:          "signer-a",
		State:             "PENDING",
		CreatedAt:         1000,
		ExpiresAt:         1000 + 7*24*3600,
	}
	require.NoError(t, s.CreateProposal(ctx, p))

	added, err := s.AddApproval(ctx, "prop-001", "signer-a", "sig-a")
	require.NoError(t, err)
	assert.True(t, added)

	// Re-approving with the same signer must be a no-op, not a second vote.
	added, err = s.AddApproval(ctx, "prop-001", "signer-a", "sig-a-again")
	require.NoError(t, err)
	assert.False(t, added)

	count, err := s.CountApprovals(ctx, "prop-001")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.AddApproval(ctx, "prop-001", "signer-b", "sig-b")
	require.NoError(t, err)
	count, _ = s.CountApprovals(ctx, "prop-001")
	assert.Equal(t, 2, count, "threshold of 2 reached")

	ok, err := s.UpdateStateCAS(ctx, "prop-001", "PENDING", "APPROVED", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale CAS (still expecting PENDING) must fail once the state moved on.
	ok, err = s.UpdateStateCAS(ctx, "prop-001", "PENDING", "APPROVED", nil)
	require.NoError(t, err)
	assert.False(t, ok, "CAS must not apply twice against a stale expected state")

	loaded, approvals, rejections, err := s.GetProposal(ctx, "prop-001")
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", loaded.State)
	assert.Len(t, approvals, 2)
	assert.Len(t, rejections, 0)

	hasApproved, err := s.HasApproved(ctx, "prop-001", "signer-a")
	require.NoError(t, err)
	assert.True(t, hasApproved)
	hasRejected, err := s.HasRejected(ctx, "prop-001", "signer-a")
	require.NoError(t, err)
	assert.False(t, hasRejected)
}

func TestPresenceMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	advanced, err := s.UpsertHeartbeat(ctx, "dev-001", 1000)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = s.UpsertHeartbeat(ctx, "dev-001", 500)
	require.NoError(t, err)
	assert.False(t, advanced, "an older heartbeat must not move last_heartbeat_at backwards")

	at, found, err := s.GetHeartbeat(ctx, "dev-001")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 1000, at)

	advanced, err = s.UpsertHeartbeat(ctx, "dev-001", 2000)
	require.NoError(t, err)
	assert.True(t, advanced)
}
