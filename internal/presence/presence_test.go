package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]int64)}
}

func (f *fakeStore) UpsertHeartbeat(ctx context.Context, deviceID string, at int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.records[deviceID]; ok && at <= cur {
		return false, nil
	}
	f.records[deviceID] = at
	return true, nil
}

func (f *fakeStore) GetHeartbeat(ctx context.Context, deviceID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.records[deviceID]
	if !ok {
		return 0, false, nil
	}
	return at, true, nil
}

func (f *fakeStore) ListHeartbeats(ctx context.Context) ([]model.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.PresenceRecord, 0, len(f.records))
	for id, at := range f.records {
		out = append(out, model.PresenceRecord{DeviceID: id, LastHeartbeatAt: at})
	}
	return out, nil
}

func TestStatusThresholds(t *testing.T) {
	store := newFakeStore()
	tr := NewTracker(store, nil, 60*time.Second, 300*time.Second, time.Hour)
	ctx := context.Background()

	t0 := int64(1_700_000_000)
	require.NoError(t, tr.Heartbeat(ctx, "dev-001", t0))

	status, found, err := tr.Status(ctx, "dev-001", t0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusOnline, status)

	status, _, _ = tr.Status(ctx, "dev-001", t0+120)
	assert.Equal(t, StatusIdle, status)

	status, _, _ = tr.Status(ctx, "dev-001", t0+600)
	assert.Equal(t, StatusOffline, status)
}

func TestUnknownDeviceStatus(t *testing.T) {
	store := newFakeStore()
	tr := NewTracker(store, nil, 0, 0, 0)
	_, found, err := tr.Status(context.Background(), "ghost", 1000)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHeartbeatEmitsStatusChangeOnReturnToOnline(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.NewBus(8, 8)
	tr := NewTracker(store, bus, 60*time.Second, 300*time.Second, time.Hour)
	sub := bus.Subscribe("watcher", []eventbus.Topic{eventbus.TopicDeviceStatusChange})
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "dev-001", 1000))
	select {
	case evt := <-sub.Queue:
		assert.Equal(t, eventbus.TopicDeviceStatusChange, evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected first heartbeat to emit a status change")
	}
}

func TestSweepEmitsOnClassBoundaryCrossing(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.NewBus(8, 8)
	tr := NewTracker(store, bus, 60*time.Second, 300*time.Second, time.Hour)
	sub := bus.Subscribe("watcher", []eventbus.Topic{eventbus.TopicDeviceStatusChange})
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "dev-001", 1000))
	<-sub.Queue // drain the heartbeat-triggered event

	tr.sweep(ctx, 1000+120) // now IDLE
	select {
	case evt := <-sub.Queue:
		payload := evt.Payload.(map[string]any)
		assert.Equal(t, StatusIdle, payload["status"])
	case <-time.After(time.Second):
		t.Fatal("expected a sweep-triggered status change")
	}

	tr.sweep(ctx, 1000+120) // no change this time
	select {
	case evt := <-sub.Queue:
		t.Fatalf("unexpected repeated event: %+v", evt)
	default:
	}
}
