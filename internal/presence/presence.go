// Package presence implements C9: heartbeat ingest, a fixed-cadence
// liveness sweep, and status queries computed at read time. The "map of
// per-key state under a mutex" shape follows IPRateLimiter in
// internal/mw/ratelimit.go; the periodic sweep on a time.Ticker (Run) is
// this package's own addition, since IPRateLimiter has no cleanup loop.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// Status is a pure function of last_heartbeat_at and the sweep clock,
// per §3's PresenceRecord invariant — it is never itself persisted.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusIdle    Status = "IDLE"
	StatusOffline Status = "OFFLINE"
)

const (
	DefaultLiveWindow = 60 * time.Second
	DefaultIdleWindow = 300 * time.Second
	DefaultSweepEvery = 15 * time.Second
)

// classify implements the §3 status rule.
func classify(lastHeartbeatAt, now int64, liveWindow, idleWindow time.Duration) Status {
	age := time.Duration(now-lastHeartbeatAt) * time.Second
	switch {
	case age <= liveWindow:
		return StatusOnline
	case age <= idleWindow:
		return StatusIdle
	default:
		return StatusOffline
	}
}

// heartbeatStore is the narrow persistence contract, satisfied by
// *store.Store.
type heartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, deviceID string, at int64) (bool, error)
	GetHeartbeat(ctx context.Context, deviceID string) (int64, bool, error)
	ListHeartbeats(ctx context.Context) ([]model.PresenceRecord, error)
}

// Tracker owns every presence status transition, per §3's ownership rule.
type Tracker struct {
	store      heartbeatStore
	bus        *eventbus.Bus
	liveWindow time.Duration
	idleWindow time.Duration
	sweepEvery time.Duration

	mu       sync.Mutex
	lastSeen map[string]Status // last status reported per device, for edge-triggered events
}

func NewTracker(store heartbeatStore, bus *eventbus.Bus, liveWindow, idleWindow, sweepEvery time.Duration) *Tracker {
	if liveWindow <= 0 {
		liveWindow = DefaultLiveWindow
	}
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepEvery
	}
	return &Tracker{
		store:      store,
		bus:        bus,
		liveWindow: liveWindow,
		idleWindow: idleWindow,
		sweepEvery: sweepEvery,
		lastSeen:   make(map[string]Status),
	}
}

// Heartbeat ingests a liveness signal. If the device's previous status was
// OFFLINE/IDLE and the heartbeat brings it back to ONLINE, a
// DEVICE_STATUS_CHANGE event is emitted immediately rather than waiting
// for the next sweep, per §4.9.
func (t *Tracker) Heartbeat(ctx context.Context, deviceID string, now int64) error {
	advanced, err := t.store.UpsertHeartbeat(ctx, deviceID, now)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	t.mu.Lock()
	prev, known := t.lastSeen[deviceID]
	t.lastSeen[deviceID] = StatusOnline
	t.mu.Unlock()

	if t.bus != nil && (!known || prev != StatusOnline) {
		t.bus.Publish(eventbus.TopicDeviceStatusChange, map[string]any{
			"device_id": deviceID,
			"status":    StatusOnline,
		})
	}
	return nil
}

// Status computes a single device's current status at query time.
func (t *Tracker) Status(ctx context.Context, deviceID string, now int64) (Status, bool, error) {
	at, found, err := t.store.GetHeartbeat(ctx, deviceID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	return classify(at, now, t.liveWindow, t.idleWindow), true, nil
}

// DeviceStatus pairs a device id with its computed status, for ListStatuses.
type DeviceStatus struct {
	DeviceID        string
	LastHeartbeatAt int64
	Status          Status
}

// ListStatuses computes every known device's status at query time.
func (t *Tracker) ListStatuses(ctx context.Context, now int64) ([]DeviceStatus, error) {
	records, err := t.store.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceStatus, len(records))
	for i, r := range records {
		out[i] = DeviceStatus{
			DeviceID:        r.DeviceID,
			LastHeartbeatAt: r.LastHeartbeatAt,
			Status:          classify(r.LastHeartbeatAt, now, t.liveWindow, t.idleWindow),
		}
	}
	return out, nil
}

// Run drives the fixed-cadence sweep until ctx is cancelled, recomputing
// every known device's status and emitting DEVICE_STATUS_CHANGE on any
// class-boundary crossing since the previous sweep, per §4.9.
func (t *Tracker) Run(ctx context.Context, nowFn func() int64) {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx, nowFn())
		}
	}
}

func (t *Tracker) sweep(ctx context.Context, now int64) {
	records, err := t.store.ListHeartbeats(ctx)
	if err != nil {
		return
	}

	t.mu.Lock()
	var changes []DeviceStatus
	for _, r := range records {
		status := classify(r.LastHeartbeatAt, now, t.liveWindow, t.idleWindow)
		if prev, known := t.lastSeen[r.DeviceID]; !known || prev != status {
			t.lastSeen[r.DeviceID] = status
			changes = append(changes, DeviceStatus{DeviceID: r.DeviceID, LastHeartbeatAt: r.LastHeartbeatAt, Status: status})
		}
	}
	t.mu.Unlock()

	if t.bus == nil {
		return
	}
	for _, c := range changes {
		t.bus.Publish(eventbus.TopicDeviceStatusChange, map[string]any{
			"device_id": c.DeviceID,
			"status":    c.Status,
		})
	}
}
