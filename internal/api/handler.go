// Package api implements C12, the service façade of §4.12: it validates
// inputs, authorizes, dispatches to one of C2/C6/C7/C8/C9, and translates
// results to the wire format of §6. It contains no business rules of its
// own, exactly the way the teacher's internal/api/handler.go holds only
// shared dependencies and internal/api/handler_status.go does nothing but
// bind input, call the store, and write JSON.
package api

import (
	"log"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/kibshh/iot-anchor-node/internal/anchor"
	"github.com/kibshh/iot-anchor-node/internal/chain"
	"github.com/kibshh/iot-anchor-node/internal/crosschain"
	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/multisig"
	"github.com/kibshh/iot-anchor-node/internal/presence"
	"github.com/kibshh/iot-anchor-node/internal/store"
	"github.com/kibshh/iot-anchor-node/internal/zkp"
)

// Handler holds every dependency the façade dispatches to. Per the
// "module-level singletons" redesign flag in spec.md §9, every one of
// these is an explicit, construction-time dependency — there is no
// package-level global anywhere in this service.
type Handler struct {
	store      *store.Store
	zkpEngine  *zkp.Engine
	pipeline   *anchor.Pipeline
	dispatcher *crosschain.Dispatcher
	registry   *chain.Registry
	fsm        *multisig.FSM
	presence   *presence.Tracker
	bus        *eventbus.Bus
	webpush    *webpush.Options
	logger     *log.Logger
}

// NewHandler wires the façade over an already-constructed set of
// subsystems, mirroring the teacher's NewHandler(s store.Store, ...).
func NewHandler(
	s *store.Store,
	zkpEngine *zkp.Engine,
	pipeline *anchor.Pipeline,
	dispatcher *crosschain.Dispatcher,
	registry *chain.Registry,
	fsm *multisig.FSM,
	presenceTracker *presence.Tracker,
	bus *eventbus.Bus,
	webpushOptions *webpush.Options,
	logger *log.Logger,
) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		store:      s,
		zkpEngine:  zkpEngine,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		registry:   registry,
		fsm:        fsm,
		presence:   presenceTracker,
		bus:        bus,
		webpush:    webpushOptions,
		logger:     logger,
	}
}
