package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/config"
	"github.com/kibshh/iot-anchor-node/internal/anchor"
	"github.com/kibshh/iot-anchor-node/internal/api"
	"github.com/kibshh/iot-anchor-node/internal/chain"
	"github.com/kibshh/iot-anchor-node/internal/crosschain"
	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/multisig"
	"github.com/kibshh/iot-anchor-node/internal/presence"
	"github.com/kibshh/iot-anchor-node/internal/store"
	"github.com/kibshh/iot-anchor-node/internal/zkp"
)

func main() {
	logger := log.New(os.Stdout, "anchornode ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	logger.Println("configuration loaded successfully")

	gormDB, err := openStore(cfg.Store)
	if err != nil {
		logger.Fatalf("failed to open store: %v", err)
	}
	appStore, err := store.New(gormDB)
	if err != nil {
		logger.Fatalf("failed to migrate store: %v", err)
	}
	logger.Println("store initialized and migrated")

	// ctx governs the process lifetime; watcherCtx specifically backs
	// in-flight receipt watchers so they outlive any single HTTP request,
	// per §5's "anchoring in flight survives request cancellation".
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcherCtx, cancelWatchers := context.WithCancel(context.Background())
	defer cancelWatchers()

	bus := eventbus.NewBus(cfg.Bus.MaxSubQueue, cfg.Bus.EventHistory)
	bus.OnPublish(func(ev eventbus.Event) {
		payloadJSON, err := eventbus.MarshalPayload(ev.Payload)
		if err != nil {
			logger.Printf("failed to encode event for durable storage: %v", err)
			return
		}
		if _, err := appStore.AppendEvent(context.Background(), string(ev.Topic), payloadJSON); err != nil {
			logger.Printf("failed to persist event: %v", err)
		}
	})

	registry := chain.NewRegistry()
	for _, name := range cfg.Chains.Networks {
		transport := chain.NewHTTPTransport(cfg.Chains.RPCURLs[name], &http.Client{Timeout: cfg.Chains.RPCTimeout})
		client := chain.NewClient(chain.Config{
			Name:        name,
			Transport:   transport,
			SigningKey:  cfg.Chains.SigningKey,
			RPCTimeout:  cfg.Chains.RPCTimeout,
			MaxAttempts: cfg.Chains.MaxAttempts,
		})
		registry.Register(chain.NetworkEntry{Name: name, RPCURL: cfg.Chains.RPCURLs[name]}, client)
		logger.Printf("registered chain network %q", name)
	}

	zkpEngine := zkp.NewEngine(appStore, cfg.ZKP.ValidityWindow)

	dispatcher := crosschain.NewDispatcher(registry, appStore, bus, cfg.Chains.ConfirmTimeout, watcherCtx)

	pipeline := anchor.NewPipeline(appStore, bus, dispatcher, anchor.TriggerPolicy{
		ThresholdLeaves: anchor.DefaultThresholdLeaves,
		ThresholdAge:    anchor.DefaultThresholdAge,
	})
	if err := pipeline.Recover(ctx); err != nil {
		logger.Fatalf("failed to recover incomplete batches: %v", err)
	}

	fsm := multisig.NewFSM(appStore, bus, multisig.DefaultVerifier)

	presenceTracker := presence.NewTracker(appStore, bus, cfg.Presence.LiveWindow, cfg.Presence.IdleWindow, cfg.Presence.SweepEvery)
	go presenceTracker.Run(ctx, func() int64 { return time.Now().Unix() })

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pushDispatcher := eventbus.NewPushDispatcher(appStore, webpushOptions, 4)
		pushDispatcher.Start(ctx, 4)
		go forwardToPush(ctx, bus, pushDispatcher)
		logger.Println("push dispatcher started")
	} else {
		logger.Println("VAPID keys not configured; push notifications disabled")
	}

	handler := api.NewHandler(appStore, zkpEngine, pipeline, dispatcher, registry, fsm, presenceTracker, bus, webpushOptions, logger)
	fsm.Handlers["REGISTER_DEVICE"] = handler.RegisterDeviceProposalHandler

	go runTriggerLoop(ctx, pipeline, registry, logger)
	go runExpirySweep(ctx, fsm, logger)

	router := api.NewRouter(handler, cfg.Server.RateLimitPerSec, cfg.Server.RateBurst, time.Duration(cfg.Server.CacheTTLSeconds)*time.Second)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Println("shutdown signal received, stopping services...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	// watcherCtx is cancelled last and separately: receipt watchers started
	// before shutdown keep running while the HTTP server drains, and are cut
	// off here, as soon as Shutdown returns, so the process can exit.
	cancelWatchers()

	logger.Println("server gracefully stopped")
}

// openStore picks a GORM dialector from the store URL: a "file:" prefix or
// a ".db" suffix routes to sqlite (used for small deployments and local dev, the
// way the teacher's tests use file::memory:), anything else is treated
// as a postgres DSN.
func openStore(cfg config.StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(cfg.URL, "file:") || strings.HasSuffix(cfg.URL, ".db") {
		dialector = sqlite.Open(cfg.URL)
	} else {
		dialector = postgres.Open(cfg.URL)
	}
	return store.Open(dialector, cfg.MaxOpenConns, cfg.MaxIdleConns, time.Duration(cfg.ConnMaxLifetimeMinutes)*time.Minute)
}

// runTriggerLoop anchors accumulated data on the policy's cadence
// (leaf-count or max-age threshold), per §4.6's "on-demand or by a
// trigger policy" clause — the background half of that choice.
func runTriggerLoop(ctx context.Context, pipeline *anchor.Pipeline, registry *chain.Registry, logger *log.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			should, err := pipeline.ShouldTrigger(ctx, time.Now().Unix())
			if err != nil {
				logger.Printf("trigger policy check failed: %v", err)
				continue
			}
			if !should {
				continue
			}
			entries := registry.List()
			chains := make([]string, len(entries))
			for i, e := range entries {
				chains[i] = e.Name
			}
			result, err := pipeline.Anchor(ctx, chains, "scheduled", time.Now().Unix())
			if err != nil {
				logger.Printf("scheduled anchor failed: %v", err)
				continue
			}
			logger.Printf("scheduled anchor created batch %d with %d leaves", result.BatchID, result.LeafCount)
		}
	}
}

// runExpirySweep moves proposals past their expires_at to EXPIRED, per
// §4.8's background sweeper.
func runExpirySweep(ctx context.Context, fsm *multisig.FSM, logger *log.Logger) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fsm.SweepExpired(ctx, time.Now().Unix())
			if err != nil {
				logger.Printf("proposal expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("expired %d proposals", n)
			}
		}
	}
}

// forwardToPush bridges the event bus's fan-out to the push dispatcher:
// every subscriber the push dispatcher cares about is really just a bus
// topic subscriber whose queue drains into webpush sends, mirroring the
// teacher's own notification-worker wiring in cmd/*/main.go.
func forwardToPush(ctx context.Context, bus *eventbus.Bus, pushDispatcher *eventbus.PushDispatcher) {
	sub := bus.Subscribe("push-forwarder", nil)
	defer bus.Unsubscribe(sub.ClientID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Queue:
			if !ok {
				return
			}
			pushDispatcher.Dispatch(ev.Topic, ev)
		}
	}
}
