package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// Notifier receives finished runs; the notify package fans them out.
type Notifier interface {
	SyncFinished(vault *metadata.Vault, event *metadata.SyncEvent)
}

// Controller schedules reconcile runs per vault, records heartbeats, detects
// stalls and re-drives them with retry events.
type Controller struct {
	store   *metadata.Store
	engine  *Engine
	manager *storage.Manager
	log     *slog.Logger

	interval       time.Duration
	heartbeatEvery time.Duration
	stallThreshold time.Duration
	maxRetries     uint32

	notifier Notifier

	mu    sync.Mutex
	state map[uint64]*vaultState

	syncNow chan uint64
}

type vaultState struct {
	lastSyncAt    time.Time
	lastSuccessAt time.Time
	inFlight      bool
}

// Config tunes the scheduler.
type ControllerConfig struct {
	Interval       time.Duration // per-vault run cadence; default 5m
	HeartbeatEvery time.Duration // heartbeat persistence floor; default 10s
	StallThreshold time.Duration // no-heartbeat window before stalling; default 120s
	MaxRetries     uint32
}

func NewController(store *metadata.Store, engine *Engine, manager *storage.Manager, cfg ControllerConfig, notifier Notifier, log *slog.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Controller{
		store:          store,
		engine:         engine,
		manager:        manager,
		log:            log,
		interval:       cfg.Interval,
		heartbeatEvery: cfg.HeartbeatEvery,
		stallThreshold: cfg.StallThreshold,
		maxRetries:     cfg.MaxRetries,
		notifier:       notifier,
		state:          make(map[uint64]*vaultState),
		syncNow:        make(chan uint64, 16),
	}
}

// Run drives the schedule until ctx is cancelled. Vaults sync once at
// startup, then on every tick.
func (c *Controller) Run(ctx context.Context) {
	c.tick(ctx, metadata.TriggerStartup)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case vaultID := <-c.syncNow:
			c.startVault(ctx, vaultID, metadata.TriggerManual, 0)
		case <-ticker.C:
			c.tick(ctx, metadata.TriggerSchedule)
		}
	}
}

// SyncNow preempts the schedule for one vault.
func (c *Controller) SyncNow(vaultID uint64) {
	select {
	case c.syncNow <- vaultID:
	default:
	}
}

// tick scans every cloud vault with sync enabled and no run in flight.
func (c *Controller) tick(ctx context.Context, trigger metadata.SyncTrigger) {
	for _, engine := range c.manager.Engines() {
		if ctx.Err() != nil {
			return
		}
		if engine.Cloud == nil {
			continue
		}
		vaultID := engine.Vault().ID

		var policy *metadata.SyncPolicy
		err := c.store.View(func(tx *metadata.Tx) error {
			var err error
			policy, err = tx.GetSyncPolicy(vaultID)
			return err
		})
		if err != nil || !policy.Enabled {
			continue
		}

		trig, attempt, start := c.classify(vaultID, trigger)
		if !start {
			continue
		}
		c.startVault(ctx, vaultID, trig, attempt)
	}
}

// classify inspects the latest event: a running event with an overdue
// heartbeat is marked stalled this tick; a stalled or failed event is
// re-driven as a retry on a later tick.
func (c *Controller) classify(vaultID uint64, trigger metadata.SyncTrigger) (metadata.SyncTrigger, uint32, bool) {
	c.mu.Lock()
	st, ok := c.state[vaultID]
	if ok && st.inFlight {
		c.mu.Unlock()
		return trigger, 0, false
	}
	c.mu.Unlock()

	var latest *metadata.SyncEvent
	c.store.View(func(tx *metadata.Tx) error {
		var err error
		latest, err = tx.LatestSyncEvent(vaultID)
		return err
	})
	if latest == nil {
		return trigger, 0, true
	}

	now := time.Now().Unix()
	if latest.LooksStalled(now, int64(c.stallThreshold.Seconds())) {
		reason := fmt.Sprintf("no heartbeat for %ds", now-latest.HeartbeatAt)
		err := c.store.Update(func(tx *metadata.Tx) error {
			return tx.MarkSyncEventStalled(latest.ID, reason)
		})
		if err != nil {
			c.log.Error("mark stalled", "vault", vaultID, "error", err)
		} else {
			c.log.Warn("sync run stalled", "vault", vaultID, "event", latest.ID, "reason", reason)
		}
		// Re-drive on the next tick, not this one.
		return trigger, 0, false
	}

	if latest.Status == metadata.StatusRunning {
		// Alive and heartbeating in another process lifetime; leave it.
		return trigger, 0, false
	}
	if latest.Status == metadata.StatusStalled || latest.Status == metadata.StatusError {
		if latest.RetryAttempt >= c.maxRetries {
			// Retry budget spent: fall back to the regular cadence with a
			// fresh attempt counter.
			return trigger, 0, true
		}
		return metadata.TriggerRetry, latest.RetryAttempt + 1, true
	}
	return trigger, 0, true
}

// startVault inserts the event row and runs the reconcile on its own
// goroutine, guarded by the in-flight flag.
func (c *Controller) startVault(ctx context.Context, vaultID uint64, trigger metadata.SyncTrigger, attempt uint32) {
	c.mu.Lock()
	st, ok := c.state[vaultID]
	if !ok {
		st = &vaultState{}
		c.state[vaultID] = st
	}
	if st.inFlight {
		c.mu.Unlock()
		return
	}
	st.inFlight = true
	st.lastSyncAt = time.Now()
	c.mu.Unlock()

	event := &metadata.SyncEvent{
		VaultID:        vaultID,
		RunUUID:        uuid.NewString(),
		Status:         metadata.StatusRunning,
		Trigger:        trigger,
		RetryAttempt:   attempt,
		TimestampBegin: time.Now().Unix(),
		HeartbeatAt:    time.Now().Unix(),
	}
	err := c.store.Update(func(tx *metadata.Tx) error { return tx.InsertSyncEvent(event) })
	if err != nil {
		c.log.Error("insert sync event", "vault", vaultID, "error", err)
		c.clearInFlight(vaultID, false)
		return
	}
	c.log.Info("sync run started", "vault", vaultID, "event", event.ID, "trigger", trigger, "attempt", attempt)

	go c.runOne(ctx, vaultID, event.ID)
}

func (c *Controller) runOne(ctx context.Context, vaultID, eventID uint64) {
	runErr := c.engine.Run(ctx, vaultID, eventID, c.heartbeatFunc(eventID))

	status := metadata.StatusSuccess
	var code, msg string
	switch {
	case ctx.Err() != nil:
		status = metadata.StatusCancelled
		code = "cancelled"
	case runErr != nil:
		status = metadata.StatusError
		code = "sync_failed"
		msg = runErr.Error()
	}

	var finished *metadata.SyncEvent
	err := c.store.Update(func(tx *metadata.Tx) error {
		if err := tx.FinishSyncEvent(eventID, status, code, msg); err != nil {
			return err
		}
		var err error
		finished, err = tx.GetSyncEvent(eventID)
		return err
	})
	if err != nil {
		c.log.Error("finalize sync event", "event", eventID, "error", err)
	}
	c.clearInFlight(vaultID, status == metadata.StatusSuccess)

	if runErr != nil {
		c.log.Error("sync run finished with error", "vault", vaultID, "event", eventID, "error", runErr)
	} else {
		c.log.Info("sync run finished", "vault", vaultID, "event", eventID, "status", status)
	}

	if c.notifier != nil && finished != nil {
		engine, err := c.manager.Engine(vaultID)
		if err == nil {
			c.notifier.SyncFinished(engine.Vault(), finished)
		}
	}
}

// heartbeatFunc persists heartbeats at most once per heartbeatEvery.
func (c *Controller) heartbeatFunc(eventID uint64) func() {
	var mu sync.Mutex
	var last time.Time
	return func() {
		mu.Lock()
		if time.Since(last) < c.heartbeatEvery {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()

		err := c.store.Update(func(tx *metadata.Tx) error { return tx.TouchHeartbeat(eventID) })
		if err != nil {
			c.log.Debug("heartbeat persist failed", "event", eventID, "error", err)
		}
	}
}

func (c *Controller) clearInFlight(vaultID uint64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[vaultID]
	if !ok {
		return
	}
	st.inFlight = false
	if success {
		st.lastSuccessAt = time.Now()
	}
}

// Status reports the scheduler's view of one vault.
func (c *Controller) Status(vaultID uint64) (lastSync, lastSuccess time.Time, inFlight bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[vaultID]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return st.lastSyncAt, st.lastSuccessAt, st.inFlight
}
