// Package daemon runs the background sync coordinator: it drains the
// pending-write queue against the remote store, pulls fresh records behind
// checkpoints, and reports each drain over the bridge.
//
// The coordinator:
// 1. Wakes on bridge signals (connectivity, periodic timer, foregrounding)
// 2. Replays queued writes per table, oldest first
// 3. Pulls changed records and advances checkpoints
// 4. Broadcasts the drain result to foreground contexts
//
// Rapid wake signals are absorbed by a cooldown window so a flapping network
// cannot trigger a drain storm.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/bridge"
	"github.com/grazelabs/farmsync/internal/offline/cache"
	"github.com/grazelabs/farmsync/internal/offline/store"
	"github.com/grazelabs/farmsync/internal/remote"
)

// ErrSyncInProgress is returned when a drain is requested while one is
// already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Drain outcome statuses broadcast over the bridge.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Config holds coordinator configuration.
type Config struct {
	// Scope is the farm this coordinator syncs.
	Scope string

	// Cooldown is the minimum gap between drains. Wake signals arriving
	// inside the window are dropped.
	Cooldown time.Duration

	// WakeSchedule is the cron spec for proactive drains.
	WakeSchedule string

	// CheckpointMaxAge is how old a checkpoint may be before the pull
	// phase falls back to a full fetch for that table.
	CheckpointMaxAge time.Duration

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(scope string) *Config {
	return &Config{
		Scope:            scope,
		Cooldown:         30 * time.Second,
		WakeSchedule:     "@every 15m",
		CheckpointMaxAge: 24 * time.Hour,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// DrainResult summarizes one drain attempt.
type DrainResult struct {
	Status    string
	Synced    int
	Conflicts int
	Errors    int
	Remaining int
	Pulled    int
	Duration  time.Duration
}

// Coordinator owns the idle/syncing state machine. One coordinator per scope.
type Coordinator struct {
	config *Config
	cache  *cache.Manager
	remote remote.Remote
	bus    bridge.Bus

	syncing   bool
	lastDrain time.Time
	stateMu   sync.Mutex

	requests chan string
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. The bus is optional; without one, drains still
// run but results are only logged.
func New(cm *cache.Manager, rem remote.Remote, config *Config) (*Coordinator, error) {
	if cm == nil {
		return nil, fmt.Errorf("cache manager cannot be nil")
	}
	if rem == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if config == nil || config.Scope == "" {
		return nil, fmt.Errorf("config with a scope is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		config:   config,
		cache:    cm,
		remote:   rem,
		requests: make(chan string, 16),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// AttachBus wires a bridge transport: inbound wake messages request drains,
// and drain results are broadcast back. Capability-gated, call before Start.
func (c *Coordinator) AttachBus(bus bridge.Bus) {
	caps := bus.Capabilities()
	if caps.WakeSignals {
		bus.OnMessage(func(msg bridge.Message) {
			switch msg.Type {
			case bridge.MessageConnectivityRestored,
				bridge.MessagePeriodicWake,
				bridge.MessageForegroundRegained:
				c.RequestDrain(string(msg.Type))
			}
		})
	}
	if caps.Broadcast {
		c.bus = bus
	}
}

// Start launches the request loop and the periodic wake schedule.
func (c *Coordinator) Start() error {
	c.config.Logger.Printf("Starting coordinator for scope %s", c.config.Scope)

	if c.config.WakeSchedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(c.config.WakeSchedule, func() {
			c.RequestDrain("periodic_wake")
		}); err != nil {
			return fmt.Errorf("invalid wake schedule %q: %w", c.config.WakeSchedule, err)
		}
		c.cron.Start()
	}

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop shuts the coordinator down. After Stop returns, no drain runs and no
// timer fires.
func (c *Coordinator) Stop() {
	c.config.Logger.Println("Stopping coordinator")
	if c.cron != nil {
		cronCtx := c.cron.Stop()
		<-cronCtx.Done()
	}
	c.cancel()
	c.wg.Wait()
	c.config.Logger.Println("Coordinator stopped")
}

// RequestDrain queues a drain request. Non-blocking; requests arriving while
// the buffer is full collapse into the ones already queued.
func (c *Coordinator) RequestDrain(reason string) {
	select {
	case c.requests <- reason:
	default:
	}
}

// run serializes drain requests and applies the cooldown gate.
func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return

		case reason := <-c.requests:
			c.stateMu.Lock()
			elapsed := time.Since(c.lastDrain)
			c.stateMu.Unlock()

			if elapsed < c.config.Cooldown {
				c.config.Logger.Printf("Drain request (%s) inside cooldown, skipping", reason)
				continue
			}

			c.config.Logger.Printf("Drain triggered by %s", reason)
			result, err := c.DrainOnce(c.ctx)
			if errors.Is(err, ErrSyncInProgress) {
				continue
			}
			if err != nil {
				c.config.Logger.Printf("Drain failed: %v", err)
				continue
			}
			c.config.Logger.Printf("Drain %s: synced=%d conflicts=%d errors=%d remaining=%d in %s",
				result.Status, result.Synced, result.Conflicts, result.Errors,
				result.Remaining, result.Duration.Round(time.Millisecond))
		}
	}
}

// DrainOnce runs one full drain: replay queued writes, then pull. The
// cooldown clock restarts whether the drain succeeded or not, so an offline
// burst cannot retry in a tight loop.
func (c *Coordinator) DrainOnce(ctx context.Context) (*DrainResult, error) {
	c.stateMu.Lock()
	if c.syncing {
		c.stateMu.Unlock()
		return nil, ErrSyncInProgress
	}
	c.syncing = true
	c.lastDrain = time.Now()
	c.stateMu.Unlock()

	defer func() {
		c.stateMu.Lock()
		c.syncing = false
		c.lastDrain = time.Now()
		c.stateMu.Unlock()
	}()

	start := time.Now()
	scope := c.config.Scope

	if err := c.cache.SetSyncing(ctx, scope, true); err != nil {
		c.config.Logger.Printf("Warning: failed to flag syncing: %v", err)
	}
	defer func() {
		if err := c.cache.SetSyncing(context.Background(), scope, false); err != nil {
			c.config.Logger.Printf("Warning: failed to clear syncing flag: %v", err)
		}
	}()

	c.broadcast(bridge.MessageSyncStarted, nil)

	result := &DrainResult{}

	if err := c.remote.Ping(ctx); err != nil {
		// Unreachable: abort before touching the queue. Everything stays
		// pending for the next wake.
		c.config.Logger.Printf("Remote unreachable, aborting drain: %v", err)
		result.Status = StatusFailed
		result.Remaining, _ = c.cache.PendingCount(ctx, scope)
		result.Duration = time.Since(start)
		c.broadcastResult(result)
		return result, nil
	}

	aborted := c.replayQueue(ctx, result)

	if !aborted {
		result.Pulled = c.pullTables(ctx)
	}

	result.Remaining, _ = c.cache.PendingCount(ctx, scope)
	result.Duration = time.Since(start)

	switch {
	case aborted:
		result.Status = StatusFailed
	case result.Conflicts == 0 && result.Errors == 0 && result.Remaining == 0:
		result.Status = StatusSuccess
	default:
		result.Status = StatusPartial
	}

	c.broadcastResult(result)
	return result, nil
}

// replayQueue drains queued writes, one goroutine per table so slow tables
// do not starve fast ones while order within a table stays FIFO. Returns
// true when the remote went unreachable mid-batch and the drain aborted.
func (c *Coordinator) replayQueue(ctx context.Context, result *DrainResult) bool {
	writes, err := c.cache.Queue().DequeueAll(ctx, c.config.Scope)
	if err != nil {
		c.config.Logger.Printf("Failed to list pending writes: %v", err)
		return false
	}
	if len(writes) == 0 {
		return false
	}

	byTable := make(map[string][]*store.PendingWrite)
	for _, w := range writes {
		byTable[w.Table] = append(byTable[w.Table], w)
	}

	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	var mu sync.Mutex
	var wg sync.WaitGroup
	var offline bool

	for table, tableWrites := range byTable {
		wg.Add(1)
		go func(table string, tableWrites []*store.PendingWrite) {
			defer wg.Done()

			for _, w := range tableWrites {
				outcome, err := c.replayWrite(batchCtx, w)
				if errors.Is(err, remote.ErrOffline) || errors.Is(err, context.Canceled) {
					// Catastrophic: stop every table, leave the rest
					// pending.
					mu.Lock()
					offline = true
					mu.Unlock()
					cancelBatch()
					return
				}

				mu.Lock()
				switch outcome {
				case outcomeSynced:
					result.Synced++
				case outcomeConflict:
					result.Conflicts++
				case outcomeError:
					result.Errors++
				}
				mu.Unlock()

				if outcome == outcomeBlocked {
					// Transient failure: later writes on this table must
					// wait so replay order holds.
					return
				}
			}
		}(table, tableWrites)
	}
	wg.Wait()

	return offline
}

type replayOutcome int

const (
	outcomeSynced replayOutcome = iota
	outcomeConflict
	outcomeError
	outcomeBlocked
	outcomeSkipped
)

// replayWrite applies one queued write and settles its cached item.
func (c *Coordinator) replayWrite(ctx context.Context, w *store.PendingWrite) (replayOutcome, error) {
	scope := c.config.Scope

	p, err := farm.Decode(w.Table, w.Payload)
	if err != nil {
		// Undecodable payloads can never replay; drop the write and keep
		// the queue moving.
		c.config.Logger.Printf("Dropping undecodable write %s: %v", w.ID, err)
		_ = c.cache.Queue().Remove(ctx, w.ID)
		return outcomeError, nil
	}
	key := p.Key()

	// Writes whose record sits in error wait for manual retry. Resending
	// bytes the server already rejected would only burn the retry budget.
	if it, err := c.cache.Item(ctx, scope, w.Table, key); err == nil && it.SyncStatus == store.StatusError {
		return outcomeSkipped, nil
	}

	applied, err := c.remote.Apply(ctx, w)

	var conflict *remote.ConflictError
	var rejected *remote.ValidationError
	switch {
	case err == nil:
		if w.Op != store.OpDelete {
			if err := c.cache.ConfirmWrite(ctx, scope, w.Table, key, applied); err != nil {
				c.config.Logger.Printf("Warning: failed to confirm write %s: %v", w.ID, err)
			}
		}
		if err := c.cache.Queue().Remove(ctx, w.ID); err != nil {
			c.config.Logger.Printf("Warning: failed to retire write %s: %v", w.ID, err)
		}
		return outcomeSynced, nil

	case errors.Is(err, remote.ErrOffline):
		return outcomeBlocked, err

	case errors.As(err, &conflict):
		if err := c.cache.MarkConflict(ctx, scope, w.Table, key, conflict.ServerVersion); err != nil {
			c.config.Logger.Printf("Warning: failed to flag conflict on %s/%s: %v", w.Table, key, err)
		}
		// The write is abandoned; resolution re-submits with a new basis.
		_ = c.cache.Queue().Remove(ctx, w.ID)
		return outcomeConflict, nil

	case errors.As(err, &rejected):
		if err := c.cache.MarkError(ctx, scope, w.Table, key, rejected.Reason); err != nil {
			c.config.Logger.Printf("Warning: failed to flag rejection on %s/%s: %v", w.Table, key, err)
		}
		// The write stays queued with the rejection recorded; later drains
		// skip it until the record is retried or corrected.
		if _, ferr := c.cache.Queue().RecordFailure(ctx, w.ID, rejected.Reason); ferr != nil {
			c.config.Logger.Printf("Warning: failed to record rejection on %s: %v", w.ID, ferr)
		}
		return outcomeError, nil

	default:
		// Transient: bump retry bookkeeping, keep the write queued.
		if _, ferr := c.cache.Queue().RecordFailure(ctx, w.ID, err.Error()); ferr != nil {
			c.config.Logger.Printf("Warning: failed to record failure on %s: %v", w.ID, ferr)
		}
		return outcomeBlocked, nil
	}
}

// pullTables refreshes every known table behind its checkpoint, returning
// how many records were applied.
func (c *Coordinator) pullTables(ctx context.Context) int {
	scope := c.config.Scope
	pulledTotal := 0
	fullEverywhere := true

	for _, table := range farm.KnownTables() {
		full, err := c.cache.Checkpoints().NeedsFullSync(ctx, scope, table, c.config.CheckpointMaxAge)
		if err != nil {
			c.config.Logger.Printf("Warning: checkpoint lookup for %s failed: %v", table, err)
			continue
		}

		var since time.Time
		if !full {
			cp, err := c.cache.Checkpoints().Get(ctx, scope, table)
			if err != nil {
				full = true
			} else {
				since = cp.LastSyncedAt
			}
		}

		pulled, err := c.remote.Pull(ctx, scope, table, since, full)
		if err != nil {
			c.config.Logger.Printf("Warning: pull of %s failed: %v", table, err)
			fullEverywhere = false
			continue
		}

		for i := range pulled.Records {
			if err := c.cache.ApplyServerRecord(ctx, scope, table, &pulled.Records[i]); err != nil {
				c.config.Logger.Printf("Warning: failed to apply %s/%s: %v", table, pulled.Records[i].Key, err)
				continue
			}
			pulledTotal++
		}

		syncedAt := pulled.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = time.Now()
		}
		if err := c.cache.Checkpoints().Update(ctx, scope, table, syncedAt, pulled.Total); err != nil {
			c.config.Logger.Printf("Warning: checkpoint update for %s failed: %v", table, err)
		}
		if !full {
			fullEverywhere = false
		}
	}

	if fullEverywhere {
		if err := c.cache.SetLastFullSync(ctx, scope, time.Now()); err != nil {
			c.config.Logger.Printf("Warning: failed to record full sync: %v", err)
		}
	}
	return pulledTotal
}

func (c *Coordinator) broadcastResult(result *DrainResult) {
	c.broadcast(bridge.MessageDrainCompleted, bridge.DrainCompletedData{
		Scope:     c.config.Scope,
		Status:    result.Status,
		Synced:    result.Synced,
		Conflicts: result.Conflicts,
		Errors:    result.Errors,
		Remaining: result.Remaining,
	})
}

func (c *Coordinator) broadcast(t bridge.MessageType, payload any) {
	if c.bus == nil {
		return
	}
	msg, err := bridge.NewMessage(t, payload)
	if err != nil {
		c.config.Logger.Printf("Warning: failed to build %s message: %v", t, err)
		return
	}
	if err := c.bus.Send(msg); err != nil {
		c.config.Logger.Printf("Warning: failed to broadcast %s: %v", t, err)
	}
}
