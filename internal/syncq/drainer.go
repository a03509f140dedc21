// Package syncq drains the offline mutation queue against the remote
// record store. Mutations are already applied locally before they reach
// the queue; the drainer's only job is eventual, ordered, idempotent
// delivery.
package syncq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dosewise/internal/domain"
	"dosewise/internal/errors"
	"dosewise/internal/metrics"
	"dosewise/internal/storage"
)

// Config holds drainer tuning.
type Config struct {
	Interval       time.Duration // between drain cycles
	BatchSize      int           // max items fetched per cycle
	RetryThreshold int           // retries before an item is flagged for operators
	RatePerSecond  float64       // remote call budget; 0 = unlimited
	BreakerTrip    uint32        // consecutive failures before the breaker opens
	BreakerTimeout time.Duration // open-state duration before a probe
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = 5
	}
	if c.BreakerTrip == 0 {
		c.BreakerTrip = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Drainer is the background drain loop. It is the only component that
// touches the network; a circuit breaker around the remote store stands
// in for connectivity detection, and a mutex guarantees a cycle never
// runs concurrently with itself.
type Drainer struct {
	config  Config
	local   *storage.Local
	remote  storage.RecordStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter

	drainMu sync.Mutex // single-flight guard around a drain cycle

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDrainer creates a drainer over the local queue and remote store.
func NewDrainer(cfg Config, local *storage.Local, remote storage.RecordStore, logger *zap.Logger, m *metrics.Metrics) *Drainer {
	cfg.defaults()
	if m == nil {
		m = metrics.NewUnregistered()
	}

	d := &Drainer{
		config:  cfg,
		local:   local,
		remote:  remote,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}

	d.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "remote-record-store",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTrip
		},
		IsSuccessful: func(err error) bool {
			// A rejected payload is not a connectivity signal; only
			// transient failures should trip the breaker.
			return err == nil || errors.GetCode(err) == errors.ErrSyncRejected.Code
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Remote store breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	if cfg.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return d
}

// Start launches the periodic drain loop.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.ErrDrainBusy
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("Starting sync drainer", zap.Duration("interval", d.config.Interval))

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Sync drainer stopped")
}

// IsRunning reports whether the loop is active.
func (d *Drainer) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Drainer) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.drainCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.drainCycle(ctx)
		}
	}
}

func (d *Drainer) drainCycle(ctx context.Context) {
	if err := d.DrainOnce(ctx); err != nil && err != errors.ErrDrainBusy {
		d.logger.Warn("Drain cycle ended with error", zap.Error(err))
	}
}

// DrainOnce runs a single drain cycle. Items apply in enqueue order with
// per-record-id causal ordering: once an item for a record fails this
// cycle, later items for the same record are held back untouched. An open
// breaker ends the cycle early without charging retries, since no call
// was actually made. Safe to call concurrently; extra callers get
// ErrDrainBusy.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	if !d.drainMu.TryLock() {
		d.metrics.DrainSkipped.Inc()
		return errors.ErrDrainBusy
	}
	defer d.drainMu.Unlock()
	defer d.metrics.DrainCycles.Inc()
	defer d.updateGauges()

	items, err := d.local.PendingQueueItems(d.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, errors.ErrSyncApply.Code, "failed to read queue")
	}
	if len(items) == 0 {
		return nil
	}

	d.logger.Debug("Draining sync queue", zap.Int("pending", len(items)))

	heldBack := make(map[string]bool)
	for i := range items {
		item := &items[i]

		if heldBack[item.RecordID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		d.metrics.SyncAttempts.Inc()
		_, err := d.breaker.Execute(func() (any, error) {
			return nil, d.applyItem(ctx, item)
		})
		if err == nil {
			if err := d.local.MarkSynced(item.ID); err != nil {
				d.logger.Error("Failed to mark item synced", zap.String("item_id", item.ID), zap.Error(err))
			}
			d.metrics.SyncApplied.Inc()
			continue
		}

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Connectivity is down; no call was made, so no retry is
			// charged. Future cycles pick the queue up from here.
			d.logger.Debug("Remote store unavailable, ending drain cycle")
			return nil
		}

		d.metrics.SyncFailures.Inc()
		heldBack[item.RecordID] = true
		if ferr := d.local.RecordSyncFailure(item.ID, err); ferr != nil {
			d.logger.Error("Failed to record sync failure", zap.String("item_id", item.ID), zap.Error(ferr))
		}

		if item.RetryCount+1 >= d.config.RetryThreshold {
			// Surfaced for operators but never dropped: a stuck queue
			// beats silent data loss.
			d.logger.Error("Sync item needs attention",
				zap.String("item_id", item.ID),
				zap.String("record_type", item.RecordType),
				zap.String("record_id", item.RecordID),
				zap.Int("retries", item.RetryCount+1),
				zap.Error(err),
			)
		} else {
			d.logger.Warn("Sync item failed, will retry",
				zap.String("item_id", item.ID),
				zap.Int("retries", item.RetryCount+1),
				zap.Error(err),
			)
		}
	}
	return nil
}

// applyItem delivers one mutation with upsert semantics keyed by record
// id, so redelivery is a no-op on the remote side.
func (d *Drainer) applyItem(ctx context.Context, item *domain.SyncQueueItem) error {
	if item.RecordID == "" || (item.Payload == "" && item.Action != domain.ActionDelete) {
		return errors.Wrap(nil, errors.ErrQueueCorrupt.Code, errors.ErrQueueCorrupt.Message)
	}

	switch item.Action {
	case domain.ActionCreate, domain.ActionUpdate:
		return d.remote.Upsert(ctx, item.RecordType, item.RecordID, json.RawMessage(item.Payload))
	case domain.ActionDelete:
		// Medicines soft-delete: the snapshot carries the tombstone, so a
		// delete is an upsert too when a payload is present.
		if item.Payload != "" {
			return d.remote.Upsert(ctx, item.RecordType, item.RecordID, json.RawMessage(item.Payload))
		}
		return d.remote.Delete(ctx, item.RecordType, item.RecordID)
	default:
		return errors.Wrap(nil, errors.ErrQueueCorrupt.Code, "unknown action "+string(item.Action))
	}
}

func (d *Drainer) updateGauges() {
	if depth, err := d.local.QueueDepth(); err == nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
	if stuck, err := d.local.QueueItemsNeedingAttention(d.config.RetryThreshold); err == nil {
		d.metrics.SyncStuck.Set(float64(len(stuck)))
	}
}

// Status summarizes queue health for the API surface.
type Status struct {
	Running        bool                   `json:"running"`
	QueueDepth     int64                  `json:"queue_depth"`
	BreakerState   string                 `json:"breaker_state"`
	NeedsAttention []domain.SyncQueueItem `json:"needs_attention,omitempty"`
}

// Status reports the drainer's current state.
func (d *Drainer) Status() (Status, error) {
	depth, err := d.local.QueueDepth()
	if err != nil {
		return Status{}, err
	}
	stuck, err := d.local.QueueItemsNeedingAttention(d.config.RetryThreshold)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:        d.IsRunning(),
		QueueDepth:     depth,
		BreakerState:   d.breaker.State().String(),
		NeedsAttention: stuck,
	}, nil
}
