package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"dosewise/internal/clock"
	"dosewise/internal/domain"
	"dosewise/internal/metrics"
	"dosewise/internal/schedule"
	"dosewise/internal/storage"
)

// Config holds reconciler tuning.
type Config struct {
	LookaheadDays int           // rolling window re-derived on every resync
	Tolerance     time.Duration // dose tolerance, shared with the resolver
}

func (c *Config) defaults() {
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = 7
	}
	if c.Tolerance <= 0 {
		c.Tolerance = clock.DefaultTolerance
	}
}

// Reconciler computes the minimal set of future notifications from the
// resolved dose list and cancels any that no longer correspond to a
// pending dose. Handles are persisted in badger so a resync after
// restart can still cancel what the previous process scheduled.
type Reconciler struct {
	config   Config
	local    *storage.Local
	sink     Sink
	registry *badger.DB
	resolver schedule.Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex // serializes resyncs; the derivation itself is pure
}

// NewReconciler wires the reconciler over its collaborators.
func NewReconciler(cfg Config, local *storage.Local, sink Sink, registry *badger.DB, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	cfg.defaults()
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Reconciler{
		config:   cfg,
		local:    local,
		sink:     sink,
		registry: registry,
		resolver: schedule.Resolver{Tolerance: cfg.Tolerance},
		logger:   logger,
		metrics:  m,
	}
}

func registryPrefix(patientID string) []byte {
	return []byte("reminder:" + patientID + ":")
}

func registryKey(patientID, day, medicineID, clockTime string) []byte {
	return []byte(fmt.Sprintf("reminder:%s:%s:%s:%s", patientID, day, medicineID, clockTime))
}

// Resync performs the full cancel-all-then-rederive pass for one patient:
// every registered handle is cancelled, then the look-ahead window is
// expanded and one notification is scheduled per pending dose whose
// scheduled time is still in the future. Run it whenever the medicine
// set, a schedule, or today's logs change.
func (r *Reconciler) Resync(ctx context.Context, patientID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.metrics.ResyncsTotal.Inc()

	if err := r.cancelRegistered(patientID); err != nil {
		return err
	}

	meds, err := r.local.ListMedicines(patientID)
	if err != nil {
		return err
	}

	scheduled := 0
	for offset := 0; offset < r.config.LookaheadDays; offset++ {
		day := clock.StartOfDay(now).AddDate(0, 0, offset)
		dayKey := clock.DayOf(day)

		seeds, expandErrs := schedule.ExpandAll(meds, day)
		for _, e := range expandErrs {
			r.logger.Warn("Skipping malformed schedule entry", zap.String("patient_id", patientID), zap.Error(e))
		}

		logs, err := r.local.GetLogsForDay(patientID, dayKey)
		if err != nil {
			return err
		}

		views := r.resolver.Resolve(seeds, logs, now)
		for i := range views {
			v := &views[i]
			if v.Status != domain.StatusPending {
				continue
			}
			at, err := clock.At(day, v.Schedule.Time)
			if err != nil || !at.After(now) {
				continue
			}

			handle, err := r.sink.Schedule(at, Notification{
				PatientID:  patientID,
				MedicineID: v.Medicine.ID,
				Medicine:   v.Medicine.Name,
				Dosage:     v.Medicine.Dosage,
				Day:        dayKey,
				ClockTime:  v.Schedule.Time,
				At:         at,
			})
			if err != nil {
				r.logger.Error("Failed to schedule reminder",
					zap.String("patient_id", patientID),
					zap.String("medicine_id", v.Medicine.ID),
					zap.Error(err),
				)
				continue
			}

			if err := r.rememberHandle(patientID, dayKey, v.Medicine.ID, v.Schedule.Time, handle); err != nil {
				return err
			}
			scheduled++
			r.metrics.RemindersScheduled.Inc()
		}
	}

	r.logger.Debug("Reminder resync complete",
		zap.String("patient_id", patientID),
		zap.Int("scheduled", scheduled),
	)
	return nil
}

// MarkResolved cancels the one reminder targeting a dose that has just
// been logged, so a taken dose never fires its notification. Unknown or
// already-fired handles are a no-op.
func (r *Reconciler) MarkResolved(ctx context.Context, patientID, medicineID, day, clockTime string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mins, err := clock.ParseClock(clockTime)
	if err != nil {
		return err
	}
	key := registryKey(patientID, day, medicineID, clock.FormatClock(mins))

	return r.registry.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var handle string
		if err := item.Value(func(v []byte) error {
			handle = string(v)
			return nil
		}); err != nil {
			return err
		}
		if err := r.sink.Cancel(handle); err != nil {
			return err
		}
		r.metrics.RemindersCancelled.Inc()
		return txn.Delete(key)
	})
}

// RegisteredCount reports how many handles the registry holds for a
// patient.
func (r *Reconciler) RegisteredCount(patientID string) (int, error) {
	count := 0
	err := r.registry.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := registryPrefix(patientID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (r *Reconciler) rememberHandle(patientID, day, medicineID, clockTime, handle string) error {
	return r.registry.Update(func(txn *badger.Txn) error {
		return txn.Set(registryKey(patientID, day, medicineID, clockTime), []byte(handle))
	})
}

// cancelRegistered cancels and forgets every handle for the patient.
// Cancelling an already-fired handle is a no-op at the sink, which is
// exactly what makes the cancel-all pass safe after a restart or a day
// rollover.
func (r *Reconciler) cancelRegistered(patientID string) error {
	var keys [][]byte
	var handles []string

	err := r.registry.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := registryPrefix(patientID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			keys = append(keys, item.KeyCopy(nil))
			if err := item.Value(func(v []byte) error {
				handles = append(handles, string(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, handle := range handles {
		if err := r.sink.Cancel(handle); err != nil {
			return err
		}
		r.metrics.RemindersCancelled.Inc()
	}

	return r.registry.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
