package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dosewise/internal/domain"
)

// Local is the device-owned durable store. Every domain mutation applies
// here synchronously and appends a sync-queue item in the same
// transaction, so the queue can never disagree with local state.
type Local struct {
	db *gorm.DB
}

// OpenLocal opens (or creates) the sqlite database at path. Pass
// ":memory:" for tests.
func OpenLocal(path string) (*Local, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqliteDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	local := &Local{db: db}
	if err := db.AutoMigrate(
		&domain.Patient{},
		&domain.Medicine{},
		&domain.AdherenceLogEntry{},
		&domain.SyncQueueItem{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return local, nil
}

// DB exposes the underlying gorm handle.
func (l *Local) DB() *gorm.DB {
	return l.db
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func enqueueTx(tx *gorm.DB, recordType, recordID string, action domain.SyncAction, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	item := &domain.SyncQueueItem{
		ID:         newID("sq"),
		RecordType: recordType,
		RecordID:   recordID,
		Action:     action,
		Payload:    string(payload),
		EnqueuedAt: time.Now(),
	}
	return tx.Create(item).Error
}

// ==================== Patient operations ====================

func (l *Local) CreatePatient(p *domain.Patient) error {
	if p.ID == "" {
		p.ID = newID("pat")
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		return enqueueTx(tx, domain.CollectionPatients, p.ID, domain.ActionCreate, p)
	})
}

func (l *Local) GetPatient(id string) (*domain.Patient, error) {
	var p domain.Patient
	err := l.db.Where("id = ? AND deleted_at IS NULL", id).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return &p, err
}

func (l *Local) ListPatients() ([]domain.Patient, error) {
	var patients []domain.Patient
	err := l.db.Where("deleted_at IS NULL").Order("created_at ASC").Find(&patients).Error
	return patients, err
}

// ==================== Medicine operations ====================

func (l *Local) CreateMedicine(med *domain.Medicine) error {
	if med.ID == "" {
		med.ID = newID("med")
	}
	med.CreatedAt = time.Now()
	med.UpdatedAt = med.CreatedAt
	med.PackSchedule()
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(med).Error; err != nil {
			return err
		}
		return enqueueTx(tx, domain.CollectionMedicines, med.ID, domain.ActionCreate, med)
	})
}

func (l *Local) GetMedicine(id string) (*domain.Medicine, error) {
	var med domain.Medicine
	err := l.db.Where("id = ?", id).First(&med).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	med.UnpackSchedule()
	return &med, err
}

func (l *Local) UpdateMedicine(med *domain.Medicine) error {
	med.UpdatedAt = time.Now()
	med.PackSchedule()
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(med).Error; err != nil {
			return err
		}
		return enqueueTx(tx, domain.CollectionMedicines, med.ID, domain.ActionUpdate, med)
	})
}

// DeleteMedicine soft-deletes: logs referencing the medicine remain for
// history.
func (l *Local) DeleteMedicine(id string) error {
	med, err := l.GetMedicine(id)
	if err != nil || med == nil {
		return err
	}
	now := time.Now()
	med.DeletedAt = &now
	med.UpdatedAt = now
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(med).Error; err != nil {
			return err
		}
		return enqueueTx(tx, domain.CollectionMedicines, med.ID, domain.ActionDelete, med)
	})
}

func (l *Local) ListMedicines(patientID string) ([]*domain.Medicine, error) {
	var meds []*domain.Medicine
	err := l.db.Where("patient_id = ? AND deleted_at IS NULL", patientID).
		Order("created_at ASC").
		Find(&meds).Error
	for _, med := range meds {
		med.UnpackSchedule()
	}
	return meds, err
}

// CriticalMedicineSet returns the ids of the patient's critical-flagged
// medicines, soft-deleted ones included since historical misses still
// matter for escalation.
func (l *Local) CriticalMedicineSet(patientID string) (map[string]bool, error) {
	var ids []string
	err := l.db.Model(&domain.Medicine{}).
		Where("patient_id = ? AND is_critical = ?", patientID, true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// ==================== Adherence log operations ====================

// UpsertAdherenceLog writes an outcome keyed by (medicine, scheduled
// time, day); a later write for the same key supersedes the earlier one.
func (l *Local) UpsertAdherenceLog(entry *domain.AdherenceLogEntry) error {
	now := time.Now()
	return l.db.Transaction(func(tx *gorm.DB) error {
		var existing domain.AdherenceLogEntry
		err := tx.Where("medicine_id = ? AND scheduled_time = ? AND day = ?",
			entry.MedicineID, entry.ScheduledTime, entry.Day).
			First(&existing).Error
		switch err {
		case nil:
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
		case gorm.ErrRecordNotFound:
			if entry.ID == "" {
				entry.ID = newID("adh")
			}
			entry.CreatedAt = now
		default:
			return err
		}
		entry.UpdatedAt = now

		if err := tx.Save(entry).Error; err != nil {
			return err
		}
		action := domain.ActionUpdate
		if entry.CreatedAt.Equal(now) {
			action = domain.ActionCreate
		}
		return enqueueTx(tx, domain.CollectionAdherenceLogs, entry.ID, action, entry)
	})
}

func (l *Local) GetLogsForDay(patientID, day string) ([]domain.AdherenceLogEntry, error) {
	var logs []domain.AdherenceLogEntry
	err := l.db.Where("patient_id = ? AND day = ?", patientID, day).
		Order("scheduled_time ASC").
		Find(&logs).Error
	return logs, err
}

// GetLogWindow returns entries covering the trailing window [from, to],
// day-granular, ordered ascending.
func (l *Local) GetLogWindow(patientID, fromDay, toDay string) ([]domain.AdherenceLogEntry, error) {
	var logs []domain.AdherenceLogEntry
	err := l.db.Where("patient_id = ? AND day >= ? AND day <= ?", patientID, fromDay, toDay).
		Order("day ASC, scheduled_time ASC").
		Find(&logs).Error
	return logs, err
}

// LatestLogTime returns the creation time of the patient's most recent
// log entry, for the inactivity check. Zero time when none exist.
func (l *Local) LatestLogTime(patientID string) (time.Time, error) {
	var entry domain.AdherenceLogEntry
	err := l.db.Where("patient_id = ?", patientID).
		Order("created_at DESC").
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	return entry.CreatedAt, err
}

// ==================== Sync queue operations ====================

// PendingQueueItems returns unsynced items in enqueue order.
func (l *Local) PendingQueueItems(limit int) ([]domain.SyncQueueItem, error) {
	var items []domain.SyncQueueItem
	q := l.db.Where("synced = ?", false).Order("enqueued_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

// MarkSynced flags an item as applied. Items are never deleted here;
// audit retention is handled by PruneSynced.
func (l *Local) MarkSynced(id string) error {
	now := time.Now()
	return l.db.Model(&domain.SyncQueueItem{}).Where("id = ?", id).Updates(map[string]any{
		"synced":    true,
		"synced_at": &now,
	}).Error
}

// RecordSyncFailure increments the retry count and remembers the error.
func (l *Local) RecordSyncFailure(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.db.Model(&domain.SyncQueueItem{}).Where("id = ?", id).Updates(map[string]any{
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  msg,
	}).Error
}

// QueueItemsNeedingAttention returns unsynced items at or past the retry
// threshold, for operator visibility. They are still retried.
func (l *Local) QueueItemsNeedingAttention(threshold int) ([]domain.SyncQueueItem, error) {
	var items []domain.SyncQueueItem
	err := l.db.Where("synced = ? AND retry_count >= ?", false, threshold).
		Order("enqueued_at ASC").
		Find(&items).Error
	return items, err
}

// QueueDepth returns the number of unsynced items.
func (l *Local) QueueDepth() (int64, error) {
	var count int64
	err := l.db.Model(&domain.SyncQueueItem{}).Where("synced = ?", false).Count(&count).Error
	return count, err
}

// PruneSynced removes synced items older than the retention period.
func (l *Local) PruneSynced(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := l.db.Where("synced = ? AND synced_at < ?", true, cutoff).Delete(&domain.SyncQueueItem{})
	return res.RowsAffected, res.Error
}
