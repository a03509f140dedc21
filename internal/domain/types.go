// Package domain defines the core records and derived views for dose
// scheduling and adherence tracking.
package domain

import (
	"encoding/json"
	"time"
)

// DoseStatus is the resolved outcome of a single dose.
type DoseStatus string

const (
	StatusTaken   DoseStatus = "taken"
	StatusMissed  DoseStatus = "missed"
	StatusPending DoseStatus = "pending"
	StatusSnoozed DoseStatus = "snoozed"
	StatusSkipped DoseStatus = "skipped"
)

// DueState refines a pending dose relative to wall-clock time.
type DueState string

const (
	DueCurrent  DueState = "current"  // within the tolerance window around its scheduled time
	DueOverdue  DueState = "overdue"  // past the tolerance window with no log; counts as missed in daily stats
	DueUpcoming DueState = "upcoming" // scheduled time still in the future
	DueNone     DueState = ""         // not pending
)

// DayBucket is the coarse time-of-day classification for a schedule entry.
type DayBucket string

const (
	BucketMorning   DayBucket = "morning"
	BucketAfternoon DayBucket = "afternoon"
	BucketEvening   DayBucket = "evening"
	BucketNight     DayBucket = "night"
)

// RiskLevel is the discrete adherence risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AlertTier maps a risk assessment to a notification severity.
type AlertTier string

const (
	TierUrgent    AlertTier = "urgent"
	TierImportant AlertTier = "important"
	TierInfo      AlertTier = "info"
)

// RecorderRole identifies who recorded an adherence outcome.
type RecorderRole string

const (
	RolePatient  RecorderRole = "patient"
	RoleGuardian RecorderRole = "guardian"
	RoleFamily   RecorderRole = "family"
)

// DoseSchedule is one recurring dose-time entry on a medicine.
// Entries are unique per medicine by (Bucket, Time). Changes apply
// prospectively only; doses already expanded for a day are not affected.
type DoseSchedule struct {
	Time      string    `json:"time"` // "HH:MM"
	Bucket    DayBucket `json:"bucket"`
	Frequency string    `json:"frequency,omitempty"` // e.g. "daily"
}

// Medicine is a prescribed medication with its recurring schedule.
type Medicine struct {
	ID        string `json:"id" gorm:"primaryKey"`
	PatientID string `json:"patient_id" gorm:"index"`

	Name   string `json:"name"`
	Dosage string `json:"dosage"` // free text, e.g. "10mg"

	Schedule     []DoseSchedule `json:"schedule" gorm:"-"`
	ScheduleJSON string         `json:"-" gorm:"column:schedule_json;type:text"`

	IsCritical    bool `json:"is_critical"`
	RemainingDays int  `json:"remaining_days,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" gorm:"index"` // soft-absent; logs keep referencing it
}

// PackSchedule serializes the schedule entries into ScheduleJSON for storage.
func (m *Medicine) PackSchedule() {
	if len(m.Schedule) == 0 {
		m.ScheduleJSON = ""
		return
	}
	b, _ := json.Marshal(m.Schedule)
	m.ScheduleJSON = string(b)
}

// UnpackSchedule restores the schedule entries from ScheduleJSON.
func (m *Medicine) UnpackSchedule() {
	if m.ScheduleJSON == "" {
		m.Schedule = nil
		return
	}
	json.Unmarshal([]byte(m.ScheduleJSON), &m.Schedule)
}

// Deleted reports whether the medicine has been soft-deleted.
func (m *Medicine) Deleted() bool {
	return m.DeletedAt != nil
}

// AdherenceLogEntry records the outcome of one dose. The logical key is
// (MedicineID, ScheduledTime, Day); a later write for the same key
// supersedes the earlier one.
type AdherenceLogEntry struct {
	ID         string `json:"id" gorm:"primaryKey"`
	PatientID  string `json:"patient_id" gorm:"index"`
	MedicineID string `json:"medicine_id" gorm:"index"`

	ScheduledTime string     `json:"scheduled_time"` // "HH:MM" for the day it covers
	Day           string     `json:"day" gorm:"index"` // "2006-01-02"
	ActualTime    *time.Time `json:"actual_time,omitempty"`

	Status       DoseStatus   `json:"status"`
	Note         string       `json:"note,omitempty"`
	SymptomTags  string       `json:"symptom_tags,omitempty"` // comma-separated
	RecorderRole RecorderRole `json:"recorder_role,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolved reports whether the entry settles its dose one way or the other.
func (e *AdherenceLogEntry) Resolved() bool {
	return e.Status == StatusTaken || e.Status == StatusMissed
}

// DailyDoseView is the resolved projection of one dose on one day.
// Derived on every read, never persisted.
type DailyDoseView struct {
	Medicine *Medicine    `json:"medicine"`
	Schedule DoseSchedule `json:"schedule"`
	Day      string       `json:"day"`
	Status   DoseStatus   `json:"status"`
	DueState DueState     `json:"due_state,omitempty"`
	Log      *AdherenceLogEntry `json:"log,omitempty"`
}

// RiskAssessment summarizes a patient's recent adherence behavior.
// Derived on demand; device-side and server-side computations must agree
// given the same log window.
type RiskAssessment struct {
	Level             RiskLevel `json:"level"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	AdherenceRate     float64   `json:"adherence_rate"` // 0..1
	Escalated         bool      `json:"escalated"`      // critical-medicine or streak escalation
}

// SyncAction is the kind of mutation carried by a queue item.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// Record collections understood by the record stores.
const (
	CollectionPatients      = "patients"
	CollectionMedicines     = "medicines"
	CollectionAdherenceLogs = "adherence_logs"
)

// SyncQueueItem is one pending write awaiting application to the remote
// store. Items are retained after syncing for audit; implementations may
// prune synced items after a retention period.
type SyncQueueItem struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	RecordType string     `json:"record_type" gorm:"index"`
	RecordID   string     `json:"record_id" gorm:"index"`
	Action     SyncAction `json:"action"`
	Payload    string     `json:"payload" gorm:"type:text"` // full JSON snapshot

	EnqueuedAt time.Time  `json:"enqueued_at" gorm:"index"`
	Synced     bool       `json:"synced" gorm:"index"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Patient is the minimal patient record the engine needs; identity plus
// the fields the sweep reads. Profile data lives outside the core.
type Patient struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" gorm:"index"`
}
