// Package reminder keeps scheduled dose notifications aligned with the
// doses that are actually still pending.
package reminder

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification is the payload handed to the platform notification
// subsystem for one dose.
type Notification struct {
	PatientID  string    `json:"patient_id"`
	MedicineID string    `json:"medicine_id"`
	Medicine   string    `json:"medicine"`
	Dosage     string    `json:"dosage"`
	Day        string    `json:"day"`
	ClockTime  string    `json:"clock_time"`
	At         time.Time `json:"at"`
}

// Sink is the platform notification subsystem. Cancelling a handle that
// has already fired or was already cancelled is a no-op, not an error;
// the reconciler has no way to recall a notification post-fire.
type Sink interface {
	Schedule(at time.Time, n Notification) (handle string, err error)
	Cancel(handle string) error
	CancelAll() error
}

// MemorySink is an in-memory Sink for tests and for running without a
// platform integration. Firing is simulated explicitly.
type MemorySink struct {
	mu        sync.Mutex
	nextID    int
	scheduled map[string]Notification
	fired     map[string]Notification
	cancelled int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		scheduled: make(map[string]Notification),
		fired:     make(map[string]Notification),
	}
}

func (s *MemorySink) Schedule(at time.Time, n Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	handle := fmt.Sprintf("notif_%d", s.nextID)
	n.At = at
	s.scheduled[handle] = n
	return handle, nil
}

func (s *MemorySink) Cancel(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[handle]; ok {
		delete(s.scheduled, handle)
		s.cancelled++
	}
	return nil
}

func (s *MemorySink) CancelAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled += len(s.scheduled)
	s.scheduled = make(map[string]Notification)
	return nil
}

// Fire simulates the platform delivering a scheduled notification.
func (s *MemorySink) Fire(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.scheduled[handle]
	if !ok {
		return false
	}
	delete(s.scheduled, handle)
	s.fired[handle] = n
	return true
}

// Scheduled returns a snapshot of currently scheduled notifications.
func (s *MemorySink) Scheduled() map[string]Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Notification, len(s.scheduled))
	for h, n := range s.scheduled {
		out[h] = n
	}
	return out
}

// FiredCount returns how many notifications have delivered.
func (s *MemorySink) FiredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

// CancelledCount returns how many scheduled notifications were cancelled
// pre-fire.
func (s *MemorySink) CancelledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// LogSink is a Sink for headless deployments without a platform
// notification integration: scheduling is tracked in memory and every
// transition is logged.
type LogSink struct {
	*MemorySink
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{MemorySink: NewMemorySink(), logger: logger}
}

func (s *LogSink) Schedule(at time.Time, n Notification) (string, error) {
	handle, err := s.MemorySink.Schedule(at, n)
	if err != nil {
		return "", err
	}
	s.logger.Info("Reminder scheduled",
		zap.String("handle", handle),
		zap.String("medicine", n.Medicine),
		zap.Time("at", at),
	)
	return handle, nil
}

func (s *LogSink) Cancel(handle string) error {
	if err := s.MemorySink.Cancel(handle); err != nil {
		return err
	}
	s.logger.Debug("Reminder cancelled", zap.String("handle", handle))
	return nil
}
