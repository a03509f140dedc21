// Package sweep re-runs the adherence risk calculator across all
// patients on a fixed period and raises alerts through an external sink.
// It is a thin orchestration layer: all classification lives in the
// adherence package so the server and the device can never disagree.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dosewise/internal/adherence"
	"dosewise/internal/clock"
	"dosewise/internal/domain"
	"dosewise/internal/metrics"
	"dosewise/internal/storage"
)

// Alert is one raised alert record. ID is deterministic over
// (patient, day, kind) so re-running a sweep cannot duplicate alerts.
type Alert struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Day       string            `json:"day"`
	Kind      string            `json:"kind"`
	Tier      domain.AlertTier  `json:"tier"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// Sink delivers alerts to guardians and pharmacies. Raising the same
// alert id twice must be a no-op on the receiving side.
type Sink interface {
	Raise(ctx context.Context, alert Alert) error
}

// Alert kinds produced by the sweep.
const (
	KindRiskHigh   = "risk-high"
	KindRiskMedium = "risk-medium"
	KindInactivity = "inactivity"
)

// AlertID derives the deterministic id for (patient, day, kind).
func AlertID(patientID, day, kind string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(patientID+"|"+day+"|"+kind)).String()
}

// Config holds sweep tuning.
type Config struct {
	CronSpec        string // e.g. "0 * * * *"
	WindowDays      int    // trailing log window fed to the calculator
	InactivityHours int    // silence threshold for the check-in alert
}

func (c *Config) defaults() {
	if c.CronSpec == "" {
		c.CronSpec = "0 * * * *"
	}
	if c.WindowDays <= 0 {
		c.WindowDays = adherence.WindowWeek
	}
	if c.InactivityHours <= 0 {
		c.InactivityHours = 48
	}
}

// Sweeper runs the periodic risk sweep.
type Sweeper struct {
	config  Config
	local   *storage.Local
	sink    Sink
	calc    adherence.Calculator
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper wires a sweeper over the store and alert sink.
func NewSweeper(cfg Config, local *storage.Local, sink Sink, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	cfg.defaults()
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Sweeper{
		config:  cfg,
		local:   local,
		sink:    sink,
		logger:  logger,
		metrics: m,
	}
}

// Start schedules the sweep on its cron period.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweep already running")
	}

	c := cron.New()
	_, err := c.AddFunc(s.config.CronSpec, func() {
		if err := s.RunOnce(context.Background(), time.Now()); err != nil {
			s.logger.Error("Risk sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.CronSpec, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("Risk sweep scheduled", zap.String("cron", s.config.CronSpec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.logger.Info("Risk sweep stopped")
	}
}

// RunOnce sweeps every patient once. Re-running for the same day raises
// the same deterministic alert ids, so retries cannot duplicate
// notifications. Per-patient failures are logged and do not abort the
// sweep.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	s.metrics.SweepRuns.Inc()

	patients, err := s.local.ListPatients()
	if err != nil {
		return err
	}

	for i := range patients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sweepPatient(ctx, &patients[i], now); err != nil {
			s.logger.Error("Patient sweep failed",
				zap.String("patient_id", patients[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Sweeper) sweepPatient(ctx context.Context, patient *domain.Patient, now time.Time) error {
	today := clock.DayOf(now)
	from := clock.DayOf(now.AddDate(0, 0, -(s.config.WindowDays - 1)))

	logs, err := s.local.GetLogWindow(patient.ID, from, today)
	if err != nil {
		return err
	}
	criticalSet, err := s.local.CriticalMedicineSet(patient.ID)
	if err != nil {
		return err
	}

	criticalMissed := adherence.CriticalMissedOn(logs, today, criticalSet)
	risk := s.calc.Assess(logs, criticalMissed)

	if alert, ok := s.riskAlert(patient, risk, criticalMissed, today); ok {
		if err := s.raise(ctx, alert); err != nil {
			return err
		}
	}

	return s.checkInactivity(ctx, patient, now, today)
}

func (s *Sweeper) riskAlert(patient *domain.Patient, risk domain.RiskAssessment, criticalMissed bool, today string) (Alert, bool) {
	switch risk.Level {
	case domain.RiskHigh:
		title := "Urgent: missed doses need attention"
		msg := fmt.Sprintf("%s has missed %d doses in a row (adherence %.0f%%). Please check in now.",
			patient.Name, risk.ConsecutiveMisses, risk.AdherenceRate*100)
		if criticalMissed {
			msg = fmt.Sprintf("%s missed a critical medicine today. Please check in now.", patient.Name)
		}
		return Alert{
			ID:        AlertID(patient.ID, today, KindRiskHigh),
			PatientID: patient.ID,
			Day:       today,
			Kind:      KindRiskHigh,
			Tier:      domain.TierUrgent,
			Title:     title,
			Message:   msg,
			Context: map[string]string{
				"consecutive_misses": fmt.Sprintf("%d", risk.ConsecutiveMisses),
				"adherence_rate":     fmt.Sprintf("%.2f", risk.AdherenceRate),
				"escalated":          fmt.Sprintf("%t", risk.Escalated),
			},
		}, true
	case domain.RiskMedium:
		return Alert{
			ID:        AlertID(patient.ID, today, KindRiskMedium),
			PatientID: patient.ID,
			Day:       today,
			Kind:      KindRiskMedium,
			Tier:      domain.TierImportant,
			Title:     "Adherence is slipping",
			Message: fmt.Sprintf("%s's adherence is at %.0f%% with %d recent missed dose(s). A gentle reminder may help.",
				patient.Name, risk.AdherenceRate*100, risk.ConsecutiveMisses),
			Context: map[string]string{
				"consecutive_misses": fmt.Sprintf("%d", risk.ConsecutiveMisses),
				"adherence_rate":     fmt.Sprintf("%.2f", risk.AdherenceRate),
			},
		}, true
	default:
		return Alert{}, false
	}
}

func (s *Sweeper) checkInactivity(ctx context.Context, patient *domain.Patient, now time.Time, today string) error {
	latest, err := s.local.LatestLogTime(patient.ID)
	if err != nil {
		return err
	}
	if latest.IsZero() {
		// Never logged anything; onboarding, not inactivity.
		return nil
	}

	silence := now.Sub(latest)
	if silence < time.Duration(s.config.InactivityHours)*time.Hour {
		return nil
	}

	return s.raise(ctx, Alert{
		ID:        AlertID(patient.ID, today, KindInactivity),
		PatientID: patient.ID,
		Day:       today,
		Kind:      KindInactivity,
		Tier:      domain.TierInfo,
		Title:     "No recent activity",
		Message: fmt.Sprintf("%s has not logged any doses for %d hours. Recent data may be incomplete.",
			patient.Name, int(silence.Hours())),
		Context: map[string]string{
			"last_log": latest.Format(time.RFC3339),
		},
	})
}

func (s *Sweeper) raise(ctx context.Context, alert Alert) error {
	if err := s.sink.Raise(ctx, alert); err != nil {
		return err
	}
	s.metrics.SweepAlerts.WithLabelValues(string(alert.Tier)).Inc()
	s.logger.Info("Alert raised",
		zap.String("patient_id", alert.PatientID),
		zap.String("kind", alert.Kind),
		zap.String("tier", string(alert.Tier)),
	)
	return nil
}

// MemorySink is an in-memory Sink keyed by alert id, so redelivery is
// visible as an overwrite rather than a duplicate.
type MemorySink struct {
	mu     sync.Mutex
	alerts map[string]Alert
	raises int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{alerts: make(map[string]Alert)}
}

func (s *MemorySink) Raise(ctx context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	s.raises++
	return nil
}

// Alerts returns a snapshot of distinct alerts received.
func (s *MemorySink) Alerts() map[string]Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Alert, len(s.alerts))
	for id, a := range s.alerts {
		out[id] = a
	}
	return out
}

// RaiseCount returns total Raise calls including redeliveries.
func (s *MemorySink) RaiseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raises
}
