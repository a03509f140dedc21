package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dosewise/internal/adherence"
	"dosewise/internal/clock"
	"dosewise/internal/domain"
	apperrors "dosewise/internal/errors"
	"dosewise/internal/schedule"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// ==================== Patients ====================

func (s *Server) handleCreatePatient(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}

	p := &domain.Patient{Name: req.Name}
	if err := s.local.CreatePatient(p); err != nil {
		s.logger.Error("Failed to create patient", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to create patient"})
	}
	return c.Status(201).JSON(p)
}

func (s *Server) handleGetPatient(c *fiber.Ctx) error {
	p, err := s.local.GetPatient(c.Params("id"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to get patient"})
	}
	if p == nil {
		return c.Status(404).JSON(fiber.Map{"error": "patient not found"})
	}
	return c.JSON(p)
}

// ==================== Medicines ====================

type medicineRequest struct {
	Name          string                `json:"name"`
	Dosage        string                `json:"dosage"`
	Schedule      []domain.DoseSchedule `json:"schedule"`
	IsCritical    bool                  `json:"is_critical"`
	RemainingDays int                   `json:"remaining_days"`
}

// normalizeSchedule validates clock times and fills in missing buckets.
// Duplicate (bucket, time) entries collapse to one.
func normalizeSchedule(entries []domain.DoseSchedule) ([]domain.DoseSchedule, error) {
	out := make([]domain.DoseSchedule, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		mins, err := clock.ParseClock(e.Time)
		if err != nil {
			return nil, err
		}
		e.Time = clock.FormatClock(mins)
		if e.Bucket == "" {
			e.Bucket = clock.BucketOfMinute(mins)
		}
		key := string(e.Bucket) + "|" + e.Time
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out, nil
}

func (s *Server) handleListMedicines(c *fiber.Ctx) error {
	meds, err := s.local.ListMedicines(c.Params("id"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to list medicines"})
	}
	return c.JSON(meds)
}

func (s *Server) handleCreateMedicine(c *fiber.Ctx) error {
	patientID := c.Params("id")

	var req medicineRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}

	sched, err := normalizeSchedule(req.Schedule)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	med := &domain.Medicine{
		PatientID:     patientID,
		Name:          req.Name,
		Dosage:        req.Dosage,
		Schedule:      sched,
		IsCritical:    req.IsCritical,
		RemainingDays: req.RemainingDays,
	}
	if err := s.local.CreateMedicine(med); err != nil {
		s.logger.Error("Failed to create medicine", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to create medicine"})
	}

	s.resyncReminders(c, patientID)
	return c.Status(201).JSON(med)
}

func (s *Server) handleUpdateMedicine(c *fiber.Ctx) error {
	med, err := s.local.GetMedicine(c.Params("id"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to get medicine"})
	}
	if med == nil || med.Deleted() {
		return c.Status(404).JSON(fiber.Map{"error": "medicine not found"})
	}

	var req medicineRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}

	if req.Name != "" {
		med.Name = req.Name
	}
	if req.Dosage != "" {
		med.Dosage = req.Dosage
	}
	med.IsCritical = req.IsCritical
	if req.RemainingDays > 0 {
		med.RemainingDays = req.RemainingDays
	}
	if req.Schedule != nil {
		sched, err := normalizeSchedule(req.Schedule)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		med.Schedule = sched
	}

	if err := s.local.UpdateMedicine(med); err != nil {
		s.logger.Error("Failed to update medicine", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to update medicine"})
	}

	s.resyncReminders(c, med.PatientID)
	return c.JSON(med)
}

func (s *Server) handleDeleteMedicine(c *fiber.Ctx) error {
	med, err := s.local.GetMedicine(c.Params("id"))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to get medicine"})
	}
	if med == nil || med.Deleted() {
		return c.Status(404).JSON(fiber.Map{"error": "medicine not found"})
	}

	if err := s.local.DeleteMedicine(med.ID); err != nil {
		s.logger.Error("Failed to delete medicine", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to delete medicine"})
	}

	s.resyncReminders(c, med.PatientID)
	return c.SendStatus(204)
}

// ==================== Today's doses ====================

type todayResponse struct {
	Day     string                 `json:"day"`
	Doses   []domain.DailyDoseView `json:"doses"`
	Current *domain.DailyDoseView  `json:"current,omitempty"`
	Next    *domain.DailyDoseView  `json:"next,omitempty"`
	Stats   schedule.DayStats      `json:"stats"`
}

func (s *Server) handleToday(c *fiber.Ctx) error {
	patientID := c.Params("id")
	now := s.now()

	meds, err := s.local.ListMedicines(patientID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to list medicines"})
	}
	logs, err := s.local.GetLogsForDay(patientID, clock.DayOf(now))
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load logs"})
	}

	seeds, _ := schedule.ExpandAll(meds, clock.StartOfDay(now))
	views := s.resolver.Resolve(seeds, logs, now)

	return c.JSON(todayResponse{
		Day:     clock.DayOf(now),
		Doses:   views,
		Current: schedule.CurrentDose(views),
		Next:    schedule.NextDose(views),
		Stats:   schedule.Stats(views),
	})
}

// ==================== Outcome recording ====================

type recordOutcomeRequest struct {
	MedicineID    string     `json:"medicine_id"`
	ScheduledTime string     `json:"scheduled_time"` // "HH:MM"
	Day           string     `json:"day,omitempty"`  // defaults to today
	Status        string     `json:"status"`
	ActualTime    *time.Time `json:"actual_time,omitempty"`
	Note          string     `json:"note,omitempty"`
	SymptomTags   string     `json:"symptom_tags,omitempty"`
	RecorderRole  string     `json:"recorder_role,omitempty"`
}

func validStatus(s string) bool {
	switch domain.DoseStatus(s) {
	case domain.StatusTaken, domain.StatusMissed, domain.StatusSnoozed, domain.StatusSkipped:
		return true
	}
	return false
}

func (s *Server) handleRecordOutcome(c *fiber.Ctx) error {
	patientID := c.Params("id")
	now := s.now()

	var req recordOutcomeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.MedicineID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "medicine_id is required"})
	}
	if !validStatus(req.Status) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid status"})
	}

	mins, err := clock.ParseClock(req.ScheduledTime)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	if req.Day == "" {
		req.Day = clock.DayOf(now)
	}
	if _, err := time.Parse(clock.DayFormat, req.Day); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid day"})
	}

	entry := &domain.AdherenceLogEntry{
		PatientID:     patientID,
		MedicineID:    req.MedicineID,
		ScheduledTime: clock.FormatClock(mins),
		Day:           req.Day,
		Status:        domain.DoseStatus(req.Status),
		ActualTime:    req.ActualTime,
		Note:          req.Note,
		SymptomTags:   req.SymptomTags,
		RecorderRole:  domain.RecorderRole(req.RecorderRole),
	}
	if err := s.local.UpsertAdherenceLog(entry); err != nil {
		s.logger.Error("Failed to record outcome", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "failed to record outcome"})
	}

	// A settled dose no longer needs its pending reminder.
	if entry.Resolved() && s.reconciler != nil {
		if err := s.reconciler.MarkResolved(c.Context(), patientID, entry.MedicineID, entry.Day, entry.ScheduledTime); err != nil {
			s.logger.Warn("Failed to cancel reminder", zap.Error(err))
		}
	}

	return c.Status(201).JSON(entry)
}

func (s *Server) resyncReminders(c *fiber.Ctx, patientID string) {
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.Resync(c.Context(), patientID, s.now()); err != nil {
		s.logger.Warn("Reminder resync failed",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
	}
}

// ==================== Risk and reports ====================

func (s *Server) handleRisk(c *fiber.Ctx) error {
	patientID := c.Params("id")
	now := s.now()
	days := c.QueryInt("days", s.config.Adherence.WindowDays)
	if days <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "days must be positive"})
	}

	today := clock.DayOf(now)
	from := clock.DayOf(now.AddDate(0, 0, -(days - 1)))

	logs, err := s.local.GetLogWindow(patientID, from, today)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load logs"})
	}
	criticalSet, err := s.local.CriticalMedicineSet(patientID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load medicines"})
	}

	criticalMissed := adherence.CriticalMissedOn(logs, today, criticalSet)
	risk := s.calc.Assess(logs, criticalMissed)

	return c.JSON(fiber.Map{
		"window_days": days,
		"risk":        risk,
	})
}

func (s *Server) handleWeeklyReport(c *fiber.Ctx) error {
	patientID := c.Params("id")
	now := s.now()

	today := clock.DayOf(now)
	from := clock.DayOf(now.AddDate(0, 0, -(adherence.WindowWeek - 1)))

	logs, err := s.local.GetLogWindow(patientID, from, today)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load logs"})
	}

	return c.JSON(fiber.Map{
		"from":           from,
		"to":             today,
		"adherence_rate": s.calc.Rate(logs),
		"pattern":        s.calc.Pattern(logs),
	})
}

// ==================== Sync ====================

func (s *Server) handleSyncStatus(c *fiber.Ctx) error {
	if s.drainer == nil {
		return c.Status(503).JSON(fiber.Map{"error": "sync not configured"})
	}
	status, err := s.drainer.Status()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to read sync status"})
	}
	return c.JSON(status)
}

func (s *Server) handleDrain(c *fiber.Ctx) error {
	if s.drainer == nil {
		return c.Status(503).JSON(fiber.Map{"error": "sync not configured"})
	}
	if err := s.drainer.DrainOnce(c.Context()); err != nil {
		if apperrors.GetCode(err) == apperrors.ErrDrainBusy.Code {
			return c.Status(409).JSON(fiber.Map{"error": "drain already in progress"})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	status, err := s.drainer.Status()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to read sync status"})
	}
	return c.JSON(status)
}
