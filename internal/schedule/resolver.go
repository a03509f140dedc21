package schedule

import (
	"time"

	"dosewise/internal/clock"
	"dosewise/internal/domain"
)

// Resolver classifies expanded doses against logged events. The zero
// tolerance value falls back to clock.DefaultTolerance.
type Resolver struct {
	Tolerance time.Duration
}

func (r Resolver) tolerance() time.Duration {
	if r.Tolerance <= 0 {
		return clock.DefaultTolerance
	}
	return r.Tolerance
}

// logKey matches log entries to seeds at minute granularity.
type logKey struct {
	medicineID string
	clockTime  string
	day        string
}

func indexLogs(logs []domain.AdherenceLogEntry) map[logKey]*domain.AdherenceLogEntry {
	idx := make(map[logKey]*domain.AdherenceLogEntry, len(logs))
	for i := range logs {
		e := &logs[i]
		mins, err := clock.ParseClock(e.ScheduledTime)
		if err != nil {
			continue
		}
		key := logKey{e.MedicineID, clock.FormatClock(mins), e.Day}
		// Later write supersedes: the entry updated most recently wins.
		if prev, ok := idx[key]; ok && prev.UpdatedAt.After(e.UpdatedAt) {
			continue
		}
		idx[key] = e
	}
	return idx
}

// Resolve matches each seed against the day's logs and classifies it.
// A taken or missed log settles the dose; otherwise it is pending and the
// due state follows from now: current inside the tolerance window, overdue
// past it, upcoming before it. Exactly one of taken/missed/pending holds
// for every dose.
func (r Resolver) Resolve(seeds []DoseSeed, logs []domain.AdherenceLogEntry, now time.Time) []domain.DailyDoseView {
	idx := indexLogs(logs)
	tol := r.tolerance()

	views := make([]domain.DailyDoseView, 0, len(seeds))
	for _, seed := range seeds {
		view := domain.DailyDoseView{
			Medicine: seed.Medicine,
			Schedule: seed.Entry,
			Day:      seed.Day,
		}

		key := logKey{seed.Medicine.ID, clock.FormatClock(seed.ClockMins), seed.Day}
		if entry, ok := idx[key]; ok && entry.Resolved() {
			view.Status = entry.Status
			view.Log = entry
			views = append(views, view)
			continue
		} else if ok {
			// Snoozed/skipped entries do not settle the dose.
			view.Log = entry
		}

		view.Status = domain.StatusPending
		switch {
		case clock.IsWithinTolerance(now, seed.At, tol):
			view.DueState = domain.DueCurrent
		case clock.IsOverdue(now, seed.At, tol):
			view.DueState = domain.DueOverdue
		default:
			view.DueState = domain.DueUpcoming
		}
		views = append(views, view)
	}
	return views
}

// CurrentDose returns the first pending dose inside the tolerance window,
// or nil. Seeds are already ordered, so ties among simultaneously due
// doses break by clock time then medicine creation order.
func CurrentDose(views []domain.DailyDoseView) *domain.DailyDoseView {
	for i := range views {
		if views[i].Status == domain.StatusPending && views[i].DueState == domain.DueCurrent {
			return &views[i]
		}
	}
	return nil
}

// NextDose returns the first pending dose still in the future, or nil.
func NextDose(views []domain.DailyDoseView) *domain.DailyDoseView {
	for i := range views {
		if views[i].Status == domain.StatusPending && views[i].DueState == domain.DueUpcoming {
			return &views[i]
		}
	}
	return nil
}

// DayStats aggregates a resolved day the same way everywhere it is shown:
// overdue pending doses count as missed so the device view and the server
// sweep cannot disagree.
type DayStats struct {
	Taken     int `json:"taken"`
	Missed    int `json:"missed"`
	Pending   int `json:"pending"`
	Remaining int `json:"remaining"` // pending doses not yet overdue
}

// Stats folds the day's views into counters.
func Stats(views []domain.DailyDoseView) DayStats {
	var st DayStats
	for _, v := range views {
		switch v.Status {
		case domain.StatusTaken:
			st.Taken++
		case domain.StatusMissed:
			st.Missed++
		case domain.StatusPending:
			st.Pending++
			if v.DueState == domain.DueOverdue {
				st.Missed++
			} else {
				st.Remaining++
			}
		}
	}
	return st
}
