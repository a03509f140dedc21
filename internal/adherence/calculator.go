// Package adherence derives adherence rates, miss streaks and discrete
// risk levels from a trailing window of adherence log entries. All
// computations are pure folds so device-side and server-side callers get
// identical answers from identical windows.
package adherence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dosewise/internal/clock"
	"dosewise/internal/domain"
)

// Risk ladder thresholds. Guardian-facing alerts key off these exact
// values; both ends of the system must agree on them.
const (
	HighMissStreak   = 3
	MediumMissStreak = 1
	HighRateFloor    = 0.60
	MediumRateFloor  = 0.80
)

// Windows commonly requested by callers.
const (
	WindowWeek  = 7
	WindowMonth = 30
)

// Calculator evaluates a patient's log window.
type Calculator struct{}

// entryInstant orders entries by the dose they cover: day first, then
// scheduled clock time.
func entryInstant(e *domain.AdherenceLogEntry) (time.Time, bool) {
	day, err := time.Parse(clock.DayFormat, e.Day)
	if err != nil {
		return time.Time{}, false
	}
	at, err := clock.At(day, e.ScheduledTime)
	if err != nil {
		return day, true
	}
	return at, true
}

// Rate computes taken/(taken+missed) over the window. Snoozed and skipped
// entries are excluded from the denominator. A zero denominator yields
// 1.0: no data is not penalized.
func (Calculator) Rate(entries []domain.AdherenceLogEntry) float64 {
	taken, missed := 0, 0
	for i := range entries {
		switch entries[i].Status {
		case domain.StatusTaken:
			taken++
		case domain.StatusMissed:
			missed++
		}
	}
	if taken+missed == 0 {
		return 1.0
	}
	return float64(taken) / float64(taken+missed)
}

// ConsecutiveMisses walks entries ordered by scheduled instant descending,
// counting misses until the first taken entry. Snoozed, skipped and
// unparseable entries neither break nor extend the streak.
func (Calculator) ConsecutiveMisses(entries []domain.AdherenceLogEntry) int {
	ordered := make([]domain.AdherenceLogEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, iok := entryInstant(&ordered[i])
		tj, jok := entryInstant(&ordered[j])
		if !iok || !jok {
			return jok // unparseable entries sink to the end
		}
		return ti.After(tj)
	})

	streak := 0
	for i := range ordered {
		switch ordered[i].Status {
		case domain.StatusMissed:
			streak++
		case domain.StatusTaken:
			return streak
		}
	}
	return streak
}

// Assess runs the full ladder over the window. criticalMissedToday marks
// the escalation case: a missed entry today referencing a medicine flagged
// critical forces the most severe tier regardless of the ladder.
func (c Calculator) Assess(entries []domain.AdherenceLogEntry, criticalMissedToday bool) domain.RiskAssessment {
	rate := c.Rate(entries)
	misses := c.ConsecutiveMisses(entries)

	level := domain.RiskLow
	switch {
	case misses >= HighMissStreak || rate < HighRateFloor:
		level = domain.RiskHigh
	case misses >= MediumMissStreak || rate < MediumRateFloor:
		level = domain.RiskMedium
	}

	escalated := criticalMissedToday || misses >= HighMissStreak
	if escalated {
		level = domain.RiskHigh
	}

	return domain.RiskAssessment{
		Level:             level,
		ConsecutiveMisses: misses,
		AdherenceRate:     rate,
		Escalated:         escalated,
	}
}

// CriticalMissedOn reports whether any missed entry on day references a
// medicine in criticalSet.
func CriticalMissedOn(entries []domain.AdherenceLogEntry, day string, criticalSet map[string]bool) bool {
	for i := range entries {
		e := &entries[i]
		if e.Day == day && e.Status == domain.StatusMissed && criticalSet[e.MedicineID] {
			return true
		}
	}
	return false
}

// WeekdayMisses is one weekday's missed-dose count for pattern reports.
type WeekdayMisses struct {
	Weekday time.Weekday `json:"weekday"`
	Misses  int          `json:"misses"`
}

// WeeklyPattern summarizes where in the week misses cluster.
type WeeklyPattern struct {
	TopWeekdays   []WeekdayMisses          `json:"top_weekdays"` // up to 2, most misses first
	BucketMisses  map[domain.DayBucket]int `json:"bucket_misses"`
	EveningsWorse bool                     `json:"evenings_worse"` // evening misses outnumber morning misses
	TotalMisses   int                      `json:"total_misses"`
	Insights      []string                 `json:"insights"`
}

// Pattern buckets missed entries by weekday and coarse time-of-day and
// derives the human-readable insight strings the weekly report shows.
func (Calculator) Pattern(entries []domain.AdherenceLogEntry) WeeklyPattern {
	p := WeeklyPattern{BucketMisses: make(map[domain.DayBucket]int)}
	byWeekday := make(map[time.Weekday]int)

	for i := range entries {
		e := &entries[i]
		if e.Status != domain.StatusMissed {
			continue
		}
		p.TotalMisses++

		if day, err := time.Parse(clock.DayFormat, e.Day); err == nil {
			byWeekday[day.Weekday()]++
		}
		if bucket, err := clock.BucketOf(e.ScheduledTime); err == nil {
			p.BucketMisses[bucket]++
		}
	}

	for wd, n := range byWeekday {
		p.TopWeekdays = append(p.TopWeekdays, WeekdayMisses{Weekday: wd, Misses: n})
	}
	sort.SliceStable(p.TopWeekdays, func(i, j int) bool {
		if p.TopWeekdays[i].Misses != p.TopWeekdays[j].Misses {
			return p.TopWeekdays[i].Misses > p.TopWeekdays[j].Misses
		}
		return p.TopWeekdays[i].Weekday < p.TopWeekdays[j].Weekday
	})
	if len(p.TopWeekdays) > 2 {
		p.TopWeekdays = p.TopWeekdays[:2]
	}

	p.EveningsWorse = p.BucketMisses[domain.BucketEvening] > p.BucketMisses[domain.BucketMorning]
	p.Insights = p.insights()
	return p
}

func (p WeeklyPattern) insights() []string {
	if p.TotalMisses == 0 {
		return []string{"No missed doses this week. Keep it up!"}
	}

	var out []string
	if len(p.TopWeekdays) > 0 {
		names := make([]string, 0, len(p.TopWeekdays))
		for _, wd := range p.TopWeekdays {
			names = append(names, wd.Weekday.String())
		}
		out = append(out, fmt.Sprintf("Most doses are missed on %s.", strings.Join(names, " and ")))
	}
	if p.EveningsWorse {
		out = append(out, "Evening doses are missed more often than morning doses.")
	} else if p.BucketMisses[domain.BucketMorning] > 0 {
		out = append(out, "Morning doses are the most frequently missed.")
	}
	return out
}
