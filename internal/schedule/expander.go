// Package schedule expands recurring dose schedules into concrete daily
// doses and resolves each dose's status from logged events and wall-clock
// time. Everything here is pure and re-entrant.
package schedule

import (
	"sort"
	"time"

	"dosewise/internal/clock"
	"dosewise/internal/domain"
)

// DoseSeed is one dose due on a given day, before status resolution.
type DoseSeed struct {
	Medicine  *domain.Medicine
	Entry     domain.DoseSchedule
	Day       string
	At        time.Time // concrete scheduled instant on Day
	ClockMins int
}

// Expand produces one seed per valid schedule entry of med on day, in
// ascending clock-time order. Malformed entries are dropped and reported
// through the returned errors; a medicine whose entries are all malformed
// simply yields zero doses. A schedule entry never yields more than one
// dose per day.
func Expand(med *domain.Medicine, day time.Time) ([]DoseSeed, []error) {
	if med == nil || med.Deleted() || len(med.Schedule) == 0 {
		return nil, nil
	}

	var (
		seeds []DoseSeed
		errs  []error
	)
	seen := make(map[int]bool, len(med.Schedule))

	for _, entry := range med.Schedule {
		mins, err := clock.ParseClock(entry.Time)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[mins] {
			// Duplicate clock time on the same medicine; first entry wins.
			continue
		}
		seen[mins] = true

		at, _ := clock.At(day, entry.Time)
		seeds = append(seeds, DoseSeed{
			Medicine:  med,
			Entry:     entry,
			Day:       clock.DayOf(day),
			At:        at,
			ClockMins: mins,
		})
	}

	sort.SliceStable(seeds, func(i, j int) bool {
		return seeds[i].ClockMins < seeds[j].ClockMins
	})
	return seeds, errs
}

// ExpandAll expands every medicine for day and merges the seeds into one
// list ordered by clock time, then by medicine creation order for ties.
func ExpandAll(meds []*domain.Medicine, day time.Time) ([]DoseSeed, []error) {
	var (
		all  []DoseSeed
		errs []error
	)
	for _, med := range meds {
		seeds, es := Expand(med, day)
		all = append(all, seeds...)
		errs = append(errs, es...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ClockMins != all[j].ClockMins {
			return all[i].ClockMins < all[j].ClockMins
		}
		return all[i].Medicine.CreatedAt.Before(all[j].Medicine.CreatedAt)
	})
	return all, errs
}
