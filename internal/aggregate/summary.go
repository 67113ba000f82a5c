// Package aggregate derives totals and engagement statistics from a set of
// expenses. All functions are pure: the caller passes "now" and nothing is
// cached between calls.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"
)

const (
	DefaultWeekStart          = time.Sunday
	DefaultStreakLookbackDays = 30
)

// Options holds the calendar conventions used by the windows and the streak.
type Options struct {
	WeekStart          time.Weekday
	StreakLookbackDays int
}

func DefaultOptions() Options {
	return Options{WeekStart: DefaultWeekStart, StreakLookbackDays: DefaultStreakLookbackDays}
}

// Summary holds the windowed totals and the per-category breakdown.
type Summary struct {
	TotalToday      decimal.Decimal
	TotalWeek       decimal.Decimal
	TotalMonth      decimal.Decimal
	TotalAll        decimal.Decimal
	CategorySummary map[core.Category]decimal.Decimal
}

// Summarize sums amounts by Date (never CreatedAt). Calendar boundaries are
// taken in now's location. Week and month run up to and including now,
// while today covers the whole calendar day: an expense dated later today is
// in TotalToday but not yet in TotalWeek or TotalMonth.
func Summarize(expenses []core.Expense, now time.Time, opts Options) Summary {
	s := Summary{
		TotalToday:      decimal.Zero,
		TotalWeek:       decimal.Zero,
		TotalMonth:      decimal.Zero,
		TotalAll:        decimal.Zero,
		CategorySummary: make(map[core.Category]decimal.Decimal),
	}
	loc := now.Location()
	today := dayStart(now)
	week := weekStart(now, opts.WeekStart)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	for _, e := range expenses {
		s.TotalAll = s.TotalAll.Add(e.Amount)
		s.CategorySummary[e.Category] = s.CategorySummary[e.Category].Add(e.Amount)

		d := e.Date.In(loc)
		if sameDay(d, today) {
			s.TotalToday = s.TotalToday.Add(e.Amount)
		}
		if within(d, week, now) {
			s.TotalWeek = s.TotalWeek.Add(e.Amount)
		}
		if within(d, month, now) {
			s.TotalMonth = s.TotalMonth.Add(e.Amount)
		}
	}
	return s
}

// within reports from <= t <= to.
func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func weekStart(now time.Time, first time.Weekday) time.Time {
	back := (int(now.Weekday()) - int(first) + 7) % 7
	return dayStart(now).AddDate(0, 0, -back)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
