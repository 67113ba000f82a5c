package aggregate

import (
	"time"

	"tally/internal/core"
)

// Achievement ids.
const (
	AchievementStreak       = "tracking_streak"
	AchievementTotalEntries = "total_entries"
	AchievementActiveDays   = "active_days"
	AchievementLevel        = "level"
)

const (
	entriesPerLevel     = 5
	entriesMilestone    = 5
	activeDaysMilestone = 3
	hotStreakDays       = 3
)

type Achievement struct {
	ID       string
	Value    int
	Achieved bool
}

// Engagement is the gamification view over the expenses.
type Engagement struct {
	Streak       int
	TotalEntries int
	ActiveDays   int
	Level        int
	HotStreak    bool // streak of three days or more
	Achievements []Achievement
}

type dayKey struct {
	y int
	m time.Month
	d int
}

func keyOf(t time.Time) dayKey {
	y, m, d := t.Date()
	return dayKey{y, m, d}
}

func activeDays(expenses []core.Expense, loc *time.Location) map[dayKey]struct{} {
	days := make(map[dayKey]struct{}, len(expenses))
	for _, e := range expenses {
		days[keyOf(e.Date.In(loc))] = struct{}{}
	}
	return days
}

// Streak counts consecutive days with at least one expense, walking back
// from today for at most opts.StreakLookbackDays days. An empty today does
// not end the walk; any later empty day does.
func Streak(expenses []core.Expense, now time.Time, opts Options) int {
	if len(expenses) == 0 {
		return 0
	}
	return streak(activeDays(expenses, now.Location()), now, opts.StreakLookbackDays)
}

func streak(days map[dayKey]struct{}, now time.Time, lookback int) int {
	n := 0
	day := dayStart(now)
	for i := 0; i < lookback; i++ {
		if _, ok := days[keyOf(day)]; ok {
			n++
		} else if i > 0 {
			break
		}
		day = day.AddDate(0, 0, -1)
	}
	return n
}

// Engage computes streak, counts, level and the achievement list.
func Engage(expenses []core.Expense, now time.Time, opts Options) Engagement {
	days := activeDays(expenses, now.Location())
	g := Engagement{
		TotalEntries: len(expenses),
		ActiveDays:   len(days),
		Level:        len(expenses)/entriesPerLevel + 1,
	}
	if len(expenses) > 0 {
		g.Streak = streak(days, now, opts.StreakLookbackDays)
	}
	g.HotStreak = g.Streak >= hotStreakDays
	g.Achievements = []Achievement{
		{ID: AchievementStreak, Value: g.Streak, Achieved: g.Streak > 0},
		{ID: AchievementTotalEntries, Value: g.TotalEntries, Achieved: g.TotalEntries >= entriesMilestone},
		{ID: AchievementActiveDays, Value: g.ActiveDays, Achieved: g.ActiveDays >= activeDaysMilestone},
		{ID: AchievementLevel, Value: g.Level, Achieved: g.TotalEntries > 0},
	}
	return g
}
