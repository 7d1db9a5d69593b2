// Package stats reduces a user's shelf entries and reading sessions into
// yearly summaries and reading streaks.
//
// Calendar days are always taken in the aggregator's configured location,
// never the process-local zone, so the same input gives the same answer on
// every host.
package stats

import (
	"math"
	"slices"
	"time"

	"bookshelf/pkg/models"
	"bookshelf/pkg/shelf"
)

const (
	DefaultHorizonDays = 365
	dateKeyLayout      = "2006-01-02"
)

type StatusCount struct {
	Status     models.Status `json:"status"`
	Count      int           `json:"count"`
	TotalPages int           `json:"totalPages"`
}

type Stats struct {
	Year                 int           `json:"year"`
	BooksFinished        int           `json:"booksFinished"`
	BooksReading         int           `json:"booksReading"`
	BooksToRead          int           `json:"booksToRead"`
	BooksDidNotFinish    int           `json:"booksDidNotFinish"`
	TotalPages           int           `json:"totalPages"`
	ReadingStreak        int           `json:"readingStreak"`
	LongestStreak        int           `json:"longestStreak"`
	TotalReadingSessions int           `json:"totalReadingSessions"`
	TotalTimeSpent       int           `json:"totalTimeSpent"`
	TotalPagesInSessions int           `json:"totalPagesInSessions"`
	AverageSessionLength int           `json:"averageSessionLength"`
	StatusBreakdown      []StatusCount `json:"statusBreakdown"`
	SkippedEntries       int           `json:"skippedEntries,omitempty"`
	Goal                 *Goal         `json:"readingGoal,omitempty"`
}

type Goal struct {
	Target     int `json:"target"`
	Completed  int `json:"completed"`
	Percentage int `json:"percentage"`
}

type Aggregator struct {
	location    *time.Location
	horizonDays int
	clock       shelf.Clock
}

// NewAggregator builds an aggregator. A nil location means UTC and a
// non-positive horizon means DefaultHorizonDays.
func NewAggregator(loc *time.Location, horizonDays int, clock shelf.Clock) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	if clock == nil {
		clock = shelf.SystemClock
	}
	return &Aggregator{location: loc, horizonDays: horizonDays, clock: clock}
}

func (a *Aggregator) Location() *time.Location { return a.location }

// YearBounds returns [Jan 1 of year, Jan 1 of year+1) in the aggregator's location.
func (a *Aggregator) YearBounds(year int) (start, end time.Time) {
	start = time.Date(year, time.January, 1, 0, 0, 0, 0, a.location)
	return start, start.AddDate(1, 0, 0)
}

// Summarize computes the yearly summary with the configured streak horizon.
func (a *Aggregator) Summarize(entries []models.ShelfEntry, sessions []models.ReadingSession, year int) Stats {
	return a.ComputeStats(entries, sessions, year, a.horizonDays)
}

// ComputeStats selects entries added during year and sessions dated in year for
// the counts and totals. The streaks use every session given, whatever its year.
func (a *Aggregator) ComputeStats(entries []models.ShelfEntry, sessions []models.ReadingSession, year, horizonDays int) Stats {
	start, end := a.YearBounds(year)
	out := Stats{Year: year}

	buckets := make(map[models.Status]*StatusCount, len(models.Statuses))
	for _, e := range entries {
		added := e.DateAdded.In(a.location)
		if added.Before(start) || !added.Before(end) {
			continue
		}
		if !e.Status.Valid() {
			out.SkippedEntries++
			continue
		}
		b := buckets[e.Status]
		if b == nil {
			b = &StatusCount{Status: e.Status}
			buckets[e.Status] = b
		}
		b.Count++
		b.TotalPages += max(0, e.Progress.PagesRead)
	}

	out.StatusBreakdown = make([]StatusCount, 0, len(buckets))
	for _, status := range models.Statuses {
		b, ok := buckets[status]
		if !ok {
			continue
		}
		out.StatusBreakdown = append(out.StatusBreakdown, *b)
		out.TotalPages += b.TotalPages
		switch status {
		case models.StatusCompleted:
			out.BooksFinished = b.Count
		case models.StatusCurrentlyReading:
			out.BooksReading = b.Count
		case models.StatusWantToRead:
			out.BooksToRead = b.Count
		case models.StatusDidNotFinish:
			out.BooksDidNotFinish = b.Count
		}
	}

	dates := make([]time.Time, 0, len(sessions))
	for _, s := range sessions {
		if s.Date.IsZero() {
			continue
		}
		dates = append(dates, s.Date)
		d := s.Date.In(a.location)
		if d.Before(start) || !d.Before(end) {
			continue
		}
		out.TotalReadingSessions++
		out.TotalTimeSpent += max(0, s.TimeSpent)
		out.TotalPagesInSessions += max(0, s.PagesRead)
	}
	if out.TotalReadingSessions > 0 {
		out.AverageSessionLength = int(math.Round(float64(out.TotalTimeSpent) / float64(out.TotalReadingSessions)))
	}

	out.ReadingStreak = a.Streak(dates, horizonDays)
	out.LongestStreak = a.LongestStreak(dates)
	return out
}

// Streak counts consecutive calendar days with at least one session, walking
// back from today. Today not having a session yet does not end the streak;
// the first missing day after today does. The walk stops after horizonDays days.
func (a *Aggregator) Streak(dates []time.Time, horizonDays int) int {
	if horizonDays <= 0 {
		horizonDays = a.horizonDays
	}
	days := a.daySet(dates)
	if len(days) == 0 {
		return 0
	}

	now := a.clock.Now().In(a.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.location)

	streak := 0
	for i := 0; i < horizonDays; i++ {
		key := today.AddDate(0, 0, -i).Format(dateKeyLayout)
		if _, ok := days[key]; ok {
			streak++
		} else if i > 0 {
			break
		}
	}
	return streak
}

// LongestStreak returns the longest run of consecutive session days on record.
func (a *Aggregator) LongestStreak(dates []time.Time) int {
	days := a.daySet(dates)
	if len(days) == 0 {
		return 0
	}

	keys := make([]string, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	longest, run := 1, 1
	for i := 1; i < len(keys); i++ {
		prev, _ := time.ParseInLocation(dateKeyLayout, keys[i-1], a.location)
		curr, _ := time.ParseInLocation(dateKeyLayout, keys[i], a.location)
		if prev.AddDate(0, 0, 1).Equal(curr) {
			run++
		} else {
			run = 1
		}
		longest = max(longest, run)
	}
	return longest
}

func (a *Aggregator) daySet(dates []time.Time) map[string]struct{} {
	days := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		if d.IsZero() {
			continue
		}
		days[d.In(a.location).Format(dateKeyLayout)] = struct{}{}
	}
	return days
}

// SessionDates flattens the session dates of every entry.
func SessionDates(entries []models.ShelfEntry) []time.Time {
	var dates []time.Time
	for _, e := range entries {
		for _, s := range e.Sessions {
			dates = append(dates, s.Date)
		}
	}
	return dates
}

// GoalProgress reports how far finished books are toward a yearly target.
func GoalProgress(target, finished int) Goal {
	g := Goal{Target: max(0, target), Completed: max(0, finished)}
	if g.Target > 0 {
		pct := int(math.Round(float64(g.Completed) / float64(g.Target) * 100))
		g.Percentage = min(100, pct)
	}
	return g
}
