// Package shelf owns the reading-status state machine and progress arithmetic
// for a single shelf entry. Every operation is a pure function of the entry,
// the book and the requested change: nothing here touches the database.
package shelf

import (
	"errors"
	"fmt"
	"math"
	"time"

	"bookshelf/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrInvalidStatus   = errors.New("invalid status")
	ErrSessionNotFound = errors.New("reading session not found")
)

// StartBackfill is how far before the finish date a start date is assumed to
// be when a book jumps to completed without ever having been started.
const StartBackfill = 7 * 24 * time.Hour

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// FixedClock always returns the same instant. Used by tests and replays.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

type EffectKind string

const (
	EffectStatusChanged    EffectKind = "status_changed"
	EffectStarted          EffectKind = "started"
	EffectFinished         EffectKind = "finished"
	EffectStartBackfilled  EffectKind = "start_backfilled"
	EffectReset            EffectKind = "reset"
	EffectAutoStarted      EffectKind = "auto_started"
	EffectAutoCompleted    EffectKind = "auto_completed"
	EffectSessionAppended  EffectKind = "session_appended"
	EffectSessionRemoved   EffectKind = "session_removed"
	EffectUnknownPageCount EffectKind = "unknown_page_count"
)

// Effect records one consequence of an engine operation.
type Effect struct {
	Kind EffectKind
	From models.Status
	To   models.Status
	At   time.Time
}

type SessionInput struct {
	Date      time.Time // zero means now
	PagesRead int
	TimeSpent int
	Notes     string
}

type ReviewInput struct {
	Content  *string
	IsPublic *bool
}

type Engine struct {
	clock Clock
}

func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	return &Engine{clock: clock}
}

func (e *Engine) Now() time.Time { return e.clock.Now() }

// NewEntry builds the entry created when a user first shelves a book.
// An empty status defaults to want-to-read.
func (e *Engine) NewEntry(username string, book models.Book, status models.Status) (models.ShelfEntry, []Effect, error) {
	if status == "" {
		status = models.StatusWantToRead
	}
	if !status.Valid() {
		return models.ShelfEntry{}, nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := e.clock.Now()
	entry := models.ShelfEntry{
		EntryUid:  uuid.New().String(),
		Username:  username,
		BookUid:   book.BookUid,
		Status:    models.StatusWantToRead,
		DateAdded: now,
		Sessions:  []models.ReadingSession{},
	}
	if status == models.StatusWantToRead {
		return entry, nil, nil
	}
	return e.SetStatus(entry, book, status)
}

// SetStatus moves the entry to status and applies that status's side effects.
// Any status may follow any other; setting the current status again is a no-op
// apart from filling dates that are still unset.
func (e *Engine) SetStatus(entry models.ShelfEntry, book models.Book, status models.Status) (models.ShelfEntry, []Effect, error) {
	if !status.Valid() {
		return entry, nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	out := entry.Clone()
	effects := e.transition(&out, status, e.clock.Now())
	return out, effects, nil
}

// UpdateProgress overwrites the pages read. Negative counts clamp to zero.
func (e *Engine) UpdateProgress(entry models.ShelfEntry, book models.Book, pagesRead int) (models.ShelfEntry, []Effect, error) {
	out := entry.Clone()
	out.Progress.PagesRead = max(0, pagesRead)
	effects := e.settle(&out, book, e.clock.Now())
	return out, effects, nil
}

// AppendSession logs a reading session and adds its pages to the running total.
// The first session with pages on a want-to-read entry starts the book.
func (e *Engine) AppendSession(entry models.ShelfEntry, book models.Book, in SessionInput) (models.ShelfEntry, []Effect, error) {
	now := e.clock.Now()
	date := in.Date
	if date.IsZero() || date.After(now) {
		date = now
	}

	out := entry.Clone()
	session := models.ReadingSession{
		SessionUid:   uuid.New().String(),
		ShelfEntryID: out.ID,
		Seq:          nextSeq(out.Sessions),
		Date:         date,
		PagesRead:    max(0, in.PagesRead),
		TimeSpent:    max(0, in.TimeSpent),
		Notes:        in.Notes,
	}
	out.Sessions = append(out.Sessions, session)
	out.Progress.PagesRead = max(0, out.Progress.PagesRead) + session.PagesRead

	effects := []Effect{{Kind: EffectSessionAppended, From: out.Status, To: out.Status, At: date}}

	if out.Status == models.StatusWantToRead && session.PagesRead > 0 {
		prev := out.Status
		out.Status = models.StatusCurrentlyReading
		start := date
		out.StartDate = &start
		effects = append(effects, Effect{Kind: EffectAutoStarted, From: prev, To: out.Status, At: date})
	}

	effects = append(effects, e.settle(&out, book, now)...)
	return out, effects, nil
}

// RemoveSession drops a logged session and takes its pages back off the total.
// Status and dates are left alone.
func (e *Engine) RemoveSession(entry models.ShelfEntry, book models.Book, sessionUid string) (models.ShelfEntry, []Effect, error) {
	idx := -1
	for i, s := range entry.Sessions {
		if s.SessionUid == sessionUid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return entry, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionUid)
	}

	out := entry.Clone()
	removed := out.Sessions[idx]
	rest := make([]models.ReadingSession, 0, len(out.Sessions)-1)
	rest = append(rest, out.Sessions[:idx]...)
	rest = append(rest, out.Sessions[idx+1:]...)
	out.Sessions = rest

	out.Progress.PagesRead = max(0, out.Progress.PagesRead-removed.PagesRead)
	if book.PageCount > 0 {
		out.Progress.Percentage = percentage(out.Progress.PagesRead, book.PageCount)
	}
	return out, []Effect{{Kind: EffectSessionRemoved, From: out.Status, To: out.Status, At: e.clock.Now()}}, nil
}

// UpdateReview edits the personal review. Writing non-empty content stamps the
// date it was written.
func (e *Engine) UpdateReview(entry models.ShelfEntry, in ReviewInput) models.ShelfEntry {
	out := entry.Clone()
	if in.Content != nil {
		out.Review.Content = *in.Content
		if *in.Content != "" {
			now := e.clock.Now()
			out.Review.DateWritten = &now
		}
	}
	if in.IsPublic != nil {
		out.Review.IsPublic = *in.IsPublic
	}
	return out
}

// settle recomputes the percentage and completes the book once every page is read.
func (e *Engine) settle(entry *models.ShelfEntry, book models.Book, now time.Time) []Effect {
	if book.PageCount <= 0 {
		return []Effect{{Kind: EffectUnknownPageCount, From: entry.Status, To: entry.Status, At: now}}
	}
	entry.Progress.Percentage = percentage(entry.Progress.PagesRead, book.PageCount)
	if entry.Progress.PagesRead < book.PageCount || entry.Status == models.StatusCompleted {
		return nil
	}
	prev := entry.Status
	effects := e.transition(entry, models.StatusCompleted, now)
	return append(effects, Effect{Kind: EffectAutoCompleted, From: prev, To: models.StatusCompleted, At: now})
}

func (e *Engine) transition(entry *models.ShelfEntry, status models.Status, now time.Time) []Effect {
	var effects []Effect
	prev := entry.Status
	entry.Status = status
	if prev != status {
		effects = append(effects, Effect{Kind: EffectStatusChanged, From: prev, To: status, At: now})
	}

	switch status {
	case models.StatusCurrentlyReading:
		if entry.StartDate == nil {
			start := now
			entry.StartDate = &start
			effects = append(effects, Effect{Kind: EffectStarted, From: prev, To: status, At: now})
		}
	case models.StatusCompleted:
		if entry.FinishDate == nil {
			finish := now
			entry.FinishDate = &finish
			effects = append(effects, Effect{Kind: EffectFinished, From: prev, To: status, At: now})
		}
		if entry.StartDate == nil {
			start := now.Add(-StartBackfill)
			entry.StartDate = &start
			effects = append(effects, Effect{Kind: EffectStartBackfilled, From: prev, To: status, At: start})
		}
	case models.StatusWantToRead:
		entry.StartDate = nil
		entry.FinishDate = nil
		entry.Progress = models.Progress{}
		effects = append(effects, Effect{Kind: EffectReset, From: prev, To: status, At: now})
	}
	return effects
}

func percentage(pagesRead, pageCount int) int {
	pct := int(math.Round(float64(pagesRead) / float64(pageCount) * 100))
	return min(100, max(0, pct))
}

func nextSeq(sessions []models.ReadingSession) int {
	seq := 0
	for _, s := range sessions {
		if s.Seq > seq {
			seq = s.Seq
		}
	}
	return seq + 1
}

// HasEffect reports whether effects contains an effect of kind k.
func HasEffect(effects []Effect, k EffectKind) bool {
	for _, e := range effects {
		if e.Kind == k {
			return true
		}
	}
	return false
}
