package models

import (
	"time"
)

type Status string

const (
	StatusWantToRead       Status = "want-to-read"
	StatusCurrentlyReading Status = "currently-reading"
	StatusCompleted        Status = "completed"
	StatusDidNotFinish     Status = "did-not-finish"
)

// Statuses lists every shelf status in display order.
var Statuses = []Status{
	StatusWantToRead,
	StatusCurrentlyReading,
	StatusCompleted,
	StatusDidNotFinish,
}

func (s Status) Valid() bool {
	switch s {
	case StatusWantToRead, StatusCurrentlyReading, StatusCompleted, StatusDidNotFinish:
		return true
	default:
		return false
	}
}

type Book struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	BookUid       string    `gorm:"type:uuid;uniqueIndex;not null" json:"bookUid"`
	Title         string    `gorm:"not null" json:"title"`
	Authors       []string  `gorm:"type:text;serializer:json" json:"authors"`
	ISBN          string    `gorm:"size:20;index" json:"isbn,omitempty"`
	PageCount     int       `gorm:"not null;default:0" json:"pageCount"`
	Genres        []string  `gorm:"type:text;serializer:json" json:"genres"`
	GenreKeys     []string  `gorm:"type:text;serializer:json" json:"-"`
	AuthorKeys    []string  `gorm:"type:text;serializer:json" json:"-"`
	AverageRating float64   `gorm:"not null;default:0" json:"averageRating"`
	RatingsCount  int       `gorm:"not null;default:0" json:"ratingsCount"`
	Description   string    `json:"description,omitempty"`
	PublishDate   string    `gorm:"size:20" json:"publishDate,omitempty"`
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"-"`
}

// BookRating is one user's star rating of a catalog book.
type BookRating struct {
	ID        uint   `gorm:"primaryKey"`
	BookID    uint   `gorm:"not null;uniqueIndex:idx_rating_book_user"`
	Username  string `gorm:"size:80;not null;uniqueIndex:idx_rating_book_user"`
	Stars     int    `gorm:"not null;check:stars >= 1 AND stars <= 5"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Progress struct {
	PagesRead  int `gorm:"not null;default:0" json:"pagesRead"`
	Percentage int `gorm:"not null;default:0" json:"percentage"`
}

type Review struct {
	Content     string     `json:"content"`
	IsPublic    bool       `gorm:"not null;default:false" json:"isPublic"`
	DateWritten *time.Time `json:"dateWritten"`
}

type ShelfEntry struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	EntryUid   string     `gorm:"type:uuid;uniqueIndex;not null" json:"entryUid"`
	Username   string     `gorm:"size:80;not null;uniqueIndex:idx_shelf_user_book" json:"username"`
	BookUid    string     `gorm:"type:uuid;not null;uniqueIndex:idx_shelf_user_book" json:"bookUid"`
	Status     Status     `gorm:"size:20;not null;index" json:"status"`
	Progress   Progress   `gorm:"embedded;embeddedPrefix:progress_" json:"progress"`
	DateAdded  time.Time  `gorm:"not null;index" json:"dateAdded"`
	StartDate  *time.Time `json:"startDate"`
	FinishDate *time.Time `json:"finishDate"`
	Review     Review     `gorm:"embedded;embeddedPrefix:review_" json:"personalReview"`
	Version    int        `gorm:"not null;default:0" json:"-"`

	Sessions []ReadingSession `gorm:"foreignKey:ShelfEntryID;constraint:OnDelete:CASCADE" json:"readingSessions"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ReadingSession struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	SessionUid   string    `gorm:"type:uuid;uniqueIndex;not null" json:"sessionUid"`
	ShelfEntryID uint      `gorm:"not null;index" json:"-"`
	Seq          int       `gorm:"not null" json:"-"`
	Date         time.Time `gorm:"not null;index" json:"date"`
	PagesRead    int       `gorm:"not null;default:0" json:"pagesRead"`
	TimeSpent    int       `gorm:"not null;default:0" json:"timeSpent"` // minutes
	Notes        string    `json:"notes"`
	CreatedAt    time.Time `json:"-"`
}

type ReadingGoal struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:80;not null;uniqueIndex"`
	Target    int    `gorm:"not null;check:target >= 0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy of the entry that shares no mutable state with e.
func (e ShelfEntry) Clone() ShelfEntry {
	out := e
	out.StartDate = cloneTime(e.StartDate)
	out.FinishDate = cloneTime(e.FinishDate)
	out.Review.DateWritten = cloneTime(e.Review.DateWritten)
	if e.Sessions != nil {
		out.Sessions = make([]ReadingSession, len(e.Sessions))
		copy(out.Sessions, e.Sessions)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
