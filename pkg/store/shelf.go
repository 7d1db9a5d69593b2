package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookshelf/pkg/metrics"
	"bookshelf/pkg/models"

	"gorm.io/gorm"
)

// UpdateAttempts bounds how often Update reloads and reapplies a change after
// losing a version race.
const UpdateAttempts = 3

type ShelfQuery struct {
	Status    models.Status
	Page      int
	Size      int
	SortBy    string
	SortOrder string
}

var shelfSortColumns = map[string]string{
	"dateAdded":  "date_added",
	"updatedAt":  "updated_at",
	"startDate":  "start_date",
	"finishDate": "finish_date",
	"status":     "status",
	"progress":   "progress_percentage",
}

type ShelfStore struct {
	db *gorm.DB
}

func NewShelfStore(db *gorm.DB) *ShelfStore {
	return &ShelfStore{db: db}
}

func withSessions(db *gorm.DB) *gorm.DB {
	return db.Preload("Sessions", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	})
}

// Create inserts a new entry together with any sessions it already carries.
func (s *ShelfStore) Create(ctx context.Context, entry *models.ShelfEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ShelfEntry{}).
			Where("username = ? AND book_uid = ?", entry.Username, entry.BookUid).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyShelved
		}
		if err := tx.Create(entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyShelved
			}
			return err
		}
		return nil
	})
}

func (s *ShelfStore) Get(ctx context.Context, username, entryUid string) (models.ShelfEntry, error) {
	var entry models.ShelfEntry
	err := withSessions(s.db.WithContext(ctx)).
		Where("entry_uid = ? AND username = ?", entryUid, username).
		First(&entry).Error
	return entry, notFound(err)
}

// List returns one page of the user's shelf without sessions.
func (s *ShelfStore) List(ctx context.Context, username string, q ShelfQuery) (Page[models.ShelfEntry], error) {
	page, size := normalizePage(q.Page, q.Size)
	out := Page[models.ShelfEntry]{Page: page, PageSize: size, Items: []models.ShelfEntry{}}

	query := s.db.WithContext(ctx).Model(&models.ShelfEntry{}).Where("username = ?", username)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if err := query.Count(&out.TotalElements).Error; err != nil {
		return out, err
	}

	err := query.
		Order(orderClause(q.SortBy, q.SortOrder, shelfSortColumns, "date_added")).
		Order("id ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&out.Items).Error
	return out, err
}

// AllForUser returns every entry of the user without sessions.
func (s *ShelfStore) AllForUser(ctx context.Context, username string) ([]models.ShelfEntry, error) {
	var entries []models.ShelfEntry
	err := s.db.WithContext(ctx).Where("username = ?", username).Order("id ASC").Find(&entries).Error
	return entries, err
}

// SessionsForUser returns every reading session the user has logged, oldest first.
func (s *ShelfStore) SessionsForUser(ctx context.Context, username string) ([]models.ReadingSession, error) {
	var sessions []models.ReadingSession
	err := s.db.WithContext(ctx).
		Joins("JOIN shelf_entries ON shelf_entries.id = reading_sessions.shelf_entry_id").
		Where("shelf_entries.username = ?", username).
		Order("reading_sessions.date ASC").
		Find(&sessions).Error
	return sessions, err
}

// Update loads the entry, applies fn and writes the result if nobody else has
// written the entry in the meantime. A lost race reloads and reapplies fn, up
// to UpdateAttempts times in total. fn may also return ErrConflict to ask for a
// retry. Session rows are inserted and deleted to match fn's result.
func (s *ShelfStore) Update(ctx context.Context, username, entryUid string, fn func(models.ShelfEntry) (models.ShelfEntry, error)) (models.ShelfEntry, error) {
	var (
		result models.ShelfEntry
		err    error
	)
	for attempt := 0; attempt < UpdateAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current models.ShelfEntry
			if err := withSessions(tx).
				Where("entry_uid = ? AND username = ?", entryUid, username).
				First(&current).Error; err != nil {
				return notFound(err)
			}

			next, err := fn(current.Clone())
			if err != nil {
				return err
			}
			if err := save(tx, current, &next); err != nil {
				return err
			}
			result = next
			return nil
		})
		if !errors.Is(err, ErrConflict) {
			break
		}
		metrics.ShelfUpdateConflicts.Inc()
	}
	return result, err
}

// save writes next over prev, guarded by prev's version.
func save(tx *gorm.DB, prev models.ShelfEntry, next *models.ShelfEntry) error {
	now := time.Now()
	res := tx.Model(&models.ShelfEntry{}).
		Where("id = ? AND version = ?", prev.ID, prev.Version).
		Updates(map[string]interface{}{
			"status":              next.Status,
			"progress_pages_read": next.Progress.PagesRead,
			"progress_percentage": next.Progress.Percentage,
			"start_date":          next.StartDate,
			"finish_date":         next.FinishDate,
			"review_content":      next.Review.Content,
			"review_is_public":    next.Review.IsPublic,
			"review_date_written": next.Review.DateWritten,
			"version":             prev.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: entry %s", ErrConflict, prev.EntryUid)
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now

	kept := make(map[string]struct{}, len(next.Sessions))
	for i := range next.Sessions {
		kept[next.Sessions[i].SessionUid] = struct{}{}
	}
	existing := make(map[string]struct{}, len(prev.Sessions))
	for _, old := range prev.Sessions {
		existing[old.SessionUid] = struct{}{}
		if _, ok := kept[old.SessionUid]; ok {
			continue
		}
		if err := tx.Delete(&models.ReadingSession{}, old.ID).Error; err != nil {
			return err
		}
	}
	for i := range next.Sessions {
		session := &next.Sessions[i]
		if _, ok := existing[session.SessionUid]; ok {
			continue
		}
		session.ShelfEntryID = prev.ID
		if err := tx.Create(session).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *ShelfStore) Delete(ctx context.Context, username, entryUid string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.ShelfEntry
		if err := tx.Where("entry_uid = ? AND username = ?", entryUid, username).First(&entry).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Where("shelf_entry_id = ?", entry.ID).Delete(&models.ReadingSession{}).Error; err != nil {
			return err
		}
		return tx.Delete(&entry).Error
	})
}
