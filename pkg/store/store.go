// Package store persists shelf entries, reading goals and catalog books with gorm.
package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyShelved = errors.New("book already on shelf")
	ErrConflict       = errors.New("concurrent update conflict")
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Page is one page of a listing together with the total number of matches.
type Page[T any] struct {
	Page          int   `json:"page"`
	PageSize      int   `json:"pageSize"`
	TotalElements int64 `json:"totalElements"`
	Items         []T   `json:"items"`
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > MaxPageSize {
		size = DefaultPageSize
	}
	return page, size
}

// orderClause maps a public sort key to a column through allowed and falls
// back to fallback. Unknown keys never reach SQL.
func orderClause(sortBy, sortOrder string, allowed map[string]string, fallback string) string {
	col, ok := allowed[sortBy]
	if !ok {
		col = fallback
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	return col + " " + dir
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
