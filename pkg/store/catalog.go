package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"bookshelf/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BookQuery struct {
	Genre     string
	Author    string
	Page      int
	Size      int
	SortBy    string
	SortOrder string
}

var bookSortColumns = map[string]string{
	"title":         "title",
	"averageRating": "average_rating",
	"ratingsCount":  "ratings_count",
	"pageCount":     "page_count",
	"publishDate":   "publish_date",
}

type CatalogStore struct {
	db *gorm.DB
}

func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// searchKey is the lower-cased form genres and authors are matched on. Go
// folds the case so the match does not depend on the database's collation.
func searchKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func searchKeys(values []string) []string {
	keys := make([]string, 0, len(values))
	for _, v := range values {
		if k := searchKey(v); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// encodedKey is key as it appears inside the JSON-encoded keys column,
// quotes included when whole is set.
func encodedKey(key string, whole bool) string {
	encoded, _ := json.Marshal(key)
	if !whole {
		encoded = encoded[1 : len(encoded)-1]
	}
	return likeEscaper.Replace(string(encoded))
}

// genreCondition matches one element of genre_keys exactly.
const genreCondition = `genre_keys LIKE ? ESCAPE '\'`

func genrePattern(genre string) string {
	return "%" + encodedKey(searchKey(genre), true) + "%"
}

// authorCondition matches a substring of any author.
const authorCondition = `author_keys LIKE ? ESCAPE '\'`

func authorPattern(author string) string {
	return "%" + encodedKey(searchKey(author), false) + "%"
}

func (s *CatalogStore) List(ctx context.Context, q BookQuery) (Page[models.Book], error) {
	page, size := normalizePage(q.Page, q.Size)
	out := Page[models.Book]{Page: page, PageSize: size, Items: []models.Book{}}

	query := s.db.WithContext(ctx).Model(&models.Book{})
	if q.Genre != "" {
		query = query.Where(genreCondition, genrePattern(q.Genre))
	}
	if q.Author != "" {
		query = query.Where(authorCondition, authorPattern(q.Author))
	}
	if err := query.Count(&out.TotalElements).Error; err != nil {
		return out, err
	}

	sortOrder := q.SortOrder
	if q.SortBy == "" && sortOrder == "" {
		sortOrder = "asc"
	}
	err := query.
		Order(orderClause(q.SortBy, sortOrder, bookSortColumns, "title")).
		Order("id ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&out.Items).Error
	return out, err
}

func (s *CatalogStore) Get(ctx context.Context, bookUid string) (models.Book, error) {
	var book models.Book
	err := s.db.WithContext(ctx).Where("book_uid = ?", bookUid).First(&book).Error
	return book, notFound(err)
}

// Create adds book unless the catalog already holds it. A book with an ISBN is
// the same book as any other with that ISBN; without one, the same title and
// first author mean the same book. The stored book is returned either way.
func (s *CatalogStore) Create(ctx context.Context, book models.Book) (models.Book, bool, error) {
	var (
		stored  models.Book
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findDuplicate(tx, book)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = *existing
			return nil
		}

		if book.BookUid == "" {
			book.BookUid = uuid.New().String()
		}
		book.ID = 0
		book.AverageRating = 0
		book.RatingsCount = 0
		if book.Authors == nil {
			book.Authors = []string{}
		}
		if book.Genres == nil {
			book.Genres = []string{}
		}
		book.GenreKeys = searchKeys(book.Genres)
		book.AuthorKeys = searchKeys(book.Authors)
		if err := tx.Create(&book).Error; err != nil {
			return err
		}
		stored, created = book, true
		return nil
	})
	return stored, created, err
}

func findDuplicate(tx *gorm.DB, book models.Book) (*models.Book, error) {
	if isbn := strings.TrimSpace(book.ISBN); isbn != "" {
		var existing models.Book
		err := tx.Where("isbn = ?", isbn).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, nil
	}

	var sameTitle []models.Book
	if err := tx.Where("LOWER(title) = ?", strings.ToLower(strings.TrimSpace(book.Title))).Find(&sameTitle).Error; err != nil {
		return nil, err
	}
	for i := range sameTitle {
		if strings.EqualFold(firstAuthor(sameTitle[i]), firstAuthor(book)) {
			return &sameTitle[i], nil
		}
	}
	return nil, nil
}

func firstAuthor(b models.Book) string {
	if len(b.Authors) == 0 {
		return ""
	}
	return strings.TrimSpace(b.Authors[0])
}

// Lookup returns the books with the given uids. Unknown uids are skipped.
func (s *CatalogStore) Lookup(ctx context.Context, bookUids []string) ([]models.Book, error) {
	books := []models.Book{}
	if len(bookUids) == 0 {
		return books, nil
	}
	err := s.db.WithContext(ctx).Where("book_uid IN ?", bookUids).Find(&books).Error
	return books, err
}

// Candidates returns up to limit books in any of genres, best rated first,
// leaving out the books in exclude. With no genres it returns the most rated
// books.
func (s *CatalogStore) Candidates(ctx context.Context, genres, exclude []string, limit int) ([]models.Book, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	books := []models.Book{}
	query := s.db.WithContext(ctx).Model(&models.Book{})
	if len(exclude) > 0 {
		query = query.Where("book_uid NOT IN ?", exclude)
	}

	var patterns []string
	for _, g := range genres {
		if searchKey(g) != "" {
			patterns = append(patterns, genrePattern(g))
		}
	}
	if len(patterns) == 0 {
		err := query.Order("ratings_count DESC").Order("average_rating DESC").Order("id ASC").Limit(limit).Find(&books).Error
		return books, err
	}

	cond := s.db.Where(genreCondition, patterns[0])
	for _, p := range patterns[1:] {
		cond = cond.Or(genreCondition, p)
	}
	err := query.Where(cond).
		Order("average_rating DESC").Order("ratings_count DESC").Order("id ASC").
		Limit(limit).
		Find(&books).Error
	return books, err
}

// BackfillSearchKeys fills the search keys of books stored before the keys
// existed. It returns how many books it updated.
func (s *CatalogStore) BackfillSearchKeys(ctx context.Context) (int, error) {
	var stale []models.Book
	err := s.db.WithContext(ctx).
		Where("genre_keys IS NULL OR author_keys IS NULL OR genre_keys = ? OR author_keys = ?", "null", "null").
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	for i := range stale {
		b := &stale[i]
		b.GenreKeys = searchKeys(b.Genres)
		b.AuthorKeys = searchKeys(b.Authors)
		if err := s.db.WithContext(ctx).Model(b).Select("genre_keys", "author_keys").Updates(b).Error; err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Rate records or replaces the user's star rating and refreshes the book's
// aggregate.
func (s *CatalogStore) Rate(ctx context.Context, bookUid, username string, stars int) (models.Book, error) {
	var book models.Book
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_uid = ?", bookUid).First(&book).Error; err != nil {
			return notFound(err)
		}
		rating := models.BookRating{BookID: book.ID, Username: username, Stars: stars}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "book_id"}, {Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"stars", "updated_at"}),
		}).Create(&rating).Error; err != nil {
			return err
		}
		return refreshRating(tx, &book)
	})
	return book, err
}

// Unrate removes the user's rating. ErrNotFound means there was none.
func (s *CatalogStore) Unrate(ctx context.Context, bookUid, username string) (models.Book, error) {
	var book models.Book
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_uid = ?", bookUid).First(&book).Error; err != nil {
			return notFound(err)
		}
		res := tx.Where("book_id = ? AND username = ?", book.ID, username).Delete(&models.BookRating{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return refreshRating(tx, &book)
	})
	return book, err
}

func refreshRating(tx *gorm.DB, book *models.Book) error {
	var agg struct {
		Average float64
		Count   int
	}
	if err := tx.Model(&models.BookRating{}).
		Select("COALESCE(AVG(stars), 0) AS average, COUNT(*) AS count").
		Where("book_id = ?", book.ID).
		Scan(&agg).Error; err != nil {
		return err
	}
	book.AverageRating = math.Round(agg.Average*100) / 100
	book.RatingsCount = agg.Count
	return tx.Model(&models.Book{}).Where("id = ?", book.ID).Updates(map[string]interface{}{
		"average_rating": book.AverageRating,
		"ratings_count":  book.RatingsCount,
	}).Error
}

// Count returns the number of books in the catalog.
func (s *CatalogStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Book{}).Count(&n).Error
	return n, err
}
