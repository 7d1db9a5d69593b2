// Package recommend ranks catalog books for a user from the genres of what they
// have read or are reading.
package recommend

import (
	"cmp"
	"slices"
	"strings"

	"bookshelf/pkg/models"
)

const (
	DefaultLimit  = 10
	MinRating     = 3.5
	TopGenreCount = 3

	ReasonPopular = "Popular books"
	ReasonHistory = "Based on your reading history"
)

// HistoryItem is one book on the user's shelf together with its shelf status.
type HistoryItem struct {
	Book   models.Book
	Status models.Status
}

type GenreCount struct {
	Genre string `json:"genre"`
	Count int    `json:"count"`
}

// Profile is the user's taste derived from completed and in-progress books.
type Profile struct {
	TopGenres []GenreCount `json:"topGenres"`
}

func (p Profile) Empty() bool { return len(p.TopGenres) == 0 }

func (p Profile) Genres() []string {
	out := make([]string, len(p.TopGenres))
	for i, g := range p.TopGenres {
		out[i] = g.Genre
	}
	return out
}

type Result struct {
	Books     []models.Book `json:"books"`
	Reason    string        `json:"reason"`
	TopGenres []string      `json:"topGenres,omitempty"`
}

type Ranker struct {
	DefaultLimit  int
	MinRating     float64
	TopGenreCount int
}

func NewRanker() *Ranker {
	return &Ranker{DefaultLimit: DefaultLimit, MinRating: MinRating, TopGenreCount: TopGenreCount}
}

func counts(status models.Status) bool {
	return status == models.StatusCompleted || status == models.StatusCurrentlyReading
}

func normalizeGenre(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}

// Profile counts genres over completed and currently-reading books and keeps the
// most frequent ones. Ties keep the genre that was seen first.
func (r *Ranker) Profile(history []HistoryItem) Profile {
	type tally struct {
		display string
		count   int
		first   int
	}
	seen := make(map[string]*tally)
	order := 0
	for _, h := range history {
		if !counts(h.Status) {
			continue
		}
		for _, g := range h.Book.Genres {
			key := normalizeGenre(g)
			if key == "" {
				continue
			}
			t, ok := seen[key]
			if !ok {
				t = &tally{display: strings.TrimSpace(g), first: order}
				seen[key] = t
				order++
			}
			t.count++
		}
	}

	tallies := make([]*tally, 0, len(seen))
	for _, t := range seen {
		tallies = append(tallies, t)
	}
	slices.SortFunc(tallies, func(a, b *tally) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.first, b.first)
	})

	n := min(r.topGenreCount(), len(tallies))
	p := Profile{TopGenres: make([]GenreCount, 0, n)}
	for _, t := range tallies[:n] {
		p.TopGenres = append(p.TopGenres, GenreCount{Genre: t.display, Count: t.count})
	}
	return p
}

// Rank picks up to limit books from candidates. Users with no completed or
// in-progress books get the most rated books; everyone else gets well rated
// books in their top genres. Books already on the shelf are never suggested.
func (r *Ranker) Rank(history []HistoryItem, candidates []models.Book, limit int) Result {
	if limit <= 0 {
		limit = r.defaultLimit()
	}

	shelved := make(map[string]struct{}, len(history))
	for _, h := range history {
		shelved[h.Book.BookUid] = struct{}{}
	}
	unshelved := make([]models.Book, 0, len(candidates))
	for _, b := range candidates {
		if _, ok := shelved[b.BookUid]; !ok {
			unshelved = append(unshelved, b)
		}
	}

	if !hasReadingHistory(history) {
		return Result{Books: popular(unshelved, limit), Reason: ReasonPopular}
	}

	profile := r.Profile(history)
	wanted := make(map[string]struct{}, len(profile.TopGenres))
	for _, g := range profile.TopGenres {
		wanted[normalizeGenre(g.Genre)] = struct{}{}
	}

	picked := make([]models.Book, 0, len(unshelved))
	for _, b := range unshelved {
		if b.AverageRating >= r.minRating() && anyGenre(b.Genres, wanted) {
			picked = append(picked, b)
		}
	}
	slices.SortStableFunc(picked, func(a, b models.Book) int {
		if c := cmp.Compare(b.AverageRating, a.AverageRating); c != 0 {
			return c
		}
		return cmp.Compare(b.RatingsCount, a.RatingsCount)
	})

	return Result{
		Books:     picked[:min(limit, len(picked))],
		Reason:    ReasonHistory,
		TopGenres: profile.Genres(),
	}
}

func hasReadingHistory(history []HistoryItem) bool {
	for _, h := range history {
		if counts(h.Status) {
			return true
		}
	}
	return false
}

func popular(books []models.Book, limit int) []models.Book {
	out := slices.Clone(books)
	slices.SortStableFunc(out, func(a, b models.Book) int {
		if c := cmp.Compare(b.RatingsCount, a.RatingsCount); c != 0 {
			return c
		}
		return cmp.Compare(b.AverageRating, a.AverageRating)
	})
	return out[:min(limit, len(out))]
}

func anyGenre(genres []string, wanted map[string]struct{}) bool {
	for _, g := range genres {
		if _, ok := wanted[normalizeGenre(g)]; ok {
			return true
		}
	}
	return false
}

func (r *Ranker) defaultLimit() int {
	if r.DefaultLimit > 0 {
		return r.DefaultLimit
	}
	return DefaultLimit
}

func (r *Ranker) minRating() float64 {
	if r.MinRating > 0 {
		return r.MinRating
	}
	return MinRating
}

func (r *Ranker) topGenreCount() int {
	if r.TopGenreCount > 0 {
		return r.TopGenreCount
	}
	return TopGenreCount
}
