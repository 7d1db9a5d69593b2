package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookshelf/pkg/catalog"
	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/database"
	"bookshelf/pkg/metrics"
	"bookshelf/pkg/models"
	"bookshelf/pkg/recommend"
	"bookshelf/pkg/shelf"
	"bookshelf/pkg/stats"
	"bookshelf/pkg/store"
	"bookshelf/pkg/validation"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func requireUser(c *gin.Context) (string, bool) {
	username := strings.TrimSpace(c.GetHeader("X-User-Name"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Name header is required"})
		return "", false
	}
	return username, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, shelf.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, shelf.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "reading session not found"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "shelf entry not found"})
	case errors.Is(err, catalog.ErrBookNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "book not found"})
	case errors.Is(err, store.ErrAlreadyShelved):
		c.JSON(http.StatusConflict, gin.H{"error": "book is already on the shelf"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "entry was modified concurrently, try again"})
	case errors.Is(err, circuitbreaker.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog service unavailable"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func recordEffects(effects []shelf.Effect) {
	for _, e := range effects {
		metrics.ShelfEffects.WithLabelValues(string(e.Kind)).Inc()
	}
}

// loadBook fetches the book behind an entry. A catalog failure yields a book
// with an unknown page count so progress still gets recorded.
func loadBook(ctx context.Context, bookUid string) models.Book {
	book, err := books.GetBook(ctx, bookUid)
	if err != nil {
		log.Warn("book unavailable, page count unknown", "bookUid", bookUid, "error", err)
		return models.Book{BookUid: bookUid}
	}
	return book
}

func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
		return 0, false
	}
	return v, true
}

// parseSessionDate accepts RFC 3339 timestamps and plain dates. Plain dates are
// midnight in the stats time zone.
func parseSessionDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, aggregator.Location())
}

func createEntry(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	var req struct {
		BookUid string        `json:"bookUid" binding:"required,uuid"`
		Status  models.Status `json:"status" binding:"omitempty,shelfstatus"`
		Notes   string        `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}

	book, err := books.GetBook(c.Request.Context(), req.BookUid)
	if err != nil && !errors.Is(err, catalog.ErrBookNotFound) {
		log.Warn("catalog lookup failed", "bookUid", req.BookUid, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog service unavailable"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	entry, effects, err := engine.NewEntry(username, book, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Notes != "" {
		entry = engine.UpdateReview(entry, shelf.ReviewInput{Content: &req.Notes})
	}
	if err := shelves.Create(c.Request.Context(), &entry); err != nil {
		respondError(c, err)
		return
	}
	recordEffects(effects)
	log.Info("book shelved", "username", username, "bookUid", book.BookUid, "status", entry.Status)
	c.JSON(http.StatusCreated, entry)
}

func listEntries(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	status := models.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		respondError(c, shelf.ErrInvalidStatus)
		return
	}
	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	size, ok := queryInt(c, "size", store.DefaultPageSize)
	if !ok {
		return
	}

	result, err := shelves.List(c.Request.Context(), username, store.ShelfQuery{
		Status:    status,
		Page:      page,
		Size:      size,
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func getEntry(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	entry, err := shelves.Get(c.Request.Context(), username, c.Param("entryUid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func updateEntry(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	var req struct {
		Status   *models.Status `json:"status" binding:"omitempty,shelfstatus"`
		Notes    *string        `json:"notes"`
		IsPublic *bool          `json:"isPublic"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}

	var effects []shelf.Effect
	entry, err := shelves.Update(c.Request.Context(), username, c.Param("entryUid"),
		func(current models.ShelfEntry) (models.ShelfEntry, error) {
			effects = nil
			next := current
			if req.Status != nil {
				var err error
				next, effects, err = engine.SetStatus(current, models.Book{BookUid: current.BookUid}, *req.Status)
				if err != nil {
					return current, err
				}
			}
			return engine.UpdateReview(next, shelf.ReviewInput{Content: req.Notes, IsPublic: req.IsPublic}), nil
		})
	if err != nil {
		respondError(c, err)
		return
	}
	recordEffects(effects)
	c.JSON(http.StatusOK, entry)
}

func deleteEntry(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	if err := shelves.Delete(c.Request.Context(), username, c.Param("entryUid")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func updateProgress(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	var req struct {
		PagesRead *int    `json:"pagesRead" binding:"required"`
		Notes     *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}

	ctx := c.Request.Context()
	current, err := shelves.Get(ctx, username, c.Param("entryUid"))
	if err != nil {
		respondError(c, err)
		return
	}
	book := loadBook(ctx, current.BookUid)

	var effects []shelf.Effect
	entry, err := shelves.Update(ctx, username, current.EntryUid,
		func(current models.ShelfEntry) (models.ShelfEntry, error) {
			next, eff, err := engine.UpdateProgress(current, book, *req.PagesRead)
			if err != nil {
				return current, err
			}
			effects = eff
			return engine.UpdateReview(next, shelf.ReviewInput{Content: req.Notes}), nil
		})
	if err != nil {
		respondError(c, err)
		return
	}
	recordEffects(effects)
	if shelf.HasEffect(effects, shelf.EffectAutoCompleted) {
		log.Info("book completed", "username", username, "bookUid", entry.BookUid)
	}
	c.JSON(http.StatusOK, entry)
}

func addSession(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	var req struct {
		PagesRead int    `json:"pagesRead" binding:"min=0"`
		TimeSpent int    `json:"timeSpent" binding:"min=0"`
		Notes     string `json:"notes" binding:"max=2000"`
		Date      string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}
	date, err := parseSessionDate(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD or RFC 3339"})
		return
	}

	ctx := c.Request.Context()
	current, err := shelves.Get(ctx, username, c.Param("entryUid"))
	if err != nil {
		respondError(c, err)
		return
	}
	book := loadBook(ctx, current.BookUid)

	in := shelf.SessionInput{Date: date, PagesRead: req.PagesRead, TimeSpent: req.TimeSpent, Notes: req.Notes}
	var effects []shelf.Effect
	entry, err := shelves.Update(ctx, username, current.EntryUid,
		func(current models.ShelfEntry) (models.ShelfEntry, error) {
			next, eff, err := engine.AppendSession(current, book, in)
			effects = eff
			return next, err
		})
	if err != nil {
		respondError(c, err)
		return
	}
	recordEffects(effects)
	c.JSON(http.StatusCreated, entry)
}

func listSessions(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	entry, err := shelves.Get(c.Request.Context(), username, c.Param("entryUid"))
	if err != nil {
		respondError(c, err)
		return
	}
	sessions := entry.Sessions
	if sessions == nil {
		sessions = []models.ReadingSession{}
	}
	c.JSON(http.StatusOK, gin.H{"items": sessions})
}

func deleteSession(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	current, err := shelves.Get(ctx, username, c.Param("entryUid"))
	if err != nil {
		respondError(c, err)
		return
	}
	book := loadBook(ctx, current.BookUid)

	var effects []shelf.Effect
	entry, err := shelves.Update(ctx, username, current.EntryUid,
		func(current models.ShelfEntry) (models.ShelfEntry, error) {
			next, eff, err := engine.RemoveSession(current, book, c.Param("sessionUid"))
			effects = eff
			return next, err
		})
	if err != nil {
		respondError(c, err)
		return
	}
	recordEffects(effects)
	c.JSON(http.StatusOK, entry)
}

func currentYear() int {
	return engine.Now().In(aggregator.Location()).Year()
}

// loadStats reads the user's entries, sessions and goal concurrently and
// summarizes the given year.
func loadStats(ctx context.Context, username string, year int) (stats.Stats, error) {
	var (
		entries  []models.ShelfEntry
		sessions []models.ReadingSession
		goal     models.ReadingGoal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = shelves.AllForUser(gctx, username)
		return err
	})
	g.Go(func() error {
		var err error
		sessions, err = shelves.SessionsForUser(gctx, username)
		return err
	})
	g.Go(func() error {
		var err error
		goal, err = goals.Get(gctx, username)
		return err
	})
	if err := g.Wait(); err != nil {
		return stats.Stats{}, err
	}

	summary := aggregator.Summarize(entries, sessions, year)
	if goal.Target > 0 {
		progress := stats.GoalProgress(goal.Target, summary.BooksFinished)
		summary.Goal = &progress
	}
	return summary, nil
}

func getStats(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		var ok bool
		if username, ok = requireUser(c); !ok {
			return
		}
	}
	year, ok := queryInt(c, "year", currentYear())
	if !ok {
		return
	}
	if year < 1 || year > 9999 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "year out of range"})
		return
	}

	summary, err := loadStats(c.Request.Context(), username, year)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func getRecommendations(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	defaultLimit := ranker.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = recommend.DefaultLimit
	}
	limit, ok := queryInt(c, "limit", defaultLimit)
	if !ok {
		return
	}
	if limit < 1 || limit > store.MaxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be between 1 and %d", store.MaxPageSize)})
		return
	}

	ctx := c.Request.Context()
	entries, err := shelves.AllForUser(ctx, username)
	if err != nil {
		respondError(c, err)
		return
	}
	uids := make([]string, len(entries))
	for i, e := range entries {
		uids[i] = e.BookUid
	}
	shelved, err := books.LookupBooks(ctx, uids)
	if err != nil {
		log.Warn("catalog lookup failed", "username", username, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog service unavailable"})
		return
	}

	history := make([]recommend.HistoryItem, len(entries))
	for i, e := range entries {
		book, found := shelved[e.BookUid]
		if !found {
			book = models.Book{BookUid: e.BookUid}
		}
		history[i] = recommend.HistoryItem{Book: book, Status: e.Status}
	}

	profile := ranker.Profile(history)
	candidates, err := books.Candidates(ctx, profile.Genres(), uids, max(candidatePool, limit))
	if err != nil {
		log.Warn("catalog candidates failed", "username", username, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog service unavailable"})
		return
	}

	result := ranker.Rank(history, candidates, limit)
	metrics.RecommendationsServed.WithLabelValues(result.Reason).Inc()
	c.JSON(http.StatusOK, result)
}

func getGoal(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	summary, err := loadStats(c.Request.Context(), username, currentYear())
	if err != nil {
		respondError(c, err)
		return
	}
	progress := stats.GoalProgress(0, summary.BooksFinished)
	if summary.Goal != nil {
		progress = *summary.Goal
	}
	c.JSON(http.StatusOK, gin.H{"year": summary.Year, "goal": progress})
}

func updateGoal(c *gin.Context) {
	username, ok := requireUser(c)
	if !ok {
		return
	}
	var req struct {
		Target *int `json:"target" binding:"required,min=0,max=10000"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}
	if _, err := goals.Set(c.Request.Context(), username, *req.Target); err != nil {
		respondError(c, err)
		return
	}
	getGoal(c)
}

func healthCheck(ctx *gin.Context) {
	if err := database.Ping(db); err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database ping failed",
			"error":   err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "UP",
		"details": "Shelf service is active",
	})
}
