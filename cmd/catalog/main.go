package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"bookshelf/pkg/config"
	"bookshelf/pkg/database"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/metrics"
	"bookshelf/pkg/models"
	"bookshelf/pkg/store"
	"bookshelf/pkg/validation"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	db      *gorm.DB
	catalog *store.CatalogStore
	log     *logger.Logger
)

const maxLookup = 500

func main() {
	cfg, err := config.Load("catalog")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	root, err := logger.New(cfg.Service.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer root.Sync()

	conn, err := database.Open(cfg.Database, root.With("service", cfg.Service.Name), database.CatalogModels...)
	if err != nil {
		root.Fatal("database unavailable", "error", err)
	}
	setup(conn, root.With("service", cfg.Service.Name))
	if n, err := catalog.BackfillSearchKeys(context.Background()); err != nil {
		log.Fatal("search key backfill failed", "error", err)
	} else if n > 0 {
		log.Info("search keys backfilled", "books", n)
	}

	if !cfg.IsProduction() {
		seedTestData(context.Background())
	}

	router := setupRouter()
	log.Info("catalog service starting", "addr", cfg.Service.Addr())
	if err := router.Run(cfg.Service.Addr()); err != nil {
		log.Fatal("server failed", "error", err)
	}
}

func setup(conn *gorm.DB, l *logger.Logger) {
	db = conn
	catalog = store.NewCatalogStore(conn)
	log = l
	if log == nil {
		log = logger.Nop()
	}
	validation.Register()
}

func setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(log), metrics.GinMiddleware("catalog"))

	api := router.Group("/api/v1")
	api.GET("/books", listBooks)
	api.POST("/books", createBook)
	api.POST("/books/lookup", lookupBooks)
	api.POST("/books/candidates", getCandidates)
	api.GET("/books/:bookUid", getBook)
	api.PUT("/books/:bookUid/rating", rateBook)
	api.DELETE("/books/:bookUid/rating", unrateBook)

	router.GET("/manage/health", healthCheck)
	router.GET("/metrics", metrics.Handler())
	return router
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

func respondError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Book not found"})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func listBooks(c *gin.Context) {
	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	size, ok := queryInt(c, "size", store.DefaultPageSize)
	if !ok {
		return
	}
	result, err := catalog.List(c.Request.Context(), store.BookQuery{
		Genre:     c.Query("genre"),
		Author:    c.Query("author"),
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

func getBook(c *gin.Context) {
	book, err := catalog.Get(c.Request.Context(), c.Param("bookUid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

type bookRequest struct {
	Title       string   `json:"title" binding:"required,max=300"`
	Authors     []string `json:"authors" binding:"required,min=1,dive,required,max=200"`
	ISBN        string   `json:"isbn" binding:"omitempty,max=20"`
	PageCount   int      `json:"pageCount" binding:"min=0"`
	Genres      []string `json:"genres" binding:"dive,required,max=100"`
	Description string   `json:"description" binding:"max=5000"`
	PublishDate string   `json:"publishDate" binding:"max=20"`
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// createBook adds a book to the catalog. Posting a book the catalog already
// holds answers 200 with the stored copy.
func createBook(c *gin.Context) {
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}
	book, created, err := catalog.Create(c.Request.Context(), models.Book{
		Title:       strings.TrimSpace(req.Title),
		Authors:     trimAll(req.Authors),
		ISBN:        strings.TrimSpace(req.ISBN),
		PageCount:   req.PageCount,
		Genres:      trimAll(req.Genres),
		Description: req.Description,
		PublishDate: req.PublishDate,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, book)
		return
	}
	log.Info("book added", "bookUid", book.BookUid, "title", book.Title)
	c.JSON(http.StatusCreated, book)
}

func lookupBooks(c *gin.Context) {
	var req struct {
		BookUids []string `json:"bookUids" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}
	books, err := catalog.Lookup(c.Request.Context(), req.BookUids)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": books})
}

// getCandidates answers the recommendation pool: books in any of the genres,
// minus the ones the reader already shelved. The limit applies after the
// exclusion.
func getCandidates(c *gin.Context) {
	var req struct {
		Genres      []string `json:"genres" binding:"max=50,dive,max=100"`
		ExcludeUids []string `json:"excludeUids" binding:"max=10000"`
		Limit       int      `json:"limit" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = store.MaxPageSize
	}
	limit = min(limit, maxLookup)
	books, err := catalog.Candidates(c.Request.Context(), req.Genres, req.ExcludeUids, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": books})
}

func ratingResponse(book models.Book) gin.H {
	return gin.H{
		"bookUid":       book.BookUid,
		"averageRating": book.AverageRating,
		"ratingsCount":  book.RatingsCount,
	}
}

func rateBook(c *gin.Context) {
	username := c.GetHeader("X-User-Name")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Name header is required"})
		return
	}
	var req struct {
		Stars int `json:"stars" binding:"required,min=1,max=5"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Respond(c, err)
		return
	}
	book, err := catalog.Rate(c.Request.Context(), c.Param("bookUid"), username, req.Stars)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ratingResponse(book))
}

func unrateBook(c *gin.Context) {
	username := c.GetHeader("X-User-Name")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Name header is required"})
		return
	}
	book, err := catalog.Unrate(c.Request.Context(), c.Param("bookUid"), username)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ratingResponse(book))
}

type seedBook struct {
	book    models.Book
	ratings map[string]int
}

var seedBooks = []seedBook{
	{
		book: models.Book{
			BookUid:   "f7cdc58f-2caf-4b15-9727-f89dcc629b27",
			Title:     "Dune",
			Authors:   []string{"Frank Herbert"},
			ISBN:      "9780441172719",
			PageCount: 412,
			Genres:    []string{"Science Fiction", "Classic"},
		},
		ratings: map[string]int{"bookworm": 5, "literaturelover": 4},
	},
	{
		book: models.Book{
			BookUid:   "2c6d1a0e-5b8e-4d53-9c1f-3e2f6a0b7d11",
			Title:     "The Hobbit",
			Authors:   []string{"J. R. R. Tolkien"},
			ISBN:      "9780547928227",
			PageCount: 310,
			Genres:    []string{"Fantasy", "Classic"},
		},
		ratings: map[string]int{"bookworm": 5, "literaturelover": 5},
	},
	{
		book: models.Book{
			BookUid:   "9a1b2c3d-4e5f-4a6b-8c7d-0e1f2a3b4c5d",
			Title:     "The Hound of the Baskervilles",
			Authors:   []string{"Arthur Conan Doyle"},
			ISBN:      "9780140437867",
			PageCount: 256,
			Genres:    []string{"Mystery", "Classic"},
		},
		ratings: map[string]int{"bookworm": 4},
	},
	{
		book: models.Book{
			BookUid:   "5e6f7a8b-9c0d-4e1f-a2b3-c4d5e6f7a8b9",
			Title:     "Meditations",
			Authors:   []string{"Marcus Aurelius"},
			PageCount: 254,
			Genres:    []string{"Philosophy", "History"},
		},
		ratings: map[string]int{"literaturelover": 4},
	},
}

// seedTestData fills an empty development catalog with a few rated books.
func seedTestData(ctx context.Context) {
	for _, s := range seedBooks {
		book, created, err := catalog.Create(ctx, s.book)
		if err != nil {
			log.Warn("failed to seed book", "title", s.book.Title, "error", err)
			continue
		}
		if !created {
			continue
		}
		for username, stars := range s.ratings {
			if _, err := catalog.Rate(ctx, book.BookUid, username, stars); err != nil {
				log.Warn("failed to seed rating", "title", book.Title, "error", err)
			}
		}
	}
	count, _ := catalog.Count(ctx)
	log.Info("catalog test data seeded", "books", count)
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
		"details": "Catalog service is active",
	})
}
