package main

import (
	"fmt"
	"os"

	"bookshelf/pkg/cache"
	"bookshelf/pkg/catalog"
	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/config"
	"bookshelf/pkg/database"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/metrics"
	"bookshelf/pkg/recommend"
	"bookshelf/pkg/shelf"
	"bookshelf/pkg/stats"
	"bookshelf/pkg/store"
	"bookshelf/pkg/validation"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	db            *gorm.DB
	shelves       *store.ShelfStore
	goals         *store.GoalStore
	books         catalog.Books
	engine        *shelf.Engine
	aggregator    *stats.Aggregator
	ranker        *recommend.Ranker
	candidatePool int
	log           *logger.Logger
)

func main() {
	cfg, err := config.Load("shelf")
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
	log = root.With("service", cfg.Service.Name)

	conn, err := database.Open(cfg.Database, log, database.ShelfModels...)
	if err != nil {
		log.Fatal("database unavailable", "error", err)
	}

	bookCache, err := cache.New(cfg.Redis, log)
	if err != nil {
		log.Warn("book cache unavailable, continuing without it", "error", err)
		bookCache = cache.Noop{}
	}
	defer bookCache.Close()

	breaker := circuitbreaker.NewCircuitBreakerWithWindow("catalog",
		cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, cfg.Breaker.Window)
	client := catalog.NewClient(cfg.Upstreams.CatalogURL, cfg.Upstreams.Timeout, breaker, bookCache, log)

	setup(conn, client, shelf.SystemClock, cfg)

	router := setupRouter()
	log.Info("shelf service starting", "addr", cfg.Service.Addr())
	if err := router.Run(cfg.Service.Addr()); err != nil {
		log.Fatal("server failed", "error", err)
	}
}

// setup wires the package state the handlers work on.
func setup(conn *gorm.DB, catalogBooks catalog.Books, clock shelf.Clock, cfg *config.Config) {
	db = conn
	shelves = store.NewShelfStore(conn)
	goals = store.NewGoalStore(conn)
	books = catalogBooks
	engine = shelf.NewEngine(clock)
	aggregator = stats.NewAggregator(cfg.Stats.Location(), cfg.Stats.HorizonDays, clock)
	ranker = &recommend.Ranker{
		DefaultLimit:  cfg.Recommend.DefaultLimit,
		MinRating:     cfg.Recommend.MinRating,
		TopGenreCount: cfg.Recommend.TopGenreCount,
	}
	candidatePool = cfg.Recommend.CandidatePool
	if log == nil {
		log = logger.Nop()
	}
	validation.Register()
}

func setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(log), metrics.GinMiddleware("shelf"))

	api := router.Group("/api/v1")
	api.POST("/shelf", createEntry)
	api.GET("/shelf", listEntries)
	api.GET("/shelf/:entryUid", getEntry)
	api.PUT("/shelf/:entryUid", updateEntry)
	api.DELETE("/shelf/:entryUid", deleteEntry)
	api.PUT("/shelf/:entryUid/progress", updateProgress)
	api.POST("/shelf/:entryUid/sessions", addSession)
	api.GET("/shelf/:entryUid/sessions", listSessions)
	api.DELETE("/shelf/:entryUid/sessions/:sessionUid", deleteSession)
	api.GET("/stats", getStats)
	api.GET("/stats/:username", getStats)
	api.GET("/recommendations", getRecommendations)
	api.GET("/goal", getGoal)
	api.PUT("/goal", updateGoal)

	router.GET("/manage/health", healthCheck)
	router.GET("/metrics", metrics.Handler())
	return router
}
