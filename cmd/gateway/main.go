package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bookshelf/pkg/cache"
	"bookshelf/pkg/catalog"
	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/config"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/metrics"
	"bookshelf/pkg/queue"
	"bookshelf/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

var (
	shelfServiceURL   string
	catalogServiceURL string
	httpClient        *http.Client
	shelfBreaker      *circuitbreaker.CircuitBreaker
	catalogBreaker    *circuitbreaker.CircuitBreaker
	catalogBooks      catalog.Books
	retryQueue        *queue.Queue
	retryDelay        time.Duration
	retryMax          int
	limiter           *ratelimit.Limiter
	log               *logger.Logger
)

func main() {
	cfg, err := config.Load("gateway")
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

	bookCache, err := cache.New(cfg.Redis, log)
	if err != nil {
		log.Warn("book cache unavailable, continuing without it", "error", err)
		bookCache = cache.Noop{}
	}
	defer bookCache.Close()

	setup(cfg, bookCache)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := queue.NewWorker(retryQueue, httpClient, cfg.Gateway.RetryInterval, cfg.Gateway.RetryMaxDelay, log).
		WithBreaker(catalogBreaker)
	go worker.Run(ctx)
	go sweepLimiter(ctx, time.Minute)

	server := &http.Server{
		Addr:              cfg.Service.Addr(),
		Handler:           setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("gateway starting", "addr", server.Addr,
			"shelf", shelfServiceURL, "catalog", catalogServiceURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", "pendingRetries", retryQueue.Size())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}

func setup(cfg *config.Config, bookCache cache.BookCache) {
	if log == nil {
		log = logger.Nop()
	}
	shelfServiceURL = strings.TrimRight(cfg.Upstreams.ShelfURL, "/")
	catalogServiceURL = strings.TrimRight(cfg.Upstreams.CatalogURL, "/")
	httpClient = &http.Client{Timeout: cfg.Upstreams.Timeout}

	shelfBreaker = circuitbreaker.NewCircuitBreakerWithWindow("shelf",
		cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, cfg.Breaker.Window)
	catalogBreaker = circuitbreaker.NewCircuitBreakerWithWindow("catalog",
		cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, cfg.Breaker.Window)
	catalogBooks = catalog.NewClient(catalogServiceURL, cfg.Upstreams.Timeout, catalogBreaker, bookCache, log)

	retryQueue = queue.NewQueue()
	retryDelay = cfg.Gateway.RetryInterval
	retryMax = cfg.Gateway.RetryMax
	limiter = ratelimit.New(cfg.Gateway.RateLimitRPS, cfg.Gateway.RateLimitBurst)
}

func setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(log), metrics.GinMiddleware("gateway"))

	router.GET("/manage/health", healthCheck)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api/v1", limiter.Middleware())

	api.GET("/shelf", listShelfHandler)
	api.POST("/shelf", proxyShelf)
	api.GET("/shelf/:entryUid", getShelfEntryHandler)
	api.PUT("/shelf/:entryUid", proxyShelf)
	api.DELETE("/shelf/:entryUid", proxyShelf)
	api.PUT("/shelf/:entryUid/progress", proxyShelf)
	api.GET("/shelf/:entryUid/sessions", proxyShelf)
	api.POST("/shelf/:entryUid/sessions", proxyShelf)
	api.DELETE("/shelf/:entryUid/sessions/:sessionUid", proxyShelf)
	api.GET("/stats", proxyShelf)
	api.GET("/stats/:username", proxyShelf)
	api.GET("/recommendations", proxyShelf)
	api.GET("/goal", proxyShelf)
	api.PUT("/goal", proxyShelf)

	api.GET("/books", proxyCatalog)
	api.POST("/books", proxyCatalog)
	api.GET("/books/:bookUid", proxyCatalog)
	api.PUT("/books/:bookUid/rating", rateBookHandler)
	api.DELETE("/books/:bookUid/rating", proxyCatalog)
	return router
}

func sweepLimiter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(); n > 0 {
				log.Debug("rate limiter swept idle users", "removed", n)
			}
		}
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "UP",
		"details": "Gateway is active",
		"breakers": gin.H{
			shelfBreaker.Name():   shelfBreaker.GetState().String(),
			catalogBreaker.Name(): catalogBreaker.GetState().String(),
		},
		"pendingRetries": retryQueue.Size(),
	})
}
