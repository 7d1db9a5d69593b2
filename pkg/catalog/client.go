// Package catalog is the shelf service's client for the catalog service.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookshelf/pkg/cache"
	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/metrics"
	"bookshelf/pkg/models"
)

var ErrBookNotFound = errors.New("book not found in catalog")

const (
	// LookupBatchSize is the most uids the catalog takes in one lookup.
	LookupBatchSize = 500
	// MaxExclude is the most uids the catalog takes as a candidate exclusion.
	MaxExclude = 10000
)

// Books is what the shelf service needs from the catalog.
type Books interface {
	GetBook(ctx context.Context, bookUid string) (models.Book, error)
	LookupBooks(ctx context.Context, bookUids []string) (map[string]models.Book, error)
	Candidates(ctx context.Context, genres, exclude []string, limit int) ([]models.Book, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	cache      cache.BookCache
	log        *logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, bookCache cache.BookCache, log *logger.Logger) *Client {
	if bookCache == nil {
		bookCache = cache.Noop{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		cache:      bookCache,
		log:        log.With("component", "catalog-client"),
	}
}

type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("catalog answered %d: %s", e.status, e.body)
}

// do sends one request through the breaker and decodes a 2xx body into out.
// Only 5xx answers and transport failures count against the breaker.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var rejected error
	err := c.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			rejected = ErrBookNotFound
			return nil
		}
		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			uerr := &upstreamError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
			if resp.StatusCode < 500 {
				rejected = uerr
				return nil
			}
			return uerr
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, nil)
	if err != nil {
		return err
	}
	return rejected
}

func (c *Client) GetBook(ctx context.Context, bookUid string) (models.Book, error) {
	book, ok, err := c.cache.Get(ctx, bookUid)
	switch {
	case err != nil:
		metrics.BookCacheRequests.WithLabelValues("error").Inc()
		c.log.Warn("book cache read failed", "bookUid", bookUid, "error", err)
	case ok:
		metrics.BookCacheRequests.WithLabelValues("hit").Inc()
		return book, nil
	default:
		metrics.BookCacheRequests.WithLabelValues("miss").Inc()
	}

	if err := c.do(ctx, http.MethodGet, "/api/v1/books/"+url.PathEscape(bookUid), nil, &book); err != nil {
		return models.Book{}, err
	}
	if err := c.cache.Set(ctx, book); err != nil {
		c.log.Warn("book cache write failed", "bookUid", bookUid, "error", err)
	}
	return book, nil
}

// LookupBooks fetches books keyed by uid, LookupBatchSize uids per call.
// Unknown uids are absent from the result.
func (c *Client) LookupBooks(ctx context.Context, bookUids []string) (map[string]models.Book, error) {
	out := make(map[string]models.Book, len(bookUids))
	for start := 0; start < len(bookUids); start += LookupBatchSize {
		batch := bookUids[start:min(start+LookupBatchSize, len(bookUids))]
		var resp struct {
			Items []models.Book `json:"items"`
		}
		req := struct {
			BookUids []string `json:"bookUids"`
		}{BookUids: batch}
		err := c.do(ctx, http.MethodPost, "/api/v1/books/lookup", req, &resp)
		if err != nil && !errors.Is(err, ErrBookNotFound) {
			return nil, err
		}
		for _, b := range resp.Items {
			out[b.BookUid] = b
		}
	}
	return out, nil
}

// Candidates asks the catalog for books in any of genres, or the most rated
// books when genres is empty. Books in exclude are left out before limit is
// applied; past MaxExclude uids the caller has to filter the rest itself.
func (c *Client) Candidates(ctx context.Context, genres, exclude []string, limit int) ([]models.Book, error) {
	if len(exclude) > MaxExclude {
		exclude = exclude[:MaxExclude]
	}
	req := struct {
		Genres      []string `json:"genres"`
		ExcludeUids []string `json:"excludeUids"`
		Limit       int      `json:"limit"`
	}{Genres: genres, ExcludeUids: exclude, Limit: max(limit, 0)}

	var resp struct {
		Items []models.Book `json:"items"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/books/candidates", req, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = []models.Book{}
	}
	return resp.Items, nil
}
