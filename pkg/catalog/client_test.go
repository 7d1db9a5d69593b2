package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu    sync.Mutex
	books map[string]models.Book
}

func newMemoryCache() *memoryCache { return &memoryCache{books: map[string]models.Book{}} }

func (m *memoryCache) Get(_ context.Context, uid string) (models.Book, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[uid]
	return b, ok, nil
}

func (m *memoryCache) Set(_ context.Context, b models.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.BookUid] = b
	return nil
}

func (m *memoryCache) Invalidate(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, uid)
	return nil
}

func (m *memoryCache) Close() error { return nil }

const testBookUid = "f7cdc58f-2caf-4b15-9727-f89dcc629b27"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *memoryCache, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	mc := newMemoryCache()
	cb := circuitbreaker.NewCircuitBreaker("catalog-test", 1, time.Minute)
	return NewClient(srv.URL+"/", time.Second, cb, mc, logger.Nop()), mc, &calls
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetBookCaches(t *testing.T) {
	client, mc, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/books/"+testBookUid, r.URL.Path)
		writeJSON(w, http.StatusOK, models.Book{BookUid: testBookUid, Title: "Dune", PageCount: 412})
	})

	book, err := client.GetBook(context.Background(), testBookUid)
	require.NoError(t, err)
	assert.Equal(t, 412, book.PageCount)

	again, err := client.GetBook(context.Background(), testBookUid)
	require.NoError(t, err)
	assert.Equal(t, "Dune", again.Title)
	assert.Equal(t, 1, *calls)

	_, cached, _ := mc.Get(context.Background(), testBookUid)
	assert.True(t, cached)
}

func TestGetBookNotFoundDoesNotTripBreaker(t *testing.T) {
	client, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Book not found"})
	})

	for i := 0; i < 3; i++ {
		_, err := client.GetBook(context.Background(), testBookUid)
		assert.ErrorIs(t, err, ErrBookNotFound)
	}
	assert.Equal(t, 3, *calls)
	assert.Equal(t, circuitbreaker.StateClosed, client.breaker.GetState())
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	client, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db down"})
	})

	_, err := client.GetBook(context.Background(), testBookUid)
	assert.ErrorContains(t, err, "catalog answered 500")
	_, err = client.GetBook(context.Background(), testBookUid)
	assert.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, client.breaker.GetState())

	_, err = client.GetBook(context.Background(), testBookUid)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, *calls)
}

func TestLookupBooks(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/books/lookup", r.URL.Path)
		var req struct {
			BookUids []string `json:"bookUids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b", "missing"}, req.BookUids)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"items": []models.Book{{BookUid: "a", Title: "A"}, {BookUid: "b", Title: "B"}},
		})
	})

	books, err := client.LookupBooks(context.Background(), []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, books, 2)
	assert.Equal(t, "B", books["b"].Title)

	empty, err := client.LookupBooks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLookupBooksBatches(t *testing.T) {
	var batches []int
	client, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BookUids []string `json:"bookUids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.BookUids) > LookupBatchSize {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "validation error"})
			return
		}
		batches = append(batches, len(req.BookUids))
		items := []models.Book{}
		for _, uid := range req.BookUids {
			items = append(items, models.Book{BookUid: uid, Title: "T-" + uid})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	})

	uids := make([]string, 1201)
	for i := range uids {
		uids[i] = fmt.Sprintf("book-%04d", i)
	}
	books, err := client.LookupBooks(context.Background(), uids)
	require.NoError(t, err)
	assert.Len(t, books, 1201)
	assert.Equal(t, "T-book-1200", books["book-1200"].Title)
	assert.Equal(t, []int{500, 500, 201}, batches)
	assert.Equal(t, 3, *calls)
}

func TestCandidates(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/books/candidates", r.URL.Path)
		var req struct {
			Genres      []string `json:"genres"`
			ExcludeUids []string `json:"excludeUids"`
			Limit       int      `json:"limit"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"Fantasy", "Mystery"}, req.Genres)
		assert.Equal(t, []string{"b"}, req.ExcludeUids)
		assert.Equal(t, 50, req.Limit)
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": []models.Book{{BookUid: "a"}}})
	})

	books, err := client.Candidates(context.Background(), []string{"Fantasy", "Mystery"}, []string{"b"}, 50)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "a", books[0].BookUid)
}
