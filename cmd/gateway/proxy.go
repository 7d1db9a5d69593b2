package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/models"
	"bookshelf/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// enrichConcurrency bounds the parallel catalog calls made for one shelf page.
const enrichConcurrency = 8

var forwardedHeaders = []string{"X-User-Name", "Content-Type", "Accept"}

type upstreamResponse struct {
	status      int
	contentType string
	body        []byte
}

// send performs one upstream call through breaker. Transport failures and 5xx
// answers count as breaker failures; the response is still returned for a 5xx.
func send(ctx context.Context, breaker *circuitbreaker.CircuitBreaker, method, url string, header http.Header, body []byte) (upstreamResponse, error) {
	var out upstreamResponse
	err := breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for _, h := range forwardedHeaders {
			if v := header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = upstreamResponse{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: raw}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s service answered %d", breaker.Name(), resp.StatusCode)
		}
		return nil
	}, nil)
	return out, err
}

func upstreamURL(base string, c *gin.Context) string {
	url := base + c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		url += "?" + q
	}
	return url
}

func readBody(c *gin.Context) ([]byte, bool) {
	if c.Request.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	return body, true
}

func writeUpstream(c *gin.Context, resp upstreamResponse) {
	if len(resp.body) == 0 {
		c.Status(resp.status)
		return
	}
	contentType := resp.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.status, contentType, resp.body)
}

func forward(c *gin.Context, base string, breaker *circuitbreaker.CircuitBreaker) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	resp, err := send(c.Request.Context(), breaker, c.Request.Method, upstreamURL(base, c), c.Request.Header, body)
	if err != nil && resp.status == 0 {
		log.Warn("upstream unavailable", "upstream", breaker.Name(), "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": breaker.Name() + " service unavailable"})
		return
	}
	writeUpstream(c, resp)
}

func proxyShelf(c *gin.Context) {
	forward(c, shelfServiceURL, shelfBreaker)
}

func proxyCatalog(c *gin.Context) {
	forward(c, catalogServiceURL, catalogBreaker)
}

type shelfPage struct {
	Page          int                      `json:"page"`
	PageSize      int                      `json:"pageSize"`
	TotalElements int64                    `json:"totalElements"`
	Items         []map[string]interface{} `json:"items"`
}

// fetchShelf performs a GET against the shelf service. Anything but a 200 has
// already been answered when ok is false.
func fetchShelf(c *gin.Context) (upstreamResponse, bool) {
	resp, err := send(c.Request.Context(), shelfBreaker, http.MethodGet, upstreamURL(shelfServiceURL, c), c.Request.Header, nil)
	if err != nil && resp.status == 0 {
		log.Warn("upstream unavailable", "upstream", shelfBreaker.Name(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shelf service unavailable"})
		return resp, false
	}
	if resp.status != http.StatusOK {
		writeUpstream(c, resp)
		return resp, false
	}
	return resp, true
}

// listShelfHandler forwards the shelf listing and attaches the catalog book to
// every entry. A book the catalog cannot provide is attached as null.
func listShelfHandler(c *gin.Context) {
	resp, ok := fetchShelf(c)
	if !ok {
		return
	}
	var page shelfPage
	if err := json.Unmarshal(resp.body, &page); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to decode the shelf response"})
		return
	}
	if page.Items == nil {
		page.Items = []map[string]interface{}{}
	}
	attachBooks(c.Request.Context(), page.Items)
	c.JSON(http.StatusOK, page)
}

func getShelfEntryHandler(c *gin.Context) {
	resp, ok := fetchShelf(c)
	if !ok {
		return
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(resp.body, &entry); err != nil || entry == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to decode the shelf response"})
		return
	}
	attachBooks(c.Request.Context(), []map[string]interface{}{entry})
	c.JSON(http.StatusOK, entry)
}

func attachBooks(ctx context.Context, items []map[string]interface{}) {
	found := fetchBooks(ctx, items)
	for _, item := range items {
		uid, _ := item["bookUid"].(string)
		if book, ok := found[uid]; ok {
			item["book"] = book
		} else {
			item["book"] = nil
		}
	}
}

func fetchBooks(ctx context.Context, items []map[string]interface{}) map[string]models.Book {
	var uids []string
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		uid, _ := item["bookUid"].(string)
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}

	books := make([]*models.Book, len(uids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, uid := range uids {
		g.Go(func() error {
			book, err := catalogBooks.GetBook(gctx, uid)
			if err != nil {
				log.Warn("book enrichment failed", "bookUid", uid, "error", err)
				return nil
			}
			books[i] = &book
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]models.Book, len(uids))
	for i, b := range books {
		if b != nil {
			out[uids[i]] = *b
		}
	}
	return out
}

// rateBookHandler forwards a rating. When the catalog cannot take it right now
// the rating is queued for redelivery and the caller gets 202.
func rateBookHandler(c *gin.Context) {
	username := c.GetHeader("X-User-Name")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Name header is required"})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	url := upstreamURL(catalogServiceURL, c)

	resp, err := send(c.Request.Context(), catalogBreaker, http.MethodPut, url, c.Request.Header, body)
	if err == nil {
		writeUpstream(c, resp)
		return
	}

	req := &queue.RetryRequest{
		ID:     uuid.New().String(),
		Method: http.MethodPut,
		URL:    url,
		Headers: map[string]string{
			"X-User-Name":  username,
			"Content-Type": "application/json",
		},
		Body:       body,
		RetryAt:    time.Now().Add(retryDelay),
		MaxRetries: retryMax,
	}
	retryQueue.Enqueue(req)
	log.Warn("rating queued for retry", "id", req.ID, "bookUid", c.Param("bookUid"),
		"username", username, "breakerOpen", errors.Is(err, circuitbreaker.ErrOpen), "error", err)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
