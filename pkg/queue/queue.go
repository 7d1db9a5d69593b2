package queue

import (
	"sync"
	"time"

	"bookshelf/pkg/metrics"
)

// RetryRequest is an HTTP request the gateway could not deliver and will try
// again at RetryAt.
type RetryRequest struct {
	ID         string
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
}

type Queue struct {
	items []*RetryRequest
	now   func() time.Time
	mu    sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{
		items: make([]*RetryRequest, 0),
		now:   time.Now,
	}
}

// WithClock replaces the time source. Tests use it.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Enqueue(req *RetryRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	metrics.RetryQueueDepth.Set(float64(len(q.items)))
}

// Dequeue removes and returns the first request that is due, or nil.
func (q *Queue) Dequeue() *RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, req := range q.items {
		if !req.RetryAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.RetryQueueDepth.Set(float64(len(q.items)))
			return req
		}
	}
	return nil
}

// Peek returns the first due request without removing it.
func (q *Queue) Peek() *RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, req := range q.items {
		if !req.RetryAt.After(now) {
			return req
		}
	}
	return nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) GetAll() []*RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*RetryRequest, len(q.items))
	copy(result, q.items)
	return result
}
