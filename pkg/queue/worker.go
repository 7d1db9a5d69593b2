package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bookshelf/pkg/circuitbreaker"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/metrics"
)

// Worker replays queued requests. A request that fails again with a transport
// error or a 5xx goes back on the queue with exponential backoff until it runs
// out of retries.
type Worker struct {
	queue    *Queue
	client   *http.Client
	interval time.Duration
	maxDelay time.Duration
	breaker  *circuitbreaker.CircuitBreaker
	log      *logger.Logger
}

func NewWorker(q *Queue, client *http.Client, interval, maxDelay time.Duration, log *logger.Logger) *Worker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = time.Second
	}
	if maxDelay < interval {
		maxDelay = interval
	}
	return &Worker{queue: q, client: client, interval: interval, maxDelay: maxDelay, log: log.With("component", "retry-worker")}
}

// WithBreaker sends every replay through cb, the breaker that guards live
// traffic to the same upstream.
func (w *Worker) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Worker {
	w.breaker = cb
	return w
}

// Backoff is the wait before retry number attempt (1-based).
func (w *Worker) Backoff(attempt int) time.Duration {
	d := w.interval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.maxDelay {
			return w.maxDelay
		}
	}
	return d
}

// Run drains the queue every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain sends every request that is currently due.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		req := w.queue.Dequeue()
		if req == nil {
			return
		}
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req *RetryRequest) {
	status, err := w.deliver(ctx, req)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		// Nothing was sent, so the attempt is not counted.
		req.RetryAt = w.queue.now().Add(w.Backoff(max(req.RetryCount, 1)))
		w.queue.Enqueue(req)
		metrics.RetryQueueOutcomes.WithLabelValues("deferred").Inc()
		w.log.Debug("retry deferred, breaker open", "id", req.ID, "retryAt", req.RetryAt)
		return
	}
	if err == nil && status < 400 {
		metrics.RetryQueueOutcomes.WithLabelValues("delivered").Inc()
		w.log.Info("retried request delivered", "id", req.ID, "url", req.URL, "attempts", req.RetryCount+1)
		return
	}
	if err == nil {
		metrics.RetryQueueOutcomes.WithLabelValues("rejected").Inc()
		w.log.Warn("retried request rejected", "id", req.ID, "url", req.URL, "status", status)
		return
	}

	req.RetryCount++
	if req.MaxRetries > 0 && req.RetryCount >= req.MaxRetries {
		metrics.RetryQueueOutcomes.WithLabelValues("dropped").Inc()
		w.log.Error("retried request dropped", "id", req.ID, "url", req.URL, "attempts", req.RetryCount, "error", err)
		return
	}
	req.RetryAt = w.queue.now().Add(w.Backoff(req.RetryCount))
	w.queue.Enqueue(req)
	metrics.RetryQueueOutcomes.WithLabelValues("requeued").Inc()
	w.log.Warn("retried request failed", "id", req.ID, "url", req.URL, "retryAt", req.RetryAt, "error", err)
}

func (w *Worker) deliver(ctx context.Context, req *RetryRequest) (int, error) {
	if w.breaker == nil {
		return w.send(ctx, req)
	}
	var status int
	err := w.breaker.Execute(func() error {
		var err error
		status, err = w.send(ctx, req)
		return err
	}, nil)
	return status, err
}

// send reports transport failures and 5xx answers as errors.
func (w *Worker) send(ctx context.Context, req *RetryRequest) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("upstream answered %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
