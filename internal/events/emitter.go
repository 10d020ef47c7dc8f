// Package events implements an async, buffered emitter that posts lookup
// outcomes to an external HTTP receiver (webhook pattern). Events are
// batched and flushed at a fixed interval or when a batch fills up. The
// emitter is optional and fire-and-forget: it never blocks a lookup.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pecahub/platelookup/internal/config"
	"github.com/pecahub/platelookup/internal/observability"
)

// LookupEvent describes one resolved lookup.
type LookupEvent struct {
	LookupID      string `json:"lookup_id"`
	Plate         string `json:"plate"`
	ClientKey     string `json:"client_key"`
	Origin        string `json:"origin"`
	ErrorCategory string `json:"error_category,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Timestamp     string `json:"timestamp"` // RFC 3339
}

// Emitter batches lookup events and flushes them to an HTTP receiver.
// A nil *Emitter is valid and discards everything.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	httpURL    string
	headers    map[string]string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	maxRetries    int
	retryBackoff  time.Duration

	ring     []LookupEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter creates an emitter. Returns nil if events are not enabled.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := config.MustParseDuration(cfg.FlushInterval, 5*time.Second)
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		httpURL:       cfg.HTTP.URL,
		headers:       cfg.HTTP.Headers,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		maxRetries:    max(cfg.MaxRetries, 0),
		retryBackoff:  config.MustParseDuration(cfg.RetryBackoff, 100*time.Millisecond),
		ring:          make([]LookupEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event. It never blocks; when the buffer is full the
// oldest event is dropped.
func (e *Emitter) Emit(ev LookupEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop. Safe to call
// more than once.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []LookupEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]LookupEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

// send posts a batch, retrying with linear backoff. A batch that still
// fails after maxRetries is dropped and counted.
func (e *Emitter) send(batch []LookupEvent) {
	body, err := json.Marshal(struct {
		Events []LookupEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	for attempt := 0; ; attempt++ {
		err = e.post(body)
		if err == nil {
			return
		}
		if attempt >= e.maxRetries {
			break
		}
		time.Sleep(e.retryBackoff * time.Duration(attempt+1))
	}

	e.logger.Warn("dropping events batch", "error", err, "count", len(batch), "attempts", e.maxRetries+1)
	if e.metrics != nil {
		e.metrics.IncEventsSendFailures()
	}
}

func (e *Emitter) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize)
}
