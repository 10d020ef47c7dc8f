package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pecahub/platelookup/internal/config"
	"github.com/pecahub/platelookup/internal/observability"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(plate string) LookupEvent {
	return LookupEvent{
		LookupID:   "0b8a3c52-7f1e-4d7a-9a57-1f3f0e5f8f11",
		Plate:      plate,
		ClientKey:  "user-42",
		Origin:     "api",
		DurationMS: 87,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.EventsConfig{Enabled: false}, testLogger(), testMetrics())
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}

	// A nil emitter is usable.
	e.Emit(testEvent("ABC1234"))
	if err := e.Close(); err != nil {
		t.Fatalf("close on nil emitter: %v", err)
	}
}

func TestEmitter_BatchFlushing(t *testing.T) {
	var mu sync.Mutex
	var received []LookupEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []LookupEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     5,
		FlushInterval: "100ms",
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for i := range 12 {
		ev := testEvent("ABC1D23")
		if i%3 == 0 {
			ev.Origin = "fallback"
			ev.ErrorCategory = "upstream_timeout"
		}
		e.Emit(ev)
	}

	time.Sleep(500 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 12 {
		t.Fatalf("expected 12 events, got %d", len(received))
	}
	if received[0].ErrorCategory != "upstream_timeout" || received[0].Origin != "fallback" {
		t.Errorf("unexpected first event: %+v", received[0])
	}
	if received[1].ErrorCategory != "" {
		t.Errorf("successful lookup should carry no error category, got %q", received[1].ErrorCategory)
	}
}

func TestEmitter_WireFormat(t *testing.T) {
	raw, err := json.Marshal(testEvent("ABC1234"))
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"lookup_id", "plate", "client_key", "origin", "duration_ms", "timestamp"} {
		if _, ok := fields[k]; !ok {
			t.Errorf("missing field %q in %s", k, raw)
		}
	}
	if _, ok := fields["error_category"]; ok {
		t.Errorf("error_category should be omitted when empty: %s", raw)
	}
}

func TestEmitter_BufferOverflow(t *testing.T) {
	m := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: "http://localhost:0/noop"},
		BatchSize:     1000, // larger than buffer to prevent flushing
		FlushInterval: "1h",
		BufferSize:    5,
	}, testLogger(), m)

	for range 10 {
		e.Emit(testEvent("ABC1234"))
	}

	e.ringMu.Lock()
	length := e.ringLen
	e.ringMu.Unlock()

	if length != 5 {
		t.Errorf("expected ring length 5 (capped), got %d", length)
	}
	if got := m.Snapshot().EventsDropped; got != 5 {
		t.Errorf("expected 5 dropped events, got %d", got)
	}

	// Stop the loop without a final flush to the unreachable receiver.
	close(e.done)
	e.wg.Wait()
}

func TestEmitter_CustomHeaders(t *testing.T) {
	t.Run("configured headers are sent", func(t *testing.T) {
		var mu sync.Mutex
		var captured http.Header
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			captured = r.Header.Clone()
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		e := NewEmitter(config.EventsConfig{
			Enabled: true,
			HTTP: config.EventsHTTPConfig{
				URL: srv.URL,
				Headers: map[string]string{
					"Authorization": "Bearer my-token",
					"X-Tenant":      "pecahub",
					"Content-Type":  "text/plain",
				},
			},
			BatchSize: 1, FlushInterval: "50ms", BufferSize: 10,
		}, testLogger(), testMetrics())

		e.Emit(testEvent("ABC1234"))
		time.Sleep(300 * time.Millisecond)
		_ = e.Close()

		mu.Lock()
		defer mu.Unlock()
		if captured.Get("Authorization") != "Bearer my-token" {
			t.Errorf("expected Authorization: Bearer my-token, got %q", captured.Get("Authorization"))
		}
		if captured.Get("X-Tenant") != "pecahub" {
			t.Errorf("expected X-Tenant: pecahub, got %q", captured.Get("X-Tenant"))
		}
		if captured.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type should always be application/json, got %q", captured.Get("Content-Type"))
		}
	})
}

func TestEmitter_RetriesOnServerError(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		a := attempts
		mu.Unlock()
		if a < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     1,
		FlushInterval: "50ms",
		BufferSize:    10,
		MaxRetries:    5,
		RetryBackoff:  "1ms",
	}, testLogger(), m)

	e.Emit(testEvent("ABC1234"))
	time.Sleep(500 * time.Millisecond)
	_ = e.Close()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if got := testutil.ToFloat64(m.PromEventsSendFailures); got != 0 {
		t.Errorf("a delivered batch is not a failure, got %v", got)
	}
}

func TestEmitter_FailureMetricAfterExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     1,
		FlushInterval: "50ms",
		BufferSize:    10,
		MaxRetries:    2,
		RetryBackoff:  "1ms",
	}, testLogger(), m)

	e.Emit(testEvent("ABC1234"))
	time.Sleep(500 * time.Millisecond)
	_ = e.Close()

	if got := testutil.ToFloat64(m.PromEventsSendFailures); got < 1 {
		t.Errorf("expected PromEventsSendFailures >= 1, got %v", got)
	}
}

func TestEmitter_GracefulShutdownDrain(t *testing.T) {
	var mu sync.Mutex
	var received int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []LookupEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err == nil {
			mu.Lock()
			received += len(payload.Events)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     100,
		FlushInterval: "1h", // only Close() triggers the drain
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for range 7 {
		e.Emit(testEvent("ABC1234"))
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 7 {
		t.Errorf("expected 7 events drained on close, got %d", received)
	}
}
