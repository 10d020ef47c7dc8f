package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pecahub/platelookup/internal/vehicle"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// clientKeyHeader names the quota bucket of an operator lookup. The
// "client" query parameter is used when the header is absent.
const clientKeyHeader = "X-Client-Key"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// withRequestID propagates a valid client-supplied X-Request-Id or
// generates one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
			r.Header.Set(requestIDHeader, reqID)
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r)
	})
}

// validRequestID rejects IDs that are too long or carry characters outside
// [A-Za-z0-9-_.:].
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

type jsonErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeJSONError(w http.ResponseWriter, code int, errType, message string) {
	body, _ := json.Marshal(jsonErrorResponse{
		Error:     errType,
		Message:   message,
		RequestID: w.Header().Get(requestIDHeader),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// handleLookup resolves a plate. The body is always a complete record;
// client errors change the status code, upstream trouble does not.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	clientKey := r.Header.Get(clientKeyHeader)
	if clientKey == "" {
		clientKey = r.URL.Query().Get("client")
	}

	rec, err := s.svc.Lookup(r.Context(), r.PathValue("plate"), clientKey)

	code := http.StatusOK
	switch {
	case errors.Is(err, vehicle.ErrInvalidFormat):
		code = http.StatusBadRequest
	case errors.Is(err, vehicle.ErrQuotaExceeded):
		code = http.StatusTooManyRequests
		if rec.Error != nil {
			w.Header().Set("Retry-After", strconv.Itoa(max(rec.Error.RetryAfterSeconds, 1)))
		}
	}
	w.Header().Set("X-Data-Origin", string(rec.Origin))
	writeJSON(w, code, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.BreakerStatus())
}

func (s *Server) handleBreakerOpen(w http.ResponseWriter, _ *http.Request) {
	s.svc.ForceBreakerOpen()
	writeJSON(w, http.StatusOK, s.svc.BreakerStatus())
}

func (s *Server) handleBreakerClose(w http.ResponseWriter, _ *http.Request) {
	s.svc.ForceBreakerClose()
	writeJSON(w, http.StatusOK, s.svc.BreakerStatus())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetBreakerMetrics()
	writeJSON(w, http.StatusOK, s.svc.BreakerStatus())
}

type removedResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearCache(r.PathValue("plate"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(vehicle.KindInvalidFormat), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

func (s *Server) handleClearQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, removedResponse{Removed: s.svc.ClearQuota(r.PathValue("client"))})
}
