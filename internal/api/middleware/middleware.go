// Package middleware holds the HTTP middleware chain of the sharescan API:
// panic recovery, request logging, Prometheus request metrics, API key
// authentication and request body checks.
package middleware

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/sharescan/internal/logging"
)

// ContextKey types values stored in the request context.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	StartTimeKey ContextKey = "start_time"
)

const (
	headerRequestID = "X-Request-ID"
	headerAPIKey    = "X-API-Key"
	bearerPrefix    = "Bearer "
)

// Health, liveness and version stay reachable without a key.
var publicPaths = map[string]bool{
	"/api/v1/health":   true,
	"/api/v1/liveness": true,
	"/api/v1/version":  true,
}

// HTTPRecorder receives per-request metrics.
type HTTPRecorder interface {
	IncrementHTTPRequests(method, route, status string)
	RecordHTTPDuration(method, route string, duration time.Duration)
}

type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Logging assigns a request ID (or keeps the caller's X-Request-ID) and
// logs each request when it finishes.
func Logging(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(headerRequestID)
			if id == "" {
				id = "req_" + uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), RequestIDKey, id)
			r = r.WithContext(context.WithValue(ctx, StartTimeKey, start))
			w.Header().Set(headerRequestID, id)

			log := logger.WithFields(requestAttrs(r)...)
			log.Debug("HTTP request started", "user_agent", r.UserAgent())

			rw := wrap(w)
			next.ServeHTTP(rw, r)

			log.Info("HTTP request completed",
				"status_code", rw.statusCode,
				"response_size", rw.size,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// Metrics records request counts and durations labelled with the mux route
// template. It must be installed with Router.Use so the route is known.
func Metrics(recorder HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if recorder == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			recorder.IncrementHTTPRequests(r.Method, route, strconv.Itoa(rw.statusCode))
			recorder.RecordHTTPDuration(r.Method, route, time.Since(start))
		})
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				logger.Error("HTTP request panic recovered",
					append(requestAttrs(r), "panic", p, "stack", string(debug.Stack()))...)
				writeError(w, r, http.StatusInternalServerError, "Internal server error", "")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// KeyVerifier checks API keys against bcrypt hashes. A key that verified
// once is remembered by its SHA-256 digest.
type KeyVerifier struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]bool
}

// NewKeyVerifier creates a verifier for the given bcrypt hashes.
func NewKeyVerifier(hashes []string) *KeyVerifier {
	v := &KeyVerifier{
		hashes:   make([][]byte, 0, len(hashes)),
		verified: make(map[[sha256.Size]byte]bool),
	}
	for _, h := range hashes {
		v.hashes = append(v.hashes, []byte(h))
	}
	return v
}

// Verify reports whether key matches any configured hash.
func (v *KeyVerifier) Verify(key string) bool {
	digest := sha256.Sum256([]byte(key))

	v.mu.RLock()
	known := v.verified[digest]
	v.mu.RUnlock()
	if known {
		return true
	}

	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) != nil {
			continue
		}
		v.mu.Lock()
		v.verified[digest] = true
		v.mu.Unlock()
		return true
	}
	return false
}

// HashAPIKey returns the bcrypt hash to store in api.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// Authentication requires a valid key in X-API-Key or an
// "Authorization: Bearer" header on every non-public path.
func Authentication(verifier *KeyVerifier, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			switch key := apiKey(r); {
			case key == "":
				logger.Warn("API request without authentication", requestAttrs(r)...)
				writeError(w, r, http.StatusUnauthorized, "Authentication required",
					"Provide API key in X-API-Key header or Authorization: Bearer <key>")
			case !verifier.Verify(key):
				logger.Warn("API request with invalid key", requestAttrs(r)...)
				writeError(w, r, http.StatusUnauthorized, "Authentication failed: Invalid API key", "")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func apiKey(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimPrefix(auth, bearerPrefix)
	}
	return ""
}

// ContentType rejects POST and PUT bodies that declare a non-JSON type.
func ContentType() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			hasBody := r.Method == http.MethodPost || r.Method == http.MethodPut
			if hasBody && ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeError(w, r, http.StatusUnsupportedMediaType, "Unsupported media type",
					"Content-Type must be application/json, got "+ct)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySize limits request bodies to limit bytes.
func MaxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter records the status and size written through it.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func wrap(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack lets websocket upgrades through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     msg,
		Message:   detail,
		RequestID: GetRequestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// GetRequestID returns the ID assigned by Logging, or "unknown".
func GetRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(RequestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func requestAttrs(r *http.Request) []any {
	return []any{
		"request_id", GetRequestID(r),
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", getClientIP(r),
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// getClientIP prefers proxy headers over the socket address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "unknown"
}
