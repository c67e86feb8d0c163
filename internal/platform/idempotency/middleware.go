package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHeaderName = "Idempotency-Key"
	// replayHeaderName marks responses served from a stored record so
	// storefront clients can tell a replay from a fresh order.
	replayHeaderName = "Idempotency-Replayed"
	// requesterHeaderName scopes keys per actor; two customers reusing the
	// same key value must not collide.
	requesterHeaderName = "X-Actor-ID"

	maxBufferedBody = 1 << 20
)

// Logger is the printf-style sink the middleware reports store trouble to.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
	logger Logger
}

// Option customises the middleware.
type Option func(*middlewareConfig)

// WithHeader overrides the request header carrying the submission key.
func WithHeader(name string) Option {
	return func(c *middlewareConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			c.header = trimmed
		}
	}
}

// WithTTL overrides how long completed submissions stay replayable.
func WithTTL(ttl time.Duration) Option {
	return func(c *middlewareConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger attaches a logger for store failures.
func WithLogger(logger Logger) Option {
	return func(c *middlewareConfig) {
		c.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *middlewareConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Middleware guards order submissions with the supplied store. Only POST
// requests are covered; the marketplace's reads are naturally idempotent.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		header: defaultHeaderName,
		ttl:    DefaultTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				respondError(w, http.StatusBadRequest, "idempotency_key_required", fmt.Sprintf("%s header is required", cfg.header))
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_request_body", "unable to read request body")
				return
			}

			identity := extractRequester(r)
			fingerprint := requestFingerprint(r, body, identity)
			scoped := scopedKey(key, identity)
			now := cfg.clock().UTC()

			reservation, err := store.Reserve(r.Context(), scoped, fingerprint, now, cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					respondError(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key was used with a different request")
					return
				}
				cfg.logf("idempotency: reserve failed for key %s: %v", key, err)
				respondError(w, http.StatusInternalServerError, "idempotency_store_error", "failed to verify idempotency key")
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replayResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				respondError(w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still in progress")
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			resp := Response{
				Status:  recorder.status,
				Headers: recorder.Header().Clone(),
				Body:    recorder.body.Bytes(),
			}
			if err := store.SaveResponse(r.Context(), scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.logf("idempotency: save failed for key %s: %v", key, err)
				releaseReservation(r.Context(), store, scoped, fingerprint, cfg.logger)
				respondError(w, http.StatusInternalServerError, "idempotency_store_error", "failed to persist idempotent response")
				return
			}
			recorder.Commit()
		})
	}
}

func (c middlewareConfig) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func releaseReservation(ctx context.Context, store Store, key, fingerprint string, logger Logger) {
	if err := store.Release(ctx, key, fingerprint); err != nil && logger != nil {
		logger.Printf("idempotency: release failed: %v", err)
	}
}

// readAndReplayBody buffers the request body so both the fingerprint and the
// downstream handler can consume it.
func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// extractRequester returns the acting party so keys stay private per actor.
func extractRequester(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(requesterHeaderName)); actor != "" {
		return actor
	}
	return "anonymous"
}

// requestFingerprint ties a key to the request it was first used with.
// Reusing a key for a different order body is rejected, not replayed.
func requestFingerprint(r *http.Request, body []byte, identity string) string {
	var builder strings.Builder
	builder.WriteString(r.Method)
	builder.WriteByte('\n')
	builder.WriteString(r.URL.Path)
	builder.WriteByte('\n')
	builder.WriteString(identity)
	builder.WriteByte('\n')
	builder.WriteString(sha256Hex(body))
	return sha256Hex([]byte(builder.String()))
}

func scopedKey(key, identity string) string {
	return identity + "/" + strings.TrimSpace(key)
}

func replayResponse(w http.ResponseWriter, record Record) {
	headers := headersFromRecord(record.ResponseHeaders)
	for name, values := range headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

type responseRecorder struct {
	target http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(target http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		target: target,
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

// Commit forwards the buffered response to the real writer. It runs only
// after the response is safely stored, so a crash mid-request never leaves a
// replayable record for a response the client never saw.
func (r *responseRecorder) Commit() {
	for name, values := range r.header {
		for _, value := range values {
			r.target.Header().Add(name, value)
		}
	}
	r.target.WriteHeader(r.status)
	if r.body.Len() > 0 {
		_, _ = r.target.Write(r.body.Bytes())
	}
}
