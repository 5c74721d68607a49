package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
)

// requestIDHeader carries a caller's request id in and the one in use out.
const requestIDHeader = "X-Request-ID"

var requestIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type requestKey struct{}

// requestInfo follows one request through the handlers.
type requestInfo struct {
	id    string
	docID string
}

// requestMiddleware tags each request with an id, echoed in X-Request-ID
// and attached to every log line written through reqLog. When the request
// ends it logs the route, status and document it touched.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{id: r.Header.Get(requestIDHeader)}
		if !requestIDRe.MatchString(info.id) {
			info.id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, info.id)
		r = r.WithContext(context.WithValue(r.Context(), requestKey{}, info))
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		// The mux records the matched pattern and path values on r.
		docID := info.docID
		if docID == "" {
			docID = r.PathValue("id")
		}
		level := slog.LevelInfo
		if rw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", r.Pattern,
			"status", rw.status,
			"bytes", rw.written,
			"duration", time.Since(start).Round(time.Millisecond),
			"remote", r.RemoteAddr,
		}
		if docID != "" {
			attrs = append(attrs, "doc_id", docID)
		}
		reqLog(r).Log(r.Context(), level, "http: request", attrs...)
	})
}

// reqLog returns the default logger tagged with r's request id.
func reqLog(r *http.Request) *slog.Logger {
	if info, ok := r.Context().Value(requestKey{}).(*requestInfo); ok {
		return slog.Default().With("request_id", info.id)
	}
	return slog.Default()
}

// setDocID names the document a request created, for the request log.
func setDocID(r *http.Request, id string) {
	if info, ok := r.Context().Value(requestKey{}).(*requestInfo); ok {
		info.docID = id
	}
}

// authMiddleware requires "Authorization: Bearer <apiKey>". An empty key
// disables authentication.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a handler panic into a 500 unless the handler
// already started its reply, and logs the stack under the request id.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw, ok := w.(*responseWriter)
		if !ok {
			rw = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			reqLog(r).Error("http: panic recovered",
				"error", fmt.Sprint(err),
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if rw.wroteHeader {
				return
			}
			writeError(rw, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(rw, r)
	})
}

// corsMiddleware allows the comma-separated origins. An empty list leaves
// CORS headers off.
func corsMiddleware(origins string, next http.Handler) http.Handler {
	if origins == "" {
		return next
	}
	var allowed []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         86400,
	}).Handler(next)
}

// responseWriter records the status and size of a reply.
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
