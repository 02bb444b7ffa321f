package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	// MailboxKey is the context key for the mailbox.
	MailboxKey contextKey = "mailbox"

	// TraceIDKey is the context key for the trace ID.
	TraceIDKey contextKey = "traceID"

	MailboxHeader   = "X-Mailbox-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

// maxMailboxLen matches the longest address RFC 5321 allows.
const maxMailboxLen = 254

var tracer = otel.Tracer("heron-api")

// quietPaths are hit by health checks and scrapers; they log at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// MailboxMiddleware scopes a request to the mailbox named by X-Mailbox-ID.
func MailboxMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mailbox, err := parseMailbox(r.Header.Get(MailboxHeader))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), MailboxKey, mailbox)))
	})
}

func parseMailbox(raw string) (string, error) {
	mailbox := strings.TrimSpace(raw)
	switch {
	case mailbox == "":
		return "", fmt.Errorf("%s header is required", MailboxHeader)
	case len(mailbox) > maxMailboxLen:
		return "", fmt.Errorf("%s must be at most %d bytes", MailboxHeader, maxMailboxLen)
	case strings.IndexFunc(mailbox, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0:
		return "", fmt.Errorf("%s must not contain whitespace", MailboxHeader)
	}
	return mailbox, nil
}

// TracingMiddleware wraps the request in a span named after its chi route
// and echoes the request and trace IDs. It expects middleware.RequestID to
// run first.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		ctx, span := tracer.Start(r.Context(), "http "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("heron.request_id", requestID),
			),
		)
		defer span.End()

		// No tracer provider means no trace ID; the request ID stands in.
		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName("http " + r.Method + " " + rctx.RoutePattern())
			span.SetAttributes(attribute.String("http.route", rctx.RoutePattern()))
		}
		span.SetAttributes(attribute.Int("http.status_code", status(ww)))
		if status(ww) >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status(ww)))
		}
	})
}

// LoggingMiddleware writes one structured line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		code := status(ww)
		level := slog.LevelInfo
		switch {
		case code >= http.StatusInternalServerError:
			level = slog.LevelError
		case code >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[r.URL.Path]:
			level = slog.LevelDebug
		}

		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", code,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"mailbox", r.Header.Get(MailboxHeader),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// corsHeaders are sent on every response. Allow-Origin is set per request.
var corsHeaders = [][2]string{
	{"Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type, " + MailboxHeader + ", " + RequestIDHeader},
	{"Access-Control-Expose-Headers", RequestIDHeader + ", " + TraceIDHeader},
	{"Access-Control-Max-Age", "600"},
}

// CORSMiddleware lets browser tools call the API. Preflight requests end
// here with 204.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		for _, kv := range corsHeaders {
			h.Set(kv[0], kv[1])
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a JSON 500, unless the
// handler already started its response.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("handler panicked",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"stack", string(debug.Stack()),
			)
			if ww.Status() == 0 {
				writeError(ww, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

// status reports the written status; a handler that never called
// WriteHeader answered 200.
func status(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

// GetMailbox returns the mailbox MailboxMiddleware stored, or "".
func GetMailbox(ctx context.Context) string {
	mailbox, _ := ctx.Value(MailboxKey).(string)
	return mailbox
}

// GetTraceID returns the trace ID TracingMiddleware stored, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}
