package router

import (
	"context"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

// Middleware priorities. Lower runs first and wraps everything after it.
const (
	PriorityRequestID   = 5
	PriorityLogging     = 10
	PriorityProxy       = 30
	PriorityRealIP      = 31
	PrioritySecure      = 40
	PrioritySession     = 50
	PriorityAuthRestore = 70
	PriorityAuthBasic   = 72
	PriorityAuthDecide  = 74
)

type Middleware struct {
	Priority int
	Name     string
	Wrap     func(http.Handler) http.Handler
}

// Chain wraps h so that middlewares run in ascending priority.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	sorted := append([]Middleware(nil), mws...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for i := len(sorted) - 1; i >= 0; i-- {
		h = sorted[i].Wrap(h)
	}
	return h
}

type requestIDKey struct{}

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if lrw.status == 0 {
		lrw.status = code
	}
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// LoggingMiddleware logs each request once and turns handler panics into 500.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.Errorw("handler panic", "panic", p, "path", r.URL.Path, "stack", string(debug.Stack()))
					if lrw.status == 0 {
						web.Error(lrw, r, http.StatusInternalServerError, "")
					}
				}
				status := lrw.status
				if status == 0 {
					status = http.StatusOK
				}
				logger.Infow("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"remote", utilities.ClientIP(r),
					"status", status,
					"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
					"size", lrw.size,
					"request_id", requestIDFrom(r),
				)
			}()
			next.ServeHTTP(lrw, r)
		})
	}
}

// FixedBase pins the request base to an externally configured URL.
func FixedBase(base string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(utilities.WithRequestBase(r.Context(), base)))
		})
	}
}

// Proxy derives the request base from X-Forwarded-Proto / X-Forwarded-Host
// set by a trusted reverse proxy.
func Proxy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := firstValue(r.Header.Get("X-Forwarded-Proto")); p == "http" || p == "https" {
			scheme = p
		}
		host := r.Host
		if h := firstValue(r.Header.Get("X-Forwarded-Host")); h != "" {
			host = h
		}
		base := scheme + "://" + host
		if prefix := strings.TrimRight(r.Header.Get("X-Forwarded-Prefix"), "/"); strings.HasPrefix(prefix, "/") {
			base += prefix
		}
		next.ServeHTTP(w, r.WithContext(utilities.WithRequestBase(r.Context(), base)))
	})
}

// RealIP takes the client address from X-Real-IP or X-Forwarded-For.
func RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := strings.TrimSpace(r.Header.Get("X-Real-IP"))
		if ip == "" {
			ip = firstValue(r.Header.Get("X-Forwarded-For"))
		}
		if ip != "" {
			r = r.WithContext(utilities.WithClientIP(r.Context(), ip))
		}
		next.ServeHTTP(w, r)
	})
}

func firstValue(h string) string {
	v, _, _ := strings.Cut(h, ",")
	return strings.TrimSpace(v)
}

// LoginRateLimit caps login attempts per client address per minute.
func LoginRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return utilities.ClientIP(r), nil
		}),
	)
}

// originAllowed accepts an Origin equal to the base's origin, optionally
// followed by the base path.
func originAllowed(origin, base string) bool {
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	origin = strings.TrimRight(origin, "/")
	if !strings.HasPrefix(base, origin) {
		return false
	}
	rest := base[len(origin):]
	return rest == "" || strings.HasPrefix(rest, "/")
}

type SecureConfig struct {
	SessionCookie string
}

// SecurePolicy rejects cross-origin state changes, stamps security headers
// and enforces the session cookie flags.
func SecurePolicy(cfg SecureConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			base := utilities.RequestBase(r)
			secure := strings.HasPrefix(base, "https://")

			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "same-origin")
			h.Set("Cache-Control", "no-store")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self'; frame-ancestors 'none';")
			if secure {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				if !originAllowed(r.Header.Get("Origin"), base) {
					web.Error(w, r, http.StatusForbidden, "unexpected origin")
					return
				}
			}
			next.ServeHTTP(&cookieFlagWriter{ResponseWriter: w, name: cfg.SessionCookie, secure: secure}, r)
		})
	}
}

// cookieFlagWriter rewrites the session Set-Cookie header when the
// response starts.
type cookieFlagWriter struct {
	http.ResponseWriter
	name    string
	secure  bool
	written bool
}

func (c *cookieFlagWriter) fix() {
	if c.written {
		return
	}
	c.written = true
	h := c.ResponseWriter.Header()
	lines := h.Values("Set-Cookie")
	if len(lines) == 0 {
		return
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		ck, err := http.ParseSetCookie(line)
		if err != nil || ck.Name != c.name {
			out = append(out, line)
			continue
		}
		ck.HttpOnly = true
		ck.SameSite = http.SameSiteLaxMode
		ck.Secure = c.secure
		out = append(out, ck.String())
	}
	h["Set-Cookie"] = out
}

func (c *cookieFlagWriter) WriteHeader(code int) {
	c.fix()
	c.ResponseWriter.WriteHeader(code)
}

func (c *cookieFlagWriter) Write(b []byte) (int, error) {
	c.fix()
	return c.ResponseWriter.Write(b)
}

func (c *cookieFlagWriter) Flush() {
	c.fix()
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *cookieFlagWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }
