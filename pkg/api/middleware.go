package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/types"
)

type contextKey string

const (
	ctxCorrelationID contextKey = "correlation_id"
	ctxClaims        contextKey = "claims"
	ctxProxyToken    contextKey = "proxy_token"
)

// correlationID returns the request's correlation id, or "".
func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxCorrelationID).(string); ok {
		return v
	}
	return ""
}

// claimsFrom returns the authenticated operator claims, or nil.
func claimsFrom(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(ctxClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// proxyTokenFrom returns the authenticated proxy token record, or nil.
func proxyTokenFrom(ctx context.Context) *types.ProxyToken {
	if v, ok := ctx.Value(ctxProxyToken).(*types.ProxyToken); ok {
		return v
	}
	return nil
}

// withCorrelation propagates the caller's correlation id or generates
// one, and echoes it back in the response.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", cid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxCorrelationID, cid)))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// withAccessLog emits one structured record per request and feeds the
// request counters and latency histogram.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Method + " " + r.URL.Path
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		logger := log.WithCorrelation(correlationID(r.Context()))
		evt := logger.Info()
		if rec.status >= 500 {
			evt = logger.Error()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// withBodyLimit rejects request bodies over the configured bound.
func withBodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// endpointLimiter keeps one token bucket per (endpoint, remote host).
type endpointLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newEndpointLimiter(rps float64, burst int) *endpointLimiter {
	return &endpointLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *endpointLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// withRateLimit sheds load per endpoint and remote host.
func withRateLimit(l *endpointLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.RemoteAddr
			if i := strings.LastIndex(host, ":"); i > 0 {
				host = host[:i]
			}
			if !l.allow(r.URL.Path + "|" + host) {
				writeError(w, r, errdef.New(errdef.KindOverload, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withTimeout bounds each handler by a per-request deadline.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireOperator authenticates the bearer access token and stores
// the claims in the request context.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, errdef.New(errdef.KindAuthentication, "missing bearer token"))
			return
		}
		claims, err := s.auth.VerifyAccess(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClaims, claims)))
	})
}

// requireProxy authenticates the bearer proxy token and stores its
// record in the request context.
func (s *Server) requireProxy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, errdef.New(errdef.KindAuthentication, "missing proxy token"))
			return
		}
		record, err := s.auth.VerifyProxyToken(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxProxyToken, record)))
	})
}

// authorize runs the RBAC check and audits denials.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action auth.Action, clusterID string) *auth.Claims {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, r, errdef.New(errdef.KindAuthentication, "not authenticated"))
		return nil
	}
	if err := auth.Authorize(claims, action, clusterID); err != nil {
		s.aud.Denied(claims.Login, clusterID, r.Method+" "+r.URL.Path, "rbac denial")
		writeError(w, r, err)
		return nil
	}
	return claims
}

// requireGlobalAdmin gates endpoints that exist outside any cluster
// scope (cluster creation, user management).
func (s *Server) requireGlobalAdmin(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, r, errdef.New(errdef.KindAuthentication, "not authenticated"))
		return nil
	}
	if !auth.IsGlobalAdmin(claims) {
		s.aud.Denied(claims.Login, "", r.Method+" "+r.URL.Path, "global admin required")
		writeError(w, r, errdef.Wrap(errdef.KindAuthorization, "global administrator role required", auth.ErrForbidden))
		return nil
	}
	return claims
}
