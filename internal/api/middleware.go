package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/nyashahama/workspace-billing-backend/internal/checkout"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// ─── CONTEXT KEYS ─────────────────────────────────────────────────────────────

type contextKey string

const ctxKeyCaller contextKey = "caller"

// sessionCookie is set by the auth layer; its value is "<token>.<signature>".
const sessionCookie = "better-auth.session_token"

// callerFrom returns the caller stored by requireAuth.
func callerFrom(ctx context.Context) checkout.Caller {
	c, _ := ctx.Value(ctxKeyCaller).(checkout.Caller)
	return c
}

// ─── SESSION AUTH ─────────────────────────────────────────────────────────────

// requireAuth resolves the caller from an auth session token sent either as
// "Authorization: Bearer <token>" or in the session cookie. Missing, unknown
// and expired sessions all get the same 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			respondErr(w, http.StatusUnauthorized, "Non authentifié")
			return
		}

		// Only a missing or expired session is a 401; store failures are 500.
		sess, err := s.store.GetSessionByToken(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			respondErr(w, http.StatusUnauthorized, "Non authentifié")
			return
		}
		if err != nil {
			s.respondInternalErr(w, r, fmt.Errorf("auth: session lookup: %w", err))
			return
		}
		if !sess.ExpiresAt.After(s.now()) {
			respondErr(w, http.StatusUnauthorized, "Non authentifié")
			return
		}

		user, err := s.store.GetUser(r.Context(), sess.UserID)
		if errors.Is(err, store.ErrNotFound) {
			respondErr(w, http.StatusUnauthorized, "Non authentifié")
			return
		}
		if err != nil {
			s.respondInternalErr(w, r, fmt.Errorf("auth: user lookup: %w", err))
			return
		}

		caller := checkout.Caller{
			UserID:               user.ID,
			Email:                user.Email,
			ActiveOrganizationID: sess.ActiveOrganizationID,
		}
		ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		token, _, _ := strings.Cut(c.Value, ".")
		return token
	}
	return ""
}

// ─── RATE LIMIT ───────────────────────────────────────────────────────────────

// rateLimiter holds one token bucket per caller. Idle buckets are swept on
// access.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*callerLimiter
	r         rate.Limit
	b         int
	now       func() time.Time
	lastSweep time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(requestsPerMinute int, now func() time.Time) *rateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	return &rateLimiter{
		limiters: make(map[string]*callerLimiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        requestsPerMinute,
		now:      now,
	}
}

func (l *rateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > 5*time.Minute {
		for k, cl := range l.limiters {
			if now.Sub(cl.lastSeen) > 10*time.Minute {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	cl, ok := l.limiters[key]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// rateLimit rejects callers polling faster than VerifyRatePerMinute with 429
// and a Retry-After header. It must run after requireAuth.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerFrom(r.Context()).UserID
		if key == "" {
			key = r.RemoteAddr
		}
		reservation := s.limiter.get(key).ReserveN(s.now(), 1)
		if d := reservation.DelayFrom(s.now()); d > 0 {
			reservation.CancelAt(s.now())
			retryAfter := max(int(math.Ceil(d.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondErr(w, http.StatusTooManyRequests, "Trop de requêtes")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── CORS ─────────────────────────────────────────────────────────────────────

// corsMiddleware handles preflight OPTIONS requests and sets CORS headers.
// Outside production any origin is echoed back.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed := s.cfg.CORSAllowedOrigin
		if s.cfg.Env != "production" {
			allowed = origin
		}

		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ─── LOGGER MIDDLEWARE ────────────────────────────────────────────────────────

// loggerMiddleware logs each request with method, path, status, and duration.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// ─── RESPONSE HELPERS ─────────────────────────────────────────────────────────

// respond writes a JSON body with the given status code.
func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondErr writes the standard JSON error envelope.
func respondErr(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

// respondInternalErr logs an unexpected error and returns a 500 to the client
// without leaking internal details.
func (s *Server) respondInternalErr(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("internal error",
		"error", err,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	)
	respondErr(w, http.StatusInternalServerError, "Erreur serveur")
}

// ─── REQUEST PARSING HELPERS ─────────────────────────────────────────────────

// decode JSON-decodes r.Body into dst. Returns false and writes 400 if the
// body is missing, malformed, or too large. Callers should return immediately
// on false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondErr(w, http.StatusBadRequest, "Corps de requête invalide: "+err.Error())
		return false
	}
	return true
}

// logField returns a slog.Attr using the request ID for correlation.
func logField(r *http.Request) slog.Attr {
	return slog.String("request_id", middleware.GetReqID(r.Context()))
}
