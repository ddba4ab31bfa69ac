package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pulseward/config"
	"pulseward/core/rbac"
)

type contextKey string

const roleContextKey contextKey = "pulseward.role"

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugf("RESP %s %s status=%d dur=%s bytes=%d", r.Method, r.URL.Path, rec.status, time.Since(start), rec.size)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// keyRing resolves presented API keys to roles. Keys are stored as bcrypt
// hashes; a verified key is remembered by its SHA-256 so the bcrypt cost is
// paid once per key, not per request.
type keyRing struct {
	keys []config.APIKey

	mu       sync.Mutex
	verified map[string]string
}

func newKeyRing(keys []config.APIKey) *keyRing {
	return &keyRing{keys: keys, verified: map[string]string{}}
}

func (k *keyRing) resolve(presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(presented))
	cacheKey := hex.EncodeToString(sum[:])

	k.mu.Lock()
	role, ok := k.verified[cacheKey]
	k.mu.Unlock()
	if ok {
		return role, true
	}

	for _, candidate := range k.keys {
		if err := bcrypt.CompareHashAndPassword([]byte(candidate.KeyHash), []byte(presented)); err == nil {
			k.mu.Lock()
			k.verified[cacheKey] = candidate.Role
			k.mu.Unlock()
			return candidate.Role, true
		}
	}
	return "", false
}

// authMiddleware resolves the caller's role from the X-API-Key header (or
// a bearer token). With no keys configured the API is open and every caller
// is an admin; that is the local single-user mode.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			ctx := context.WithValue(r.Context(), roleContextKey, rbac.RoleAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		presented := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if presented == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				presented = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			}
		}
		role, ok := s.keys.resolve(presented)
		if !ok || !rbac.ValidRole(role) {
			s.logger.Warnf("AUTH fail %s %s", r.Method, r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		ctx := context.WithValue(r.Context(), roleContextKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requirePermission(object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := r.Context().Value(roleContextKey).(string)
			if role == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !s.policy.Allow(role, object, action) {
				s.logger.Warnf("PERM fail %s %s role=%s need=%s:%s", r.Method, r.URL.Path, role, object, action)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
