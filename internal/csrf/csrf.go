// Package csrf rejects state-changing requests that did not originate from
// the application's own pages.
//
// Two checks are combined. Origin equivalence compares the Origin (or
// Referer) header with the public origin of the service. The synchronizer
// token check requires the per-session secret handed out at login to be
// echoed in the X-CSRF-Token header on every unsafe request.
package csrf

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"bizfolio/internal/metrics"
)

// HeaderName carries the synchronizer token on unsafe requests.
const HeaderName = "X-CSRF-Token"

const tokenBytes = 32

// NewToken returns a fresh random token and the digest to store for it.
func NewToken() (string, []byte, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", nil, fmt.Errorf("read csrf token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return token, Hash(token), nil
}

// Hash returns the stored form of a token.
func Hash(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Verify compares supplied against the stored digest in constant time.
// The digest is computed even for empty input.
func Verify(expected []byte, supplied string) bool {
	sum := sha256.Sum256([]byte(supplied))
	match := subtle.ConstantTimeCompare(sum[:], expected) == 1
	return match && supplied != ""
}

// IsSafeMethod reports whether method is read-only by contract.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// TokenLookup returns the CSRF digest of the session attached to r.
type TokenLookup func(r *http.Request) ([]byte, bool)

// Guard holds the origins the service is served from.
type Guard struct {
	origins map[string]struct{}
	reject  http.HandlerFunc
}

// NewGuard builds a Guard. origins are scheme://host[:port] values; when
// empty, the request's own Host is the only accepted origin. reject writes
// the Forbidden response.
func NewGuard(origins []string, reject http.HandlerFunc) *Guard {
	g := &Guard{origins: make(map[string]struct{}), reject: reject}
	for _, o := range origins {
		if norm, ok := normalizeOrigin(o); ok {
			g.origins[norm] = struct{}{}
		}
	}
	if g.reject == nil {
		g.reject = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
	}
	return g
}

// SameOrigin checks Origin, falling back to Referer. When neither header is
// present the result is !strict.
func (g *Guard) SameOrigin(r *http.Request, strict bool) bool {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return !strict
	}
	origin, ok := normalizeOrigin(source)
	if !ok {
		return false
	}
	if len(g.origins) == 0 {
		u, _ := url.Parse(origin)
		return strings.EqualFold(u.Host, r.Host)
	}
	_, allowed := g.origins[origin]
	return allowed
}

// RequireSameOrigin guards endpoints that run before a session exists.
func (g *Guard) RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsSafeMethod(r.Method) && !g.SameOrigin(r, false) {
			metrics.CSRFRejections.WithLabelValues("origin").Inc()
			g.reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Protect guards session-bearing endpoints: unsafe methods need a matching
// origin (when the browser sent one) and a valid synchronizer token.
func (g *Guard) Protect(lookup TokenLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if !g.SameOrigin(r, false) {
				metrics.CSRFRejections.WithLabelValues("origin").Inc()
				g.reject(w, r)
				return
			}
			expected, ok := lookup(r)
			if !ok || !Verify(expected, r.Header.Get(HeaderName)) {
				metrics.CSRFRejections.WithLabelValues("token").Inc()
				g.reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizeOrigin(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
