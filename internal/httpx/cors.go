package httpx

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	DefaultCORSMethods       = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	DefaultCORSAllowHeaders  = []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"}
	DefaultCORSExposeHeaders = []string{"X-Request-ID"}
)

const defaultCORSMaxAge = 10 * time.Minute

// CORS answers preflights and decorates responses for browser callers.
// Empty fields fall back to the defaults above. AllowOrigins holding "*"
// (or nothing) allows any origin; otherwise only listed origins get CORS
// headers, echoed back with Vary: Origin.
type CORS struct {
	AllowOrigins  []string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	MaxAge        time.Duration
}

func (c CORS) Wrap(next http.Handler) http.Handler {
	wildcard := len(c.AllowOrigins) == 0 || slices.Contains(c.AllowOrigins, "*")
	methods := strings.Join(orDefault(c.AllowMethods, DefaultCORSMethods), ",")
	allowHeaders := strings.Join(orDefault(c.AllowHeaders, DefaultCORSAllowHeaders), ", ")
	exposeHeaders := strings.Join(orDefault(c.ExposeHeaders, DefaultCORSExposeHeaders), ", ")
	maxAge := c.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	maxAgeSecs := strconv.Itoa(int(maxAge / time.Second))

	allowOrigin := func(w http.ResponseWriter, r *http.Request) bool {
		if wildcard {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			return true
		}
		w.Header().Add("Vary", "Origin")
		origin := r.Header.Get("Origin")
		if origin == "" || !slices.Contains(c.AllowOrigins, origin) {
			return false
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		return true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Preflight
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowOrigin(w, r) {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Set("Access-Control-Max-Age", maxAgeSecs)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowOrigin(w, r) && exposeHeaders != "" {
			w.Header().Set("Access-Control-Expose-Headers", exposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
