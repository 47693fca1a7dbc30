package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig holds CORS configuration. AllowedOrigins is "*" or a comma
// separated list of origins.
type CORSConfig struct {
	AllowedOrigins   string
	AllowedMethods   string
	AllowedHeaders   string
	AllowCredentials bool
	MaxAge           int
}

func (c CORSConfig) allowOrigin(origin string) string {
	if c.AllowedOrigins == "*" {
		// credentials are not honored by browsers for a wildcard origin
		if c.AllowCredentials && origin != "" {
			return origin
		}
		return "*"
	}
	for _, allowed := range strings.Split(c.AllowedOrigins, ",") {
		if strings.TrimSpace(allowed) == origin {
			return origin
		}
	}
	return ""
}

// AllowsOrigin reports whether requests from origin are accepted. Requests
// without an Origin header do not come from a browser page and pass.
func (c CORSConfig) AllowsOrigin(origin string) bool {
	return origin == "" || c.allowOrigin(origin) != ""
}

// CORS middleware adds CORS headers to responses
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := config.allowOrigin(r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", config.AllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", config.AllowedHeaders)
				w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)

				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if config.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
			}

			// Handle preflight OPTIONS request
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
