package server

import (
	"fmt"
	"net/http"
)

// SecurityConfig holds the response headers applied to every route.
//
// Published builds run in an iframe on the playground site and fetch their
// own assets, so framing and cross-origin policies are left to the page.
type SecurityConfig struct {
	HSTS                *HSTSConfig
	XContentTypeNoSniff bool
	ReferrerPolicy      string
	PermissionsPolicy   string
}

// HSTSConfig holds HTTP Strict Transport Security configuration
type HSTSConfig struct {
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

// DefaultSecurityConfig returns the headers for local and development use.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		XContentTypeNoSniff: true,
		ReferrerPolicy:      "strict-origin-when-cross-origin",
		PermissionsPolicy:   "camera=(), microphone=(), geolocation=(), payment=(), usb=()",
	}
}

// ProductionSecurityConfig adds HSTS for the TLS-terminating proxy.
func ProductionSecurityConfig() *SecurityConfig {
	cfg := DefaultSecurityConfig()
	cfg.HSTS = &HSTSConfig{
		MaxAge:            31536000,
		IncludeSubDomains: true,
	}

	return cfg
}

// SecurityMiddleware applies secConfig's headers before calling next.
func SecurityMiddleware(secConfig *SecurityConfig) func(http.Handler) http.Handler {
	if secConfig == nil {
		secConfig = DefaultSecurityConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applySecurityHeaders(w, r, secConfig)
			next.ServeHTTP(w, r)
		})
	}
}

func applySecurityHeaders(w http.ResponseWriter, r *http.Request, config *SecurityConfig) {
	if config.HSTS != nil && isHTTPS(r) {
		w.Header().Set("Strict-Transport-Security", buildHSTSHeader(config.HSTS))
	}
	if config.XContentTypeNoSniff {
		w.Header().Set("X-Content-Type-Options", "nosniff")
	}
	if config.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", config.ReferrerPolicy)
	}
	if config.PermissionsPolicy != "" {
		w.Header().Set("Permissions-Policy", config.PermissionsPolicy)
	}
}

// isHTTPS reports whether the client connection was TLS, directly or at the
// proxy in front of us.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func buildHSTSHeader(hsts *HSTSConfig) string {
	header := fmt.Sprintf("max-age=%d", hsts.MaxAge)

	if hsts.IncludeSubDomains {
		header += "; includeSubDomains"
	}

	if hsts.Preload {
		header += "; preload"
	}

	return header
}
