package httputil

import (
	"net/http"

	"github.com/unrolled/secure"
)

// SecureHeaders adds browser hardening headers suited to a JSON API.
// HSTS is sent only when hstsSeconds is positive.
func SecureHeaders(hstsSeconds int64) func(http.Handler) http.Handler {
	s := secure.New(secure.Options{
		ContentTypeNosniff:    true,
		FrameDeny:             true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		STSSeconds:            hstsSeconds,
		STSIncludeSubdomains:  hstsSeconds > 0,
		// TLS usually terminates at the ingress.
		ForceSTSHeader: hstsSeconds > 0,
	})
	return s.Handler
}
