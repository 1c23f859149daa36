package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

var tusAllowedHeaders = []string{
	"Authorization",
	"Content-Type",
	"Origin",
	"X-Requested-With",
	"X-Request-ID",
	"X-HTTP-Method-Override",
	"Tus-Version",
	"Tus-Resumable",
	"Tus-Extension",
	"Tus-Max-Size",
	"Upload-Length",
	"Upload-Offset",
	"Upload-Defer-Length",
	"Upload-Metadata",
	"Upload-Concat",
	"Upload-Checksum",
}

var tusExposedHeaders = []string{
	"Location",
	"Tus-Version",
	"Tus-Resumable",
	"Tus-Extension",
	"Tus-Max-Size",
	"Tus-Checksum-Algorithm",
	"Upload-Length",
	"Upload-Offset",
	"Upload-Defer-Length",
	"Upload-Metadata",
	"Upload-Concat",
	"Upload-Expires",
	"Content-Range",
	"Content-Disposition",
	"ETag",
}

// Cors builds the tus CORS middleware. An empty allow list admits every
// origin.
func Cors(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"POST", "GET", "HEAD", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: tusAllowedHeaders,
		ExposedHeaders: tusExposedHeaders,
		MaxAge:         86400,
	}

	if len(origins) > 0 {
		opts.AllowedOrigins = origins
	} else {
		opts.AllowOriginFunc = func(origin string) bool {
			return true
		}
	}

	return cors.New(opts).Handler
}
