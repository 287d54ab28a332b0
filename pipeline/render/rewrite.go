package render

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Signed-URL validity periods. Cross-service handoff uses the long window;
// end-user delivery links use the short one.
const (
	CrossServiceURLTTL = 24 * time.Hour
	DeliveryURLTTL     = time.Hour
)

// Signer refreshes signed URLs for private blob-store objects. The blob
// store itself is a black box; only the signing contract matters here.
type Signer interface {
	// SignDownload returns a fresh signed URL for the object behind url,
	// valid for ttl. Non-blob-store URLs are returned unchanged.
	SignDownload(ctx context.Context, url string, ttl time.Duration) (string, error)
}

// internalHosts maps external hostnames to in-cluster service addresses so
// workers fetch from shared services without traversing the public edge.
// This is a closed set.
var internalHosts = map[string]string{
	"services.vinicius.ai":      "v-services:5000",
	"api.vinicius.ai":           "supabase-custom-api:5000",
	"services-home.vinicius.ai": "v-services:5000",
}

// RewriteToInternal recursively maps external hostnames to internal service
// DNS in every string field of the payload tree. The rewrite is a fixed
// point: applying it twice equals applying it once.
func RewriteToInternal(v any) any {
	return mapStrings(v, rewriteHostToInternal)
}

func rewriteHostToInternal(s string) string {
	for external, internal := range internalHosts {
		for _, scheme := range []string{"https://", "http://"} {
			prefix := scheme + external
			if strings.HasPrefix(s, prefix) {
				rest := s[len(prefix):]
				if rest == "" || rest[0] == '/' || rest[0] == '?' {
					return "http://" + internal + rest
				}
			}
		}
	}
	return s
}

// URLRenewer re-signs blob-store URLs across an entire payload tree before
// it traverses untrusted infrastructure.
type URLRenewer struct {
	signer  Signer
	cdnHost string
	ttl     time.Duration
	logger  *log.Logger
}

// NewURLRenewer builds a renewer for URLs on cdnHost. A zero ttl defaults to
// the cross-service window.
func NewURLRenewer(signer Signer, cdnHost string, ttl time.Duration, logger *log.Logger) *URLRenewer {
	if ttl <= 0 {
		ttl = CrossServiceURLTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &URLRenewer{signer: signer, cdnHost: cdnHost, ttl: ttl, logger: logger.With("component", "url-renewer")}
}

// Renew walks the payload tree and replaces every string matching the CDN
// host with a freshly-signed URL. Signing failures are logged and the
// original URL kept: the render may still succeed if the old signature has
// not expired.
func (r *URLRenewer) Renew(ctx context.Context, v any) any {
	return mapStrings(v, func(s string) string {
		if !strings.Contains(s, r.cdnHost) {
			return s
		}
		signed, err := r.signer.SignDownload(ctx, s, r.ttl)
		if err != nil {
			r.logger.Warn("renew signed url failed, keeping original", "err", err)
			return s
		}
		return signed
	})
}

// mapStrings applies f to every string in a JSON-like tree, rebuilding maps
// and slices. Non-string scalars pass through untouched.
func mapStrings(v any, f func(string) string) any {
	switch vv := v.(type) {
	case string:
		return f(vv)
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = mapStrings(item, f)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = mapStrings(item, f)
		}
		return out
	default:
		return v
	}
}
