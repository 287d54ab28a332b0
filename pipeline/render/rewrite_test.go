package render

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRewriteToInternal(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://services.vinicius.ai/ffmpeg/concat", "http://v-services:5000/ffmpeg/concat"},
		{"http://services.vinicius.ai/x", "http://v-services:5000/x"},
		{"https://api.vinicius.ai/storage/v1/sign?ttl=60", "http://supabase-custom-api:5000/storage/v1/sign?ttl=60"},
		{"https://services-home.vinicius.ai", "http://v-services:5000"},
		// Host-boundary check: a longer hostname sharing the prefix is untouched.
		{"https://services.vinicius.ai.evil.com/x", "https://services.vinicius.ai.evil.com/x"},
		{"https://cdn.example.com/video.mp4", "https://cdn.example.com/video.mp4"},
		{"not a url", "not a url"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RewriteToInternal(tc.in), "input %q", tc.in)
	}
}

func TestRewriteToInternal_RecursesAndIsFixedPoint(t *testing.T) {
	tree := map[string]any{
		"video_url": "https://services.vinicius.ai/v/1.mp4",
		"tracks": []any{
			map[string]any{
				"items": []any{
					map[string]any{"src": "https://api.vinicius.ai/obj/2.png", "volume": float64(0.5)},
				},
			},
		},
		"count": 3,
	}

	once := RewriteToInternal(tree).(map[string]any)
	require.Equal(t, "http://v-services:5000/v/1.mp4", once["video_url"])
	item := once["tracks"].([]any)[0].(map[string]any)["items"].([]any)[0].(map[string]any)
	require.Equal(t, "http://supabase-custom-api:5000/obj/2.png", item["src"])
	require.Equal(t, float64(0.5), item["volume"])
	require.Equal(t, 3, once["count"])

	twice := RewriteToInternal(once)
	require.Equal(t, once, twice)

	// The input tree is never mutated.
	require.Equal(t, "https://services.vinicius.ai/v/1.mp4", tree["video_url"])
}

type stubSigner struct {
	signed string
	err    error
	calls  []string
}

func (s *stubSigner) SignDownload(_ context.Context, url string, _ time.Duration) (string, error) {
	s.calls = append(s.calls, url)
	if s.err != nil {
		return "", s.err
	}
	return s.signed, nil
}

func TestURLRenewer_RewritesOnlyCDNHosts(t *testing.T) {
	signer := &stubSigner{signed: "https://cdn.example.com/v.mp4?sig=fresh"}
	renewer := NewURLRenewer(signer, "cdn.example.com", 0, nil)

	out := renewer.Renew(context.Background(), map[string]any{
		"video_url":   "https://cdn.example.com/v.mp4?sig=stale",
		"webhook_url": "https://hooks.example.net/done",
		"nested":      []any{"https://cdn.example.com/mask.png?sig=stale"},
	}).(map[string]any)

	require.Equal(t, "https://cdn.example.com/v.mp4?sig=fresh", out["video_url"])
	require.Equal(t, "https://hooks.example.net/done", out["webhook_url"])
	require.Equal(t, "https://cdn.example.com/v.mp4?sig=fresh", out["nested"].([]any)[0])
	require.Len(t, signer.calls, 2)
}

func TestURLRenewer_KeepsOriginalOnSigningFailure(t *testing.T) {
	signer := &stubSigner{err: errors.New("auth service down")}
	renewer := NewURLRenewer(signer, "cdn.example.com", time.Hour, nil)

	out := renewer.Renew(context.Background(), map[string]any{
		"video_url": "https://cdn.example.com/v.mp4?sig=stale",
	}).(map[string]any)

	require.Equal(t, "https://cdn.example.com/v.mp4?sig=stale", out["video_url"])
}
