package render

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceSigner obtains fresh signed URLs from the blob-store auth service.
// The service owns credentials and bucket layout; this client only exchanges
// an object URL for a re-signed one.
type ServiceSigner struct {
	client   *http.Client
	endpoint string
}

// NewServiceSigner points at the signing endpoint, e.g.
// "http://v-services:5000/storage/sign".
func NewServiceSigner(endpoint string) *ServiceSigner {
	return &ServiceSigner{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: endpoint,
	}
}

// SignDownload implements Signer.
func (s *ServiceSigner) SignDownload(ctx context.Context, url string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]any{
		"url":         url,
		"ttl_seconds": int(ttl.Seconds()),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("sign url: status %d: %s", resp.StatusCode, data)
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sign response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("sign url: empty signed_url in response")
	}
	return out.SignedURL, nil
}
