// Song resolution client.
//
// Talks to the external resolver service that turns a source URL into a
// playable audio asset plus title/channel/thumbnail/duration metadata. The
// resolver's own timeout and retry policy is opaque to the room core;
// failures surface as ErrResolveFailed.
package song

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultResolverBaseURL = "http://localhost:8080"

// ErrResolveFailed marks an upstream song-resolution failure. It is reported
// to the room as a song-error event, never as a crash.
var ErrResolveFailed = errors.New("song resolution failed")

// Track is the resolver's answer for a source URL.
type Track struct {
	VideoID         string `json:"videoId"`
	Title           string `json:"title"`
	Channel         string `json:"channel"`
	Thumbnail       string `json:"thumbnail"`
	AssetURL        string `json:"assetUrl"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Resolver resolves a source URL into a playable track.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (*Track, error)
}

// HTTPResolver implements Resolver against the resolver proxy's HTTP API.
type HTTPResolver struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPResolver creates a resolver client. baseURL defaults to the local
// proxy when empty.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	if baseURL == "" {
		baseURL = defaultResolverBaseURL
	}
	return &HTTPResolver{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve fetches track metadata and the playable asset URL for sourceURL.
func (r *HTTPResolver) Resolve(ctx context.Context, sourceURL string) (*Track, error) {
	endpoint := fmt.Sprintf("%s/resolve?url=%s", r.baseURL, url.QueryEscape(sourceURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: resolver returned %d", ErrResolveFailed, resp.StatusCode)
	}

	var track Track
	if err := json.NewDecoder(resp.Body).Decode(&track); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrResolveFailed, err)
	}

	if track.AssetURL == "" || track.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: incomplete track metadata", ErrResolveFailed)
	}

	return &track, nil
}
