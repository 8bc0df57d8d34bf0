package song

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPResolverResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resolve", r.URL.Path)
		assert.Equal(t, "https://example.com/watch?v=abc123", r.URL.Query().Get("url"))

		json.NewEncoder(w).Encode(Track{
			VideoID:         "abc123",
			Title:           "Some Song",
			Channel:         "Some Channel",
			Thumbnail:       "https://cdn.example.com/abc123.jpg",
			AssetURL:        "https://cdn.example.com/abc123.mp3",
			DurationSeconds: 212,
		})
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	track, err := r.Resolve(context.Background(), "https://example.com/watch?v=abc123")
	require.NoError(t, err)

	assert.Equal(t, "abc123", track.VideoID)
	assert.Equal(t, "Some Song", track.Title)
	assert.Equal(t, 212, track.DurationSeconds)
}

func TestHTTPResolverUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no can do", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	_, err := r.Resolve(context.Background(), "https://example.com/watch?v=abc123")
	assert.ErrorIs(t, err, ErrResolveFailed)
}

func TestHTTPResolverIncompleteMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Track{VideoID: "abc123", Title: "No Asset"})
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	_, err := r.Resolve(context.Background(), "https://example.com/watch?v=abc123")
	assert.ErrorIs(t, err, ErrResolveFailed)
}
