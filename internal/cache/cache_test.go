package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPInvalidate(t *testing.T) {
	var got struct {
		Paths []string `json:"paths"`
	}
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Revalidate-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	inv := NewHTTP(srv.URL, "s3cret", 0)
	require.NoError(t, inv.Invalidate(context.Background(), []string{"/blog", "/blog/tea"}))
	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, []string{"/blog", "/blog/tea"}, got.Paths)
}

func TestHTTPInvalidateFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad secret", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewHTTP(srv.URL, "", 0).Invalidate(context.Background(), []string{"/blog"})
	assert.ErrorContains(t, err, "bad secret")
	assert.Error(t, NewHTTP("", "", 0).Invalidate(context.Background(), nil))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, []string{"/blog", "/blog/tea"}, Paths("", "", "tea"))
	assert.Equal(t, []string{"/", "/posts/tea"}, Paths("/", "/posts", "tea"))
}
