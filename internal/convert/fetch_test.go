package convert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_SmallBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	f := NewBlobFetcher(true)
	data, mime, err := f.Fetch(context.Background(), srv.URL+"/blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
	assert.Equal(t, "image/png", mime)
}

func TestFetch_MissingContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte{0x00, 0x01})
	}))
	defer srv.Close()

	f := NewBlobFetcher(true)
	_, mime, err := f.Fetch(context.Background(), srv.URL+"/blob")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", mime)
}

func TestFetch_RejectsNonHTTPScheme(t *testing.T) {
	f := NewBlobFetcher(true)
	_, _, err := f.Fetch(context.Background(), "ftp://example.com/blob")
	assert.Error(t, err)

	_, _, err = f.Fetch(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}

func TestFetch_RejectsPrivateHost(t *testing.T) {
	// The test server listens on loopback, which the guard refuses.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached a disallowed host")
	}))
	defer srv.Close()

	f := NewBlobFetcher(false)
	_, _, err := f.Fetch(context.Background(), srv.URL+"/blob")
	assert.Error(t, err)
}

func TestFetch_AllowPrivateOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewBlobFetcher(true)
	data, _, err := f.Fetch(context.Background(), srv.URL+"/blob")
	assert.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestFetch_RejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(maxBlobSize+1))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewBlobFetcher(true)
	_, _, err := f.Fetch(context.Background(), srv.URL+"/blob")
	assert.Error(t, err)
}

func TestFetch_RejectsUndeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flush before writing the body so no Content-Length is declared.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(make([]byte, maxBlobSize+1))
	}))
	defer srv.Close()

	f := NewBlobFetcher(true)
	_, _, err := f.Fetch(context.Background(), srv.URL+"/blob")
	assert.Error(t, err)
}
