package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtreamdl/media_downloader/internal/download"
)

func TestProbe_AcceptRangesAdvertised(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "2048")
	}))
	defer ts.Close()

	capability, err := NewProber(ts.Client()).Probe(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.True(t, capability.SupportsRanges)
	assert.Equal(t, int64(2048), capability.TotalBytes)
}

func TestProbe_AcceptRangesNone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "none")
		w.Header().Set("Content-Length", "2048")
	}))
	defer ts.Close()

	capability, err := NewProber(ts.Client()).Probe(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.False(t, capability.SupportsRanges)
	assert.Equal(t, int64(2048), capability.TotalBytes)
}

func TestProbe_AdvertisedWithoutLength_RangeProbeRecoversTotal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// Ranges advertised but no Content-Length.
			w.Header().Set("Accept-Ranges", "bytes")

			return
		}

		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))

		w.Header().Set("Content-Range", "bytes 0-0/8192")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer ts.Close()

	capability, err := NewProber(ts.Client()).Probe(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.True(t, capability.SupportsRanges)
	assert.Equal(t, int64(8192), capability.TotalBytes, "total should be recovered from Content-Range")
}

func TestProbe_HeaderAbsent_RangeProbeConfirms(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No Accept-Ranges header, no length.
			return
		}

		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))

		w.Header().Set("Content-Range", "bytes 0-0/4096")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer ts.Close()

	capability, err := NewProber(ts.Client()).Probe(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.True(t, capability.SupportsRanges)
	assert.Equal(t, int64(4096), capability.TotalBytes, "total should be recovered from Content-Range")
}

func TestProbe_HeaderAbsent_ServerIgnoresRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "1024")

			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, strings.Repeat("x", 1024))
	}))
	defer ts.Close()

	capability, err := NewProber(ts.Client()).Probe(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.False(t, capability.SupportsRanges)
	assert.Equal(t, int64(1024), capability.TotalBytes)
}

func TestProbe_SourceUnavailable(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"not found", http.StatusNotFound},
		{"forbidden", http.StatusForbidden},
		{"server error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer ts.Close()

			_, err := NewProber(ts.Client()).Probe(context.Background(), ts.URL)

			var sourceErr *download.SourceUnavailableError
			require.True(t, errors.As(err, &sourceErr))
			assert.Equal(t, tt.statusCode, sourceErr.StatusCode)
		})
	}
}

func TestProbe_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // refuse connections

	_, err := NewProber(nil).Probe(context.Background(), ts.URL)

	var sourceErr *download.SourceUnavailableError
	require.True(t, errors.As(err, &sourceErr))
	assert.Zero(t, sourceErr.StatusCode)
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   int64
	}{
		{"bytes 0-0/4096", 4096},
		{"bytes 0-0/*", 0},
		{"", 0},
		{"garbage", 0},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, parseContentRangeTotal(tt.header))
		})
	}
}
