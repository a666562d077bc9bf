// ABOUTME: Tests for the geolocation client using a local HTTP test server
// ABOUTME: Covers success, lookup failure, bad status, and IPv6 prefix stripping

package geo

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Run("successful lookup", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/203.0.113.5", r.URL.Path)
			w.Write([]byte(`{"status":"success","country":"Netherlands","city":"Amsterdam","lat":52.37,"lon":4.89}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, slog.Default())
		loc, err := c.Lookup(context.Background(), "203.0.113.5")
		require.NoError(t, err)

		assert.Equal(t, "Netherlands", loc.Country)
		assert.Equal(t, "Amsterdam", loc.City)
		assert.Equal(t, 52.37, loc.Lat)
		assert.Equal(t, 4.89, loc.Lon)
	})

	t.Run("strips IPv4-mapped prefix", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/203.0.113.5", r.URL.Path)
			w.Write([]byte(`{"status":"success","country":"Netherlands"}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, slog.Default())
		_, err := c.Lookup(context.Background(), "::ffff:203.0.113.5")
		require.NoError(t, err)
	})

	t.Run("lookup failure status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"fail","message":"private range"}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, slog.Default())
		_, err := c.Lookup(context.Background(), "10.0.0.1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "private range")
	})

	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, slog.Default())
		_, err := c.Lookup(context.Background(), "203.0.113.5")
		require.Error(t, err)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", 100*time.Millisecond, slog.Default())
		_, err := c.Lookup(context.Background(), "203.0.113.5")
		require.Error(t, err)
	})
}
