package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kioskads/internal/apperr"
	"kioskads/internal/model"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, 7, quietLogger(), WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := New("http://hub", 0, quietLogger())
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = New("hub:8080", 1, quietLogger())
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestApplicableSetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/ads/for-kiosk/7", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_metadata"))
		_ = json.NewEncoder(w).Encode(model.AdSet{KioskID: 7, Count: 1, Ads: []model.Descriptor{{Ad: model.Ad{ID: 3}}}})
	}))

	set, err := c.ApplicableSet(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, set.Ads, 1)
	assert.Equal(t, int64(3), set.Ads[0].ID)
}

func TestServerErrorsExhaustToTransient(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Bulk(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	cases := []struct {
		status int
		code   apperr.Code
	}{
		{http.StatusNotFound, apperr.CodeNotFound},
		{http.StatusForbidden, apperr.CodeUnauthorized},
		{http.StatusBadRequest, apperr.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			_, err := c.Open(context.Background(), 11)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(addr, 7, quietLogger(), WithRetry(2, time.Millisecond))
	require.NoError(t, err)
	_, err = c.CheckUpdates(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}

func TestOpenIdentifiesKiosk(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ads/download/11", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("kioskId"))
		_, _ = w.Write([]byte("payload"))
	}))

	rc, err := c.Open(context.Background(), 11)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
}

func TestSinceQueryParameters(t *testing.T) {
	since := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ads/check-updates/7":
			assert.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))
			_ = json.NewEncoder(w).Encode(model.UpdateCheck{KioskID: 7, HasUpdates: true, ModifiedCount: 2})
		case "/ads/sync-delta/7":
			assert.False(t, r.URL.Query().Has("since"))
			_ = json.NewEncoder(w).Encode(model.SyncDelta{KioskID: 7})
		default:
			http.NotFound(w, r)
		}
	}))

	check, err := c.CheckUpdates(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 2, check.ModifiedCount)

	delta, err := c.SyncDelta(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), delta.KioskID)
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Bulk(ctx)
	require.Error(t, err)
}
