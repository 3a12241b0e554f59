package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kioskads/internal/blob"
	"kioskads/internal/model"
	"kioskads/internal/push"
	"kioskads/internal/registry"
	"kioskads/internal/store"
)

const testKey = "secret"

var pngPayload = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 64)...)

type apiFixture struct {
	srv      *httptest.Server
	presence *push.Tracker
}

func newAPIFixture(t *testing.T, maxUpload int64) *apiFixture {
	t.Helper()
	rows, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rows.Close() })
	require.NoError(t, rows.Migrate(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &apiFixture{presence: push.NewTracker(time.Minute, 16)}
	f.srv = httptest.NewServer(NewHandler(
		registry.New(rows, blob.NewMemory(), logger),
		f.presence, APIKeyAuthorizer{Key: testKey}, logger, maxUpload,
	))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func adminHeader() http.Header {
	return http.Header{"X-Api-Key": []string{testKey}}
}

func (f *apiFixture) upload(t *testing.T, payload []byte, kioskID string, header http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "ad.png")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	if kioskID != "" {
		require.NoError(t, mw.WriteField("kiosk_id", kioskID))
	}
	require.NoError(t, mw.Close())

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", mw.FormDataContentType())
	return f.do(t, http.MethodPost, "/ads/upload", &buf, h)
}

func (f *apiFixture) registerKiosk(t *testing.T, name string) model.Kiosk {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/kiosks", strings.NewReader(`{"name":"`+name+`","location":"gate 4"}`), adminHeader())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var k model.Kiosk
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&k))
	return k
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUploadSniffsTypeAndScopes(t *testing.T) {
	f := newAPIFixture(t, 0)
	k := f.registerKiosk(t, "lobby")

	resp := f.upload(t, pngPayload, "", adminHeader())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	global := decode[model.Descriptor](t, resp)
	assert.Equal(t, model.MediaImage, global.MediaType)
	assert.Equal(t, "image/png", global.MIMEType)
	assert.Equal(t, model.GlobalScope(), global.Scope)
	assert.Equal(t, model.HashBytes(pngPayload), global.ContentHash)

	resp = f.upload(t, pngPayload, "1", adminHeader())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	scoped := decode[model.Descriptor](t, resp)
	assert.Equal(t, model.KioskScope(k.ID), scoped.Scope)

	set := decode[model.AdSet](t, f.do(t, http.MethodGet, "/ads/for-kiosk/1", nil, nil))
	assert.Equal(t, 2, set.Count)
	assert.Equal(t, scoped.ID, set.Ads[0].ID, "kiosk-specific ads come first")

	other := decode[model.AdSet](t, f.do(t, http.MethodGet, "/ads/for-kiosk/2", nil, nil))
	require.Equal(t, 1, other.Count)
	assert.Equal(t, global.ID, other.Ads[0].ID)

	list := decode[struct {
		Ads   []model.Descriptor `json:"ads"`
		Count int                `json:"count"`
	}](t, f.do(t, http.MethodGet, "/ads?scope=global", nil, nil))
	assert.Equal(t, 1, list.Count)
}

func TestUploadRejections(t *testing.T) {
	f := newAPIFixture(t, 1024)

	resp := f.upload(t, pngPayload, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "missing api key")

	resp = f.upload(t, pngPayload, "99", adminHeader())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unknown kiosk")

	resp = f.upload(t, []byte("plain text is not an ad"), "", adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.upload(t, bytes.Repeat([]byte{1}, 4096), "", adminHeader())
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/ads/upload", strings.NewReader("x"), adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	list := decode[struct {
		Count int `json:"count"`
	}](t, f.do(t, http.MethodGet, "/ads", nil, nil))
	assert.Zero(t, list.Count)
}

func TestDownloadAuthorizationAndCaching(t *testing.T) {
	f := newAPIFixture(t, 0)
	f.registerKiosk(t, "lobby")
	f.registerKiosk(t, "food court")

	global := decode[model.Descriptor](t, f.upload(t, pngPayload, "", adminHeader()))
	scoped := decode[model.Descriptor](t, f.upload(t, pngPayload, "1", adminHeader()))

	resp := f.do(t, http.MethodGet, "/ads/download/"+itoa(global.ID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pngPayload, body)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=86400", resp.Header.Get("Cache-Control"))
	etag := resp.Header.Get("ETag")
	assert.Equal(t, `"`+global.ContentHash+`"`, etag)

	resp = f.do(t, http.MethodGet, "/ads/download/"+itoa(global.ID), nil, http.Header{"If-None-Match": []string{etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	path := "/ads/download/" + itoa(scoped.ID)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, path, nil, nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, path+"?kioskId=2", nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path+"?kioskId=1", nil, nil).StatusCode)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/ads/download/404", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/ads/download/abc", nil, nil).StatusCode)
}

func TestReassignBodyForms(t *testing.T) {
	f := newAPIFixture(t, 0)
	f.registerKiosk(t, "lobby")
	ad := decode[model.Descriptor](t, f.upload(t, pngPayload, "", adminHeader()))
	path := "/ads/" + itoa(ad.ID) + "/kiosks"

	cases := []struct {
		name   string
		body   string
		status int
		want   model.Scope
	}{
		{"kiosk ids array", `{"kiosk_ids":[1]}`, http.StatusOK, model.KioskScope(1)},
		{"null kiosk id", `{"kiosk_id":null}`, http.StatusOK, model.GlobalScope()},
		{"scalar kiosk id", `{"kiosk_id":1}`, http.StatusOK, model.KioskScope(1)},
		{"explicit scope", `{"scope":{"kind":"global"}}`, http.StatusOK, model.GlobalScope()},
		{"unknown kiosk", `{"kiosk_id":42}`, http.StatusNotFound, model.Scope{}},
		{"bad kiosk id", `{"kiosk_id":"x"}`, http.StatusBadRequest, model.Scope{}},
		{"bad json", `{`, http.StatusBadRequest, model.Scope{}},
		{"contradictory scope", `{"scope":{"kind":"global","kiosk_id":0}}`, http.StatusBadRequest, model.Scope{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPut, path, strings.NewReader(tc.body), adminHeader())
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.want, decode[model.Descriptor](t, resp).Scope)
			}
		})
	}

	resp := f.do(t, http.MethodPut, path, strings.NewReader(`{"kiosk_id":1}`), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCheckUpdatesAndSyncDelta(t *testing.T) {
	f := newAPIFixture(t, 0)
	before := time.Now().UTC().Add(-time.Minute)
	decode[model.Descriptor](t, f.upload(t, pngPayload, "", adminHeader()))

	resp := f.do(t, http.MethodGet, "/ads/check-updates/1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "since is required")

	resp = f.do(t, http.MethodGet, "/ads/check-updates/1?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	q := url.Values{"since": {before.Format(time.RFC3339Nano)}}.Encode()
	check := decode[model.UpdateCheck](t, f.do(t, http.MethodGet, "/ads/check-updates/1?"+q, nil, nil))
	assert.True(t, check.HasUpdates)
	assert.Equal(t, 1, check.ModifiedCount)

	later := url.Values{"last_sync": {time.Now().UTC().Add(time.Minute).Format(time.RFC3339Nano)}}.Encode()
	check = decode[model.UpdateCheck](t, f.do(t, http.MethodGet, "/ads/check-updates/1?"+later, nil, nil))
	assert.False(t, check.HasUpdates)

	delta := decode[model.SyncDelta](t, f.do(t, http.MethodGet, "/ads/sync-delta/1", nil, nil))
	require.Len(t, delta.Ads, 1)
	assert.NotEmpty(t, delta.Ads[0].DownloadURL)

	bulk := decode[model.AdSet](t, f.do(t, http.MethodGet, "/ads/bulk/1", nil, nil))
	require.Equal(t, 1, bulk.Count)
	require.NotNil(t, bulk.Ads[0].LastModified)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/ads/bulk/0", nil, nil).StatusCode)
}

func TestDeleteAndRefresh(t *testing.T) {
	f := newAPIFixture(t, 0)
	ad := decode[model.Descriptor](t, f.upload(t, pngPayload, "", adminHeader()))
	path := "/ads/" + itoa(ad.ID)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, path, nil, nil).StatusCode)

	resp := f.do(t, http.MethodDelete, path, nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int64{"deleted_id": ad.ID}, decode[map[string]int64](t, resp))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, nil, adminHeader()).StatusCode)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/ads/force-refresh", nil, adminHeader()).StatusCode)
}

func TestKioskStatusAndHealth(t *testing.T) {
	f := newAPIFixture(t, 0)
	now := time.Now().UTC()
	f.presence.Join(3, now)
	f.presence.Join(1, now)

	status := decode[struct {
		Kiosks []model.KioskPresence `json:"kiosks"`
		Count  int                   `json:"count"`
	}](t, f.do(t, http.MethodGet, "/kiosks/status", nil, nil))
	require.Equal(t, 2, status.Count)
	assert.Equal(t, int64(1), status.Kiosks[0].KioskID)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil, nil).StatusCode)

	resp := f.do(t, http.MethodPost, "/kiosks", strings.NewReader(`{"name":" "}`), adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKeyAuthorizer(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/ads/upload", nil)
	assert.NoError(t, APIKeyAuthorizer{}.AuthorizeAdmin(req))
	assert.Error(t, APIKeyAuthorizer{Key: "k"}.AuthorizeAdmin(req))
	req.Header.Set("X-API-Key", "k")
	assert.NoError(t, APIKeyAuthorizer{Key: "k"}.AuthorizeAdmin(req))
}

func TestParseScopeParam(t *testing.T) {
	s, err := parseScopeParam("GLOBAL")
	require.NoError(t, err)
	assert.Equal(t, model.GlobalScope(), s)

	s, err = parseScopeParam("kiosk:4")
	require.NoError(t, err)
	assert.Equal(t, model.KioskScope(4), s)

	s, err = parseScopeParam("9")
	require.NoError(t, err)
	assert.Equal(t, model.KioskScope(9), s)

	_, err = parseScopeParam("kiosk:-1")
	assert.Error(t, err)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
