package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kioskads/internal/apperr"
	"kioskads/internal/model"
	"kioskads/internal/push"
	"kioskads/internal/registry"
)

const (
	requestTimeout   = 5 * time.Second
	multipartMemory  = 32 << 20
	downloadMaxAge   = "public, max-age=86400"
	defaultUploadCap = 200 << 20
)

// api is the Distribution API over a Registry.
type api struct {
	reg       *registry.Registry
	presence  *push.Tracker
	auth      Authorizer
	logger    *slog.Logger
	maxUpload int64
}

func newAPI(reg *registry.Registry, presence *push.Tracker, auth Authorizer, logger *slog.Logger, maxUpload int64) *api {
	if auth == nil {
		auth = APIKeyAuthorizer{}
	}
	if maxUpload <= 0 {
		maxUpload = defaultUploadCap
	}
	return &api{reg: reg, presence: presence, auth: auth, logger: logger, maxUpload: maxUpload}
}

// NewHandler returns the Distribution API router. It is what Run serves and
// what kiosk client tests run against.
func NewHandler(reg *registry.Registry, presence *push.Tracker, auth Authorizer, logger *slog.Logger, maxUpload int64) http.Handler {
	return newAPI(reg, presence, auth, logger, maxUpload).routes()
}

func (h *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	mux.HandleFunc("GET /ads", h.handleList)
	mux.HandleFunc("GET /ads/{id}", h.handleGet)
	mux.HandleFunc("GET /ads/for-kiosk/{kioskId}", h.handleForKiosk)
	mux.HandleFunc("GET /ads/sync-delta/{kioskId}", h.handleSyncDelta)
	mux.HandleFunc("GET /ads/bulk/{kioskId}", h.handleBulk)
	mux.HandleFunc("GET /ads/check-updates/{kioskId}", h.handleCheckUpdates)
	mux.HandleFunc("GET /ads/download/{id}", h.handleDownload)
	mux.HandleFunc("POST /ads/upload", h.admin(h.handleUpload))
	mux.HandleFunc("PUT /ads/{id}/kiosks", h.admin(h.handleReassign))
	mux.HandleFunc("POST /ads/force-refresh", h.admin(h.handleForceRefresh))
	mux.HandleFunc("DELETE /ads/{id}", h.admin(h.handleDelete))

	mux.HandleFunc("GET /kiosks", h.handleListKiosks)
	mux.HandleFunc("POST /kiosks", h.admin(h.handleRegisterKiosk))
	mux.HandleFunc("GET /kiosks/status", h.handleKioskStatus)
	return mux
}

func (h *api) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.auth.AuthorizeAdmin(r); err != nil {
			h.writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

func (h *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *api) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.reg.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *api) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f registry.ListFilter

	if v := q.Get("scope"); v != "" {
		scope, err := parseScopeParam(v)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.Scope = &scope
	}
	if v := q.Get("kiosk_id"); v != "" {
		id, err := parseID(v, "kiosk_id")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.ApplicableTo = &id
	}
	f.MediaType = model.MediaType(q.Get("type"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ads, err := h.reg.List(ctx, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Ads   []model.Descriptor `json:"ads"`
		Count int                `json:"count"`
	}{ads, len(ads)})
}

func (h *api) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"), "ad id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	d, err := h.reg.Get(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *api) handleForKiosk(w http.ResponseWriter, r *http.Request) {
	h.serveApplicableSet(w, r, r.URL.Query().Get("include_metadata") == "true")
}

func (h *api) handleBulk(w http.ResponseWriter, r *http.Request) {
	h.serveApplicableSet(w, r, true)
}

func (h *api) serveApplicableSet(w http.ResponseWriter, r *http.Request, includeMeta bool) {
	kioskID, err := parseID(r.PathValue("kioskId"), "kiosk id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Recomputing hashes reads every payload, so allow longer than a row query.
	ctx, cancel := context.WithTimeout(r.Context(), 6*requestTimeout)
	defer cancel()

	set, err := h.reg.ApplicableSet(ctx, kioskID, includeMeta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *api) handleSyncDelta(w http.ResponseWriter, r *http.Request) {
	kioskID, err := parseID(r.PathValue("kioskId"), "kiosk id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	since, _, err := parseSince(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 6*requestTimeout)
	defer cancel()

	delta, err := h.reg.SyncDelta(ctx, kioskID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (h *api) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	kioskID, err := parseID(r.PathValue("kioskId"), "kiosk id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	since, ok, err := parseSince(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, apperr.Validation("since is required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	check, err := h.reg.CheckForUpdates(ctx, kioskID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"), "ad id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var kioskID int64
	if v := r.URL.Query().Get("kioskId"); v != "" {
		if kioskID, err = parseID(v, "kioskId"); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	rc, ad, err := h.reg.Download(r.Context(), id, kioskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	etag := strconv.Quote(ad.ContentHash)
	w.Header().Set("Content-Type", ad.MIMEType)
	w.Header().Set("Cache-Control", downloadMaxAge)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(ad.ByteSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted", "ad", id, "kiosk", kioskID, "error", err)
	}
}

func (h *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload exceeds size limit"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload exceeds size limit"})
			return
		}
		h.writeError(w, r, apperr.Validation("expected a multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, apperr.Validation("no file uploaded"))
		return
	}
	defer file.Close()

	scope := model.GlobalScope()
	if v := strings.TrimSpace(r.FormValue("kiosk_id")); v != "" && v != "null" {
		id, err := parseID(v, "kiosk_id")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		scope = model.KioskScope(id)
	}

	mime, err := uploadMIME(file, header)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	d, err := h.reg.Upload(ctx, registry.UploadRequest{
		Body:     file,
		Size:     header.Size,
		MIMEType: mime,
		Scope:    scope,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// uploadMIME trusts the part's declared type unless it is missing or generic,
// in which case the content is sniffed.
func uploadMIME(file multipart.File, header *multipart.FileHeader) (string, error) {
	declared := model.NormalizeMIME(header.Header.Get("Content-Type"))
	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}
	buf := make([]byte, 512)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", apperr.Validation("unreadable upload")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", apperr.Storage("rewind upload", err)
	}
	return model.NormalizeMIME(http.DetectContentType(buf[:n])), nil
}

type reassignRequest struct {
	Scope    *model.Scope    `json:"scope"`
	KioskID  json.RawMessage `json:"kiosk_id"`
	KioskIDs []int64         `json:"kiosk_ids"`
}

// target accepts {"scope":{...}}, {"kiosk_id":7|null} or {"kiosk_ids":[7]}.
// Only the first of kiosk_ids is used since an ad targets at most one kiosk.
func (req reassignRequest) target() (model.Scope, error) {
	switch {
	case req.Scope != nil:
		return *req.Scope, nil
	case len(req.KioskID) > 0:
		if string(req.KioskID) == "null" {
			return model.GlobalScope(), nil
		}
		var id int64
		if err := json.Unmarshal(req.KioskID, &id); err != nil || id <= 0 {
			return model.Scope{}, apperr.Validation("kiosk_id must be a positive integer or null")
		}
		return model.KioskScope(id), nil
	case req.KioskIDs != nil:
		if len(req.KioskIDs) == 0 {
			return model.GlobalScope(), nil
		}
		if req.KioskIDs[0] <= 0 {
			return model.Scope{}, apperr.Validation("kiosk_ids must hold positive integers")
		}
		return model.KioskScope(req.KioskIDs[0]), nil
	default:
		return model.GlobalScope(), nil
	}
}

func (h *api) handleReassign(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"), "ad id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req reassignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation(fmt.Sprintf("invalid scope: %v", err)))
		return
	}
	scope, err := req.target()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	d, err := h.reg.ReassignScope(ctx, id, scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *api) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	h.reg.ForceRefresh(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"), "ad id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.reg.Delete(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_id": id})
}

func (h *api) handleListKiosks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	kiosks, err := h.reg.ListKiosks(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Kiosk{"kiosks": kiosks})
}

func (h *api) handleRegisterKiosk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("invalid payload"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	k, err := h.reg.RegisterKiosk(ctx, strings.TrimSpace(req.Name), strings.TrimSpace(req.Location))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (h *api) handleKioskStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.presence.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		Kiosks []model.KioskPresence `json:"kiosks"`
		Count  int                   `json:"count"`
	}{snap, len(snap)})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeStorage
	}
	status := code.HTTPStatus()
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		var e *apperr.Error
		if errors.As(err, &e) {
			msg = e.Message
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseID(v, what string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(fmt.Sprintf("%s must be a positive integer", what))
	}
	return id, nil
}

// parseScopeParam accepts "global", "kiosk:<id>" or a bare kiosk id.
func parseScopeParam(v string) (model.Scope, error) {
	if strings.EqualFold(v, "global") {
		return model.GlobalScope(), nil
	}
	id, err := parseID(strings.TrimPrefix(strings.ToLower(v), "kiosk:"), "scope")
	if err != nil {
		return model.Scope{}, err
	}
	return model.KioskScope(id), nil
}

// parseSince reads since (or the older last_sync) as an RFC 3339 timestamp.
func parseSince(r *http.Request) (time.Time, bool, error) {
	q := r.URL.Query()
	v := q.Get("since")
	if v == "" {
		v = q.Get("last_sync")
	}
	if v == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, apperr.Validation("since must be an RFC 3339 timestamp")
	}
	return ts.UTC(), true, nil
}
