// Package registry is the authoritative catalog of ads: rows in the store,
// payloads in the blob store, and change notifications for kiosks.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"kioskads/internal/apperr"
	"kioskads/internal/blob"
	"kioskads/internal/model"
	"kioskads/internal/store"
)

// Notifier receives registry mutations after they commit. Implementations must
// not block.
type Notifier interface {
	AdCreated(ad model.Descriptor)
	AdDeleted(adID int64, scope model.Scope)
	ScopeChanged(ad model.Descriptor, from model.Scope)
	AdminRefresh()
}

type nopNotifier struct{}

func (nopNotifier) AdCreated(model.Descriptor)                 {}
func (nopNotifier) AdDeleted(int64, model.Scope)               {}
func (nopNotifier) ScopeChanged(model.Descriptor, model.Scope) {}
func (nopNotifier) AdminRefresh()                              {}

// Registry implements the ad catalog operations.
type Registry struct {
	rows    *store.Store
	blobs   blob.Store
	notify  Notifier
	logger  *slog.Logger
	baseURL string
	now     func() time.Time
	newRef  func() string
}

// Option customizes a Registry.
type Option func(*Registry)

// WithBaseURL sets the prefix of download locators.
func WithBaseURL(u string) Option { return func(r *Registry) { r.baseURL = u } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithNotifier installs the change notifier.
func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notify = n } }

// New builds a registry over the row and blob stores.
func New(rows *store.Store, blobs blob.Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		rows:   rows,
		blobs:  blobs,
		notify: nopNotifier{},
		logger: logger,
		now:    time.Now,
		newRef: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListFilter narrows List. Scope and ApplicableTo are mutually exclusive.
type ListFilter struct {
	Scope        *model.Scope
	ApplicableTo *int64
	MediaType    model.MediaType
}

// List returns descriptors ordered newest first.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]model.Descriptor, error) {
	if f.MediaType != "" && !f.MediaType.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown media type %q", f.MediaType))
	}
	if f.Scope != nil && f.ApplicableTo != nil {
		return nil, apperr.Validation("scope and kiosk filters are mutually exclusive")
	}
	ads, err := r.rows.ListAds(ctx, store.AdFilter{Scope: f.Scope, ApplicableTo: f.ApplicableTo, MediaType: f.MediaType})
	if err != nil {
		return nil, apperr.Storage("list ads", err)
	}
	for i := range ads {
		ads[i].DownloadURL = r.downloadURL(ads[i].Ad, 0)
	}
	return ads, nil
}

// Get returns one descriptor.
func (r *Registry) Get(ctx context.Context, id int64) (model.Descriptor, error) {
	ad, err := r.rows.GetAd(ctx, id)
	if err != nil {
		return model.Descriptor{}, storageUnlessCoded("get ad", err)
	}
	return r.describe(ctx, ad, 0), nil
}

// ApplicableSet returns every ad that is global or scoped to kioskID, kiosk-specific
// ads first. With includeMeta, hash, size and modification time are recomputed
// from the blob store and ads whose payload cannot be read are left out.
func (r *Registry) ApplicableSet(ctx context.Context, kioskID int64, includeMeta bool) (model.AdSet, error) {
	if kioskID <= 0 {
		return model.AdSet{}, apperr.Validation("kiosk id must be positive")
	}
	ads, err := r.rows.ApplicableAds(ctx, kioskID)
	if err != nil {
		return model.AdSet{}, apperr.Storage("applicable ads", err)
	}

	set := model.AdSet{KioskID: kioskID, Ads: make([]model.Descriptor, 0, len(ads)), Timestamp: r.now().UTC()}
	for _, ad := range ads {
		d := model.Descriptor{Ad: ad, DownloadURL: r.downloadURL(ad, kioskID)}
		if includeMeta {
			fresh, ok := r.freshMetadata(ctx, ad)
			if !ok {
				continue
			}
			d.ContentHash, d.ByteSize, d.LastModified = fresh.hash, fresh.size, &fresh.modified
		}
		set.Ads = append(set.Ads, d)
	}
	set.Count = len(set.Ads)
	return set, nil
}

// SyncDelta returns the part of kioskID's applicable set that changed after since:
// rows updated later, payloads modified later, or payloads whose recomputed hash
// no longer matches the row. A zero since returns the whole set.
func (r *Registry) SyncDelta(ctx context.Context, kioskID int64, since time.Time) (model.SyncDelta, error) {
	if kioskID <= 0 {
		return model.SyncDelta{}, apperr.Validation("kiosk id must be positive")
	}
	ads, err := r.rows.ApplicableAds(ctx, kioskID)
	if err != nil {
		return model.SyncDelta{}, apperr.Storage("applicable ads", err)
	}

	delta := model.SyncDelta{KioskID: kioskID, Timestamp: r.now().UTC(), Ads: []model.Descriptor{}}
	for _, ad := range ads {
		fresh, ok := r.freshMetadata(ctx, ad)
		if !ok {
			continue
		}
		changed := since.IsZero() ||
			ad.UpdatedAt.After(since) ||
			fresh.modified.After(since) ||
			fresh.hash != ad.ContentHash
		if !changed {
			continue
		}
		d := model.Descriptor{Ad: ad, DownloadURL: r.downloadURL(ad, kioskID), LastModified: &fresh.modified}
		d.ContentHash, d.ByteSize = fresh.hash, fresh.size
		delta.Ads = append(delta.Ads, d)
	}
	return delta, nil
}

// CheckForUpdates counts applicable ads whose row changed after since.
func (r *Registry) CheckForUpdates(ctx context.Context, kioskID int64, since time.Time) (model.UpdateCheck, error) {
	if kioskID <= 0 {
		return model.UpdateCheck{}, apperr.Validation("kiosk id must be positive")
	}
	n, err := r.rows.CountModifiedSince(ctx, kioskID, since)
	if err != nil {
		return model.UpdateCheck{}, apperr.Storage("count modified ads", err)
	}
	return model.UpdateCheck{KioskID: kioskID, HasUpdates: n > 0, ModifiedCount: n, LastChecked: r.now().UTC()}, nil
}

// UploadRequest carries a new ad's payload.
type UploadRequest struct {
	Body     io.Reader
	Size     int64 // -1 when unknown
	MIMEType string
	Scope    model.Scope
}

// Upload stores the payload, records the ad and announces it. Payload bytes
// already written are removed again when any later step fails.
func (r *Registry) Upload(ctx context.Context, req UploadRequest) (model.Descriptor, error) {
	mime := model.NormalizeMIME(req.MIMEType)
	media, ok := model.MediaTypeForMIME(mime)
	if !ok {
		return model.Descriptor{}, apperr.Validation(fmt.Sprintf("media type %q is not allowed", req.MIMEType))
	}
	if req.Body == nil || req.Size == 0 {
		return model.Descriptor{}, apperr.Validation("no file uploaded")
	}

	ref := fmt.Sprintf("%s_%s%s", media, r.newRef(), model.ExtensionForMIME(mime))
	hasher := model.NewContentHasher()
	counter := &countingReader{r: io.TeeReader(req.Body, hasher)}

	if err := r.blobs.Put(ctx, ref, counter, req.Size); err != nil {
		_ = r.blobs.Delete(context.WithoutCancel(ctx), ref)
		return model.Descriptor{}, storageUnlessCoded("store payload", err)
	}
	rollback := func() {
		if err := r.blobs.Delete(context.WithoutCancel(ctx), ref); err != nil {
			r.logger.Error("rollback uploaded payload", "ref", ref, "error", err)
		}
	}

	if counter.n == 0 {
		rollback()
		return model.Descriptor{}, apperr.Validation("uploaded file is empty")
	}

	if id, ok := req.Scope.KioskID(); ok {
		exists, err := r.rows.KioskExists(ctx, id)
		if err != nil {
			rollback()
			return model.Descriptor{}, apperr.Storage("check kiosk", err)
		}
		if !exists {
			rollback()
			return model.Descriptor{}, apperr.NotFound(fmt.Sprintf("kiosk %d not found", id))
		}
	}

	now := r.now().UTC()
	ad, err := r.rows.InsertAd(ctx, model.Ad{
		ContentRef:  ref,
		MediaType:   media,
		MIMEType:    mime,
		Scope:       req.Scope,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		ByteSize:    counter.n,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		rollback()
		return model.Descriptor{}, apperr.Storage("record ad", err)
	}

	d := r.describe(ctx, ad, 0)
	r.logger.Info("ad uploaded", "ad", ad.ID, "scope", ad.Scope.String(), "media", media, "bytes", ad.ByteSize)
	r.notify.AdCreated(d)
	return d, nil
}

// Delete removes the ad row and its payload, then announces the deletion on the
// channel of the scope the ad had.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	ad, err := r.rows.GetAd(ctx, id)
	if err != nil {
		return storageUnlessCoded("get ad", err)
	}
	if err := r.rows.DeleteAd(ctx, id); err != nil {
		return storageUnlessCoded("delete ad", err)
	}
	if err := r.blobs.Delete(ctx, ad.ContentRef); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		r.logger.Warn("delete ad payload", "ad", id, "ref", ad.ContentRef, "error", err)
	}

	r.logger.Info("ad deleted", "ad", id, "scope", ad.Scope.String())
	r.notify.AdDeleted(id, ad.Scope)
	return nil
}

// ReassignScope moves an ad to a new audience. Reassigning to the current
// scope changes nothing and announces nothing.
func (r *Registry) ReassignScope(ctx context.Context, id int64, scope model.Scope) (model.Descriptor, error) {
	ad, err := r.rows.GetAd(ctx, id)
	if err != nil {
		return model.Descriptor{}, storageUnlessCoded("get ad", err)
	}
	if kioskID, ok := scope.KioskID(); ok {
		if kioskID <= 0 {
			return model.Descriptor{}, apperr.Validation("kiosk id must be positive")
		}
		exists, err := r.rows.KioskExists(ctx, kioskID)
		if err != nil {
			return model.Descriptor{}, apperr.Storage("check kiosk", err)
		}
		if !exists {
			return model.Descriptor{}, apperr.NotFound(fmt.Sprintf("kiosk %d not found", kioskID))
		}
	}
	if ad.Scope == scope {
		return r.describe(ctx, ad, 0), nil
	}

	from := ad.Scope
	now := r.now().UTC()
	if err := r.rows.UpdateAdScope(ctx, id, scope, now); err != nil {
		return model.Descriptor{}, storageUnlessCoded("update ad scope", err)
	}
	ad.Scope = scope
	ad.UpdatedAt = now

	d := r.describe(ctx, ad, 0)
	r.logger.Info("ad reassigned", "ad", id, "from", from.String(), "to", scope.String())
	r.notify.ScopeChanged(d, from)
	return d, nil
}

// Download opens an ad's payload for requestingKiosk. Kiosk-scoped ads are only
// served to their own kiosk; 0 means the caller did not identify itself.
func (r *Registry) Download(ctx context.Context, id, requestingKiosk int64) (io.ReadCloser, model.Ad, error) {
	ad, err := r.rows.GetAd(ctx, id)
	if err != nil {
		return nil, model.Ad{}, storageUnlessCoded("get ad", err)
	}
	if !ad.Scope.AppliesTo(requestingKiosk) {
		return nil, model.Ad{}, apperr.Unauthorized(fmt.Sprintf("ad %d is not available to kiosk %d", id, requestingKiosk))
	}
	rc, err := r.blobs.Get(ctx, ad.ContentRef)
	if err != nil {
		return nil, model.Ad{}, storageUnlessCoded("open payload", err)
	}
	return rc, ad, nil
}

// ForceRefresh tells every connected kiosk to reconcile now.
func (r *Registry) ForceRefresh(context.Context) {
	r.logger.Info("admin refresh requested")
	r.notify.AdminRefresh()
}

// RegisterKiosk adds a kiosk that ads can be scoped to.
func (r *Registry) RegisterKiosk(ctx context.Context, name, location string) (model.Kiosk, error) {
	if name == "" {
		return model.Kiosk{}, apperr.Validation("kiosk name is required")
	}
	k, err := r.rows.CreateKiosk(ctx, name, location, r.now().UTC())
	if err != nil {
		return model.Kiosk{}, storageUnlessCoded("register kiosk", err)
	}
	r.logger.Info("kiosk registered", "kiosk", k.ID, "name", name)
	return k, nil
}

// ListKiosks returns every registered kiosk.
func (r *Registry) ListKiosks(ctx context.Context) ([]model.Kiosk, error) {
	kiosks, err := r.rows.ListKiosks(ctx)
	if err != nil {
		return nil, apperr.Storage("list kiosks", err)
	}
	if kiosks == nil {
		kiosks = []model.Kiosk{}
	}
	return kiosks, nil
}

// Ready reports whether the row store answers.
func (r *Registry) Ready(ctx context.Context) error {
	return r.rows.Ping(ctx)
}

type freshMeta struct {
	hash     string
	size     int64
	modified time.Time
}

func (r *Registry) freshMetadata(ctx context.Context, ad model.Ad) (freshMeta, bool) {
	info, err := r.blobs.Stat(ctx, ad.ContentRef)
	if err != nil {
		r.logger.Warn("ad payload unavailable", "ad", ad.ID, "ref", ad.ContentRef, "error", err)
		return freshMeta{}, false
	}
	rc, err := r.blobs.Get(ctx, ad.ContentRef)
	if err != nil {
		r.logger.Warn("ad payload unreadable", "ad", ad.ID, "ref", ad.ContentRef, "error", err)
		return freshMeta{}, false
	}
	defer rc.Close()

	sum, n, err := model.HashReader(rc)
	if err != nil {
		r.logger.Warn("hash ad payload", "ad", ad.ID, "ref", ad.ContentRef, "error", err)
		return freshMeta{}, false
	}
	if sum != ad.ContentHash {
		r.logger.Warn("ad payload hash mismatch", "ad", ad.ID, "stored", ad.ContentHash, "computed", sum)
	}
	return freshMeta{hash: sum, size: n, modified: info.LastModified.UTC()}, true
}

func (r *Registry) describe(ctx context.Context, ad model.Ad, kioskID int64) model.Descriptor {
	d := model.Descriptor{Ad: ad, DownloadURL: r.downloadURL(ad, kioskID)}
	if id, ok := ad.Scope.KioskID(); ok {
		if k, err := r.rows.GetKiosk(ctx, id); err == nil {
			d.KioskName = k.Name
		}
	}
	return d
}

func (r *Registry) downloadURL(ad model.Ad, kioskID int64) string {
	u := r.baseURL + "/ads/download/" + strconv.FormatInt(ad.ID, 10)
	if kioskID > 0 {
		u += "?" + url.Values{"kioskId": {strconv.FormatInt(kioskID, 10)}}.Encode()
	}
	return u
}

// storageUnlessCoded keeps categorized errors and files everything else under STORAGE.
func storageUnlessCoded(msg string, err error) error {
	if apperr.CodeOf(err) != "" {
		return err
	}
	return apperr.Storage(msg, err)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
