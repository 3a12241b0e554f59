// Package cache keeps a kiosk's local copy of its applicable ad set in step
// with the registry, tolerating lost notifications and outages.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kioskads/internal/apperr"
	"kioskads/internal/model"
	"kioskads/internal/push"
)

// ErrHashMismatch marks a download whose bytes do not match the advertised hash.
var ErrHashMismatch = errors.New("content hash mismatch")

// Source is the slice of the Distribution API the manager needs.
type Source interface {
	ApplicableSet(ctx context.Context, includeMeta bool) (model.AdSet, error)
	Bulk(ctx context.Context) (model.AdSet, error)
	CheckUpdates(ctx context.Context, since time.Time) (model.UpdateCheck, error)
	Open(ctx context.Context, adID int64) (io.ReadCloser, error)
}

// Item is one playable entry of the cached set.
type Item struct {
	Ad        model.Descriptor
	LocalRef  string
	RemoteURL string
}

// Listener receives changes to the cached set. Calls are serialized and must
// not call back into the Manager.
type Listener interface {
	SetChanged(items []Item)
	Purged(adID int64)
}

type nopListener struct{}

func (nopListener) SetChanged([]Item) {}
func (nopListener) Purged(int64)      {}

// Options tunes a Manager.
type Options struct {
	KioskID           int64
	SpoolDir          string
	Workers           int
	StartupDelay      time.Duration
	ReconcileInterval time.Duration
	PollInterval      time.Duration
	Debounce          time.Duration
	Now               func() time.Time
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Result summarizes one reconciliation pass.
type Result struct {
	Downloaded int
	Unchanged  int
	Purged     int
	Failed     int
}

// Manager owns the cache store, the spool files handed to playback, and the
// reconciliation schedule.
type Manager struct {
	store  *Store
	src    Source
	logger *slog.Logger
	opts   Options

	listener Listener
	locks    *idLocks
	passMu   sync.Mutex
	// notifyMu orders set publications against purges; it is taken before any id lock.
	notifyMu sync.Mutex

	handlesMu sync.Mutex
	handles   map[int64]string

	triggers       chan string
	startupPending atomic.Bool
	passes         atomic.Int64
}

// NewManager builds a manager over an open store.
func NewManager(store *Store, src Source, logger *slog.Logger, opts Options) (*Manager, error) {
	if opts.KioskID <= 0 {
		return nil, apperr.Validation("kiosk id must be positive")
	}
	if opts.SpoolDir == "" {
		return nil, apperr.Validation("spool directory is required")
	}
	opts.defaults()
	if err := os.MkdirAll(opts.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Manager{
		store:    store,
		src:      src,
		logger:   logger,
		opts:     opts,
		listener: nopListener{},
		locks:    newIDLocks(),
		handles:  make(map[int64]string),
		triggers: make(chan string, 1),
	}, nil
}

// SetListener registers the consumer of set changes. It must be called before Start.
func (m *Manager) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	m.listener = l
}

// Start prepares the cache for playback. An empty cache is filled from the
// bulk endpoint right away; a populated one is published as-is and reconciled
// after the startup delay once Run is called.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.store.Count(ctx)
	if err != nil {
		return err
	}

	if n > 0 {
		m.logger.Info("serving cached ads", "count", n)
		m.startupPending.Store(true)
		m.publish(ctx)
		return nil
	}

	m.logger.Info("cache empty, fetching bulk set")
	res, err := m.sync(ctx, m.src.Bulk)
	if err != nil || res.Failed > 0 {
		m.logger.Warn("initial bulk download incomplete", "downloaded", res.Downloaded, "failed", res.Failed, "error", err)
		m.startupPending.Store(true)
	} else {
		m.logger.Info("initial bulk download complete", "downloaded", res.Downloaded)
	}
	if ctx.Err() == nil && res.Downloaded == 0 {
		m.publish(ctx)
	}
	return nil
}

// Reconcile makes the cache equal to the kiosk's current applicable set.
// Individual download failures are counted rather than returned; the sync
// cursor only advances after a pass with none.
func (m *Manager) Reconcile(ctx context.Context) (Result, error) {
	return m.sync(ctx, func(ctx context.Context) (model.AdSet, error) {
		return m.src.ApplicableSet(ctx, true)
	})
}

func (m *Manager) sync(ctx context.Context, fetch func(context.Context) (model.AdSet, error)) (Result, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	m.passes.Add(1)

	started := m.opts.Now().UTC()
	set, err := fetch(ctx)
	if err != nil {
		return Result{}, err
	}

	local, err := m.store.Hashes(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		res        Result
		downloaded atomic.Int64
		unchanged  atomic.Int64
		failed     atomic.Int64
	)
	remote := make(map[int64]struct{}, len(set.Ads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, d := range set.Ads {
		if !d.Scope.AppliesTo(m.opts.KioskID) {
			continue
		}
		remote[d.ID] = struct{}{}
		if hash, ok := local[d.ID]; ok && hash == d.ContentHash && m.hasHandle(d.ID) {
			unchanged.Add(1)
			continue
		}
		g.Go(func() error {
			fetched, err := m.ensure(gctx, d)
			switch {
			case err != nil:
				failed.Add(1)
				m.logger.Warn("ad download failed", "ad", d.ID, "error", err)
			case fetched:
				downloaded.Add(1)
			default:
				unchanged.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	for id := range local {
		if _, ok := remote[id]; ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		purged, err := m.purge(ctx, id, started)
		if err != nil {
			failed.Add(1)
			m.logger.Warn("purge failed", "ad", id, "error", err)
			continue
		}
		if purged {
			res.Purged++
		}
	}

	res.Downloaded = int(downloaded.Load())
	res.Unchanged = int(unchanged.Load())
	res.Failed = int(failed.Load())

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if res.Downloaded > 0 || res.Purged > 0 {
		m.publish(ctx)
	}

	if res.Failed == 0 {
		at := set.Timestamp
		if at.IsZero() {
			at = started
		}
		if _, err := m.store.AdvanceCursor(ctx, at); err != nil {
			return res, err
		}
	}
	m.logger.Info("reconciled cache",
		"downloaded", res.Downloaded, "unchanged", res.Unchanged,
		"purged", res.Purged, "failed", res.Failed)
	return res, nil
}

// HandleEvent applies one push notification. Reconcile-only notifications just
// schedule a pass.
func (m *Manager) HandleEvent(ctx context.Context, ev push.Event) error {
	if err := ev.Validate(); err != nil {
		return apperr.Validation(err.Error())
	}

	switch ev.Type {
	case push.EventAdded:
		d := *ev.Ad
		if !d.Scope.AppliesTo(m.opts.KioskID) {
			m.logger.Debug("ignoring ad for another kiosk", "ad", d.ID, "scope", d.Scope.String())
			return nil
		}
		fetched, err := m.ensure(ctx, d)
		if err != nil {
			return err
		}
		if fetched {
			m.logger.Info("ad added", "ad", d.ID)
			m.publish(ctx)
		}
	case push.EventDeleted:
		purged, err := m.purge(ctx, ev.AdID, time.Time{})
		if err != nil {
			return err
		}
		if purged {
			m.logger.Info("ad removed", "ad", ev.AdID)
			m.publish(ctx)
		}
	case push.EventUpdated, push.EventAdminRefresh:
		m.Trigger(string(ev.Type))
	}
	return nil
}

// Trigger requests a reconciliation. Requests arriving within the debounce
// window are coalesced.
func (m *Manager) Trigger(reason string) {
	select {
	case m.triggers <- reason:
	default:
	}
}

// NotifyReconnected schedules a pass to catch up on notifications missed while
// the push channel was down.
func (m *Manager) NotifyReconnected() { m.Trigger("reconnected") }

type pass struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Run drives periodic reconciliation, update polling and triggered passes
// until ctx is cancelled. A triggered pass cancels one already in flight.
func (m *Manager) Run(ctx context.Context) error {
	reconcileTicker := time.NewTicker(m.opts.ReconcileInterval)
	defer reconcileTicker.Stop()
	pollTicker := time.NewTicker(m.opts.PollInterval)
	defer pollTicker.Stop()

	var startup <-chan time.Time
	if m.startupPending.Swap(false) {
		timer := time.NewTimer(m.opts.StartupDelay)
		defer timer.Stop()
		startup = timer.C
	}

	var current *pass
	startPass := func(reason string, preempt bool) {
		if current != nil {
			select {
			case <-current.done:
			default:
				if !preempt {
					m.logger.Debug("reconciliation already running", "reason", reason)
					return
				}
				current.cancel()
				<-current.done
			}
		}
		pctx, cancel := context.WithCancel(ctx)
		p := &pass{cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(p.done)
			defer cancel()
			if _, err := m.Reconcile(pctx); err != nil && pctx.Err() == nil {
				m.logger.Warn("reconciliation failed", "reason", reason, "error", err)
			}
		}()
		current = p
	}
	defer func() {
		if current != nil {
			current.cancel()
			<-current.done
		}
	}()

	var (
		debounce      <-chan time.Time
		pendingReason string
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-startup:
			startup = nil
			startPass("startup", false)
		case <-reconcileTicker.C:
			startPass("periodic", false)
		case <-pollTicker.C:
			if m.poll(ctx) {
				m.Trigger("poll")
			}
		case reason := <-m.triggers:
			pendingReason = reason
			debounce = time.After(m.opts.Debounce)
		case <-debounce:
			debounce = nil
			startPass(pendingReason, true)
		}
	}
}

// poll asks the server whether anything changed since the last clean pass.
func (m *Manager) poll(ctx context.Context) bool {
	since, err := m.store.Cursor(ctx)
	if err != nil {
		m.logger.Warn("read sync cursor", "error", err)
		return false
	}
	if since.IsZero() {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.PollInterval)
	defer cancel()
	check, err := m.src.CheckUpdates(pctx, since)
	if err != nil {
		m.logger.Debug("update check failed", "error", err)
		return false
	}
	return check.HasUpdates
}

// ensure makes d present in the cache with its advertised hash. It reports
// whether bytes were downloaded.
func (m *Manager) ensure(ctx context.Context, d model.Descriptor) (bool, error) {
	unlock := m.locks.lock(d.ID)
	defer unlock()

	if e, err := m.store.Get(ctx, d.ID); err == nil && e.Descriptor.ContentHash == d.ContentHash {
		if _, err := m.handleLocked(ctx, d.ID); err != nil {
			return false, err
		}
		return false, nil
	}

	path, payload, err := m.download(ctx, d)
	if err != nil {
		return false, err
	}
	d.ByteSize = int64(len(payload))
	if err := m.store.Put(ctx, d, payload, m.opts.Now()); err != nil {
		os.Remove(path)
		return false, err
	}
	m.swapHandle(d.ID, path)
	return true, nil
}

// download fetches d into a new spool file and verifies its hash.
func (m *Manager) download(ctx context.Context, d model.Descriptor) (string, []byte, error) {
	rc, err := m.src.Open(ctx, d.ID)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(m.opts.SpoolDir, fmt.Sprintf("ad-%d-*.part", d.ID))
	if err != nil {
		return "", nil, apperr.Storage("create spool file", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hasher := model.NewContentHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), rc); err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, apperr.Transient(fmt.Sprintf("download ad %d", d.ID), err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); d.ContentHash != "" && got != d.ContentHash {
		return "", nil, fmt.Errorf("ad %d: %w (want %s, got %s)", d.ID, ErrHashMismatch, d.ContentHash, got)
	}
	if err := tmp.Close(); err != nil {
		return "", nil, apperr.Storage("close spool file", err)
	}

	payload, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", nil, apperr.Storage("read spool file", err)
	}
	final := m.spoolPath(d)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", nil, apperr.Storage("commit spool file", err)
	}
	committed = true
	return final, payload, nil
}

// purge removes id and releases its handle. With a non-zero notAfter, entries
// cached after that instant are kept; they arrived while a pass was running.
func (m *Manager) purge(ctx context.Context, id int64, notAfter time.Time) (bool, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	removed, err := m.purgeLocked(ctx, id, notAfter)
	if removed {
		m.listener.Purged(id)
	}
	return removed, err
}

func (m *Manager) purgeLocked(ctx context.Context, id int64, notAfter time.Time) (bool, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	if !notAfter.IsZero() {
		e, err := m.store.Get(ctx, id)
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if e.CachedAt.After(notAfter) {
			return false, nil
		}
	}

	removed, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	m.releaseHandle(id)
	return removed, nil
}

// Playlist returns the cached set in playback order with local file handles.
// Entries purged while the list is built are left out.
func (m *Manager) Playlist(ctx context.Context) ([]Item, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		unlock := m.locks.lock(e.ID())
		path, err := m.handleLocked(ctx, e.ID())
		unlock()
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			continue
		}
		if err != nil {
			m.logger.Warn("materialize cached ad", "ad", e.ID(), "error", err)
			path = ""
		}
		items = append(items, Item{Ad: e.Descriptor, LocalRef: path, RemoteURL: e.Descriptor.DownloadURL})
	}
	return items, nil
}

// Handle returns the spool file currently backing id, if any.
func (m *Manager) Handle(id int64) (string, bool) {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	path, ok := m.handles[id]
	return path, ok
}

// Passes counts reconciliation passes started so far.
func (m *Manager) Passes() int64 { return m.passes.Load() }

// Close releases every spool file.
func (m *Manager) Close() {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	for id, path := range m.handles {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("release spool file", "ad", id, "error", err)
		}
		delete(m.handles, id)
	}
}

func (m *Manager) publish(ctx context.Context) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	items, err := m.Playlist(ctx)
	if err != nil {
		m.logger.Warn("build playlist", "error", err)
		return
	}
	m.listener.SetChanged(items)
}

func (m *Manager) hasHandle(id int64) bool {
	_, ok := m.Handle(id)
	return ok
}

// handleLocked returns id's spool file, writing it from the stored payload when
// it does not exist yet. The caller holds id's lock, so a purged entry reports
// NotFound instead of being written back.
func (m *Manager) handleLocked(ctx context.Context, id int64) (string, error) {
	if path, ok := m.Handle(id); ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	payload, err := m.store.Payload(ctx, id)
	if err != nil {
		return "", err
	}
	path := m.spoolPath(e.Descriptor)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", apperr.Storage("write spool file", err)
	}
	m.swapHandle(id, path)
	return path, nil
}

func (m *Manager) swapHandle(id int64, path string) {
	m.handlesMu.Lock()
	old, ok := m.handles[id]
	m.handles[id] = path
	m.handlesMu.Unlock()
	if ok && old != path {
		os.Remove(old)
	}
}

func (m *Manager) releaseHandle(id int64) {
	m.handlesMu.Lock()
	path, ok := m.handles[id]
	delete(m.handles, id)
	m.handlesMu.Unlock()
	if ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("release spool file", "ad", id, "error", err)
		}
	}
}

func (m *Manager) spoolPath(d model.Descriptor) string {
	hash := d.ContentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return filepath.Join(m.opts.SpoolDir, fmt.Sprintf("ad-%d-%s%s", d.ID, hash, model.ExtensionForMIME(d.MIMEType)))
}
