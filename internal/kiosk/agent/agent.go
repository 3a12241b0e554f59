// Package agent assembles the kiosk-side components from an agent profile.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"kioskads/internal/apperr"
	"kioskads/internal/config"
	"kioskads/internal/discovery"
	"kioskads/internal/kiosk/apiclient"
	"kioskads/internal/kiosk/cache"
	"kioskads/internal/kiosk/playback"
	"kioskads/internal/kiosk/pushclient"
	"kioskads/internal/model"
)

const defaultMQTTPort = "1883"

// Agent runs one kiosk.
type Agent struct {
	cfg    config.AgentConfig
	logger *slog.Logger

	// Surface renders playback; nil means a LogSurface.
	Surface playback.Surface

	engine atomic.Pointer[playback.Engine]

	resolveInitial time.Duration
	resolveMax     time.Duration
}

// New returns an agent for cfg.
func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{cfg: cfg, logger: logger, resolveInitial: time.Second, resolveMax: time.Minute}
}

// Endpoints are the resolved server addresses.
type Endpoints struct {
	ServerURL string
	BrokerURL string
}

// Resolve returns the configured endpoints, browsing mDNS when no server URL
// is set. A missing broker URL is derived from the server host.
func (a *Agent) Resolve(ctx context.Context) (Endpoints, error) {
	ep := Endpoints{ServerURL: a.cfg.ServerURL, BrokerURL: a.cfg.BrokerURL}
	if ep.ServerURL == "" {
		a.logger.Info("browsing for ad sync server", "timeout", a.cfg.DiscoveryTimeout)
		found, err := discovery.Browse(ctx, a.cfg.DiscoveryTimeout)
		if err != nil {
			return Endpoints{}, err
		}
		a.logger.Info("discovered ad sync server", "instance", found.Instance, "url", found.ServerURL)
		ep.ServerURL = found.ServerURL
		if ep.BrokerURL == "" {
			ep.BrokerURL = found.BrokerURL
		}
	}
	if ep.BrokerURL == "" {
		u, err := url.Parse(ep.ServerURL)
		if err != nil || u.Hostname() == "" {
			return Endpoints{}, apperr.Validation(fmt.Sprintf("cannot derive broker from server url %q", ep.ServerURL))
		}
		ep.BrokerURL = "tcp://" + net.JoinHostPort(u.Hostname(), defaultMQTTPort)
	}
	return ep, nil
}

// resolveUntilFound retries Resolve with backoff until it succeeds, the
// endpoints turn out to be unusable, or ctx is cancelled.
func (a *Agent) resolveUntilFound(ctx context.Context) (Endpoints, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.resolveInitial
	policy.MaxInterval = a.resolveMax

	return backoff.Retry(ctx, func() (Endpoints, error) {
		ep, err := a.Resolve(ctx)
		switch {
		case err == nil:
			return ep, nil
		case ctx.Err() != nil:
			return Endpoints{}, backoff.Permanent(ctx.Err())
		case apperr.CodeOf(err) == apperr.CodeValidation:
			return Endpoints{}, backoff.Permanent(err)
		}
		return Endpoints{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.logger.Warn("ad sync server not reachable, playing cached ads", "error", err, "retry_in", wait)
		}),
	)
}

func (a *Agent) newClient(serverURL string) (*apiclient.Client, error) {
	return apiclient.New(serverURL, a.cfg.KioskID, a.logger,
		apiclient.WithHTTPClient(&http.Client{Timeout: a.cfg.RequestTimeout}))
}

var errUnresolved = errors.New("ad sync server not resolved yet")

// pendingSource stands in for the API client until a server has been found.
// Until then every call fails as a transient network error.
type pendingSource struct {
	client atomic.Pointer[apiclient.Client]
}

func (s *pendingSource) get() (*apiclient.Client, error) {
	if c := s.client.Load(); c != nil {
		return c, nil
	}
	return nil, apperr.Transient("no server", errUnresolved)
}

func (s *pendingSource) ApplicableSet(ctx context.Context, includeMeta bool) (model.AdSet, error) {
	c, err := s.get()
	if err != nil {
		return model.AdSet{}, err
	}
	return c.ApplicableSet(ctx, includeMeta)
}

func (s *pendingSource) Bulk(ctx context.Context) (model.AdSet, error) {
	c, err := s.get()
	if err != nil {
		return model.AdSet{}, err
	}
	return c.Bulk(ctx)
}

func (s *pendingSource) CheckUpdates(ctx context.Context, since time.Time) (model.UpdateCheck, error) {
	c, err := s.get()
	if err != nil {
		return model.UpdateCheck{}, err
	}
	return c.CheckUpdates(ctx, since)
}

func (s *pendingSource) Open(ctx context.Context, adID int64) (io.ReadCloser, error) {
	c, err := s.get()
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, adID)
}

type parts struct {
	client  *apiclient.Client
	store   *cache.Store
	manager *cache.Manager
}

func (p *parts) close() {
	if p.manager != nil {
		p.manager.Close()
	}
	if p.store != nil {
		p.store.Close()
	}
}

// build opens the cache store and its manager over src.
func (a *Agent) build(ctx context.Context, src cache.Source) (*parts, error) {
	store, err := cache.OpenStore(ctx, a.cfg.CacheDir, a.cfg.KioskID)
	if err != nil {
		return nil, err
	}
	p := &parts{store: store}

	p.manager, err = cache.NewManager(store, src, a.logger, cache.Options{
		KioskID:           a.cfg.KioskID,
		SpoolDir:          filepath.Join(a.cfg.CacheDir, fmt.Sprintf("spool-%d", a.cfg.KioskID)),
		Workers:           a.cfg.DownloadWorkers,
		StartupDelay:      a.cfg.StartupDelay,
		ReconcileInterval: a.cfg.ReconcileInterval,
		PollInterval:      a.cfg.PollInterval,
		Debounce:          a.cfg.Debounce,
	})
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

// buildConnected resolves the server and builds the parts against it.
func (a *Agent) buildConnected(ctx context.Context) (*parts, Endpoints, error) {
	ep, err := a.Resolve(ctx)
	if err != nil {
		return nil, Endpoints{}, err
	}
	client, err := a.newClient(ep.ServerURL)
	if err != nil {
		return nil, Endpoints{}, err
	}
	p, err := a.build(ctx, client)
	if err != nil {
		return nil, Endpoints{}, err
	}
	p.client = client
	return p, ep, nil
}

// Run plays the cached set and keeps it in sync until ctx is cancelled.
// Playback starts from the local cache before any server is reached; the
// server is then resolved in the background and outages never stop playback.
func (a *Agent) Run(ctx context.Context) error {
	src := &pendingSource{}
	p, err := a.build(ctx, src)
	if err != nil {
		return err
	}
	defer p.close()

	// A configured server needs no network lookup, so the first pass can use it.
	var (
		ep       Endpoints
		resolved bool
	)
	if a.cfg.ServerURL != "" {
		if ep, err = a.Resolve(ctx); err != nil {
			return err
		}
		client, err := a.newClient(ep.ServerURL)
		if err != nil {
			return err
		}
		src.client.Store(client)
		resolved = true
	}

	surface := a.Surface
	if surface == nil {
		surface = playback.NewLogSurface(a.logger)
	}
	engine := playback.New(surface, playback.SystemClock{}, a.logger, playback.Options{
		ImageDwell:    a.cfg.ImageDwell,
		VideoBackstop: a.cfg.VideoBackstop,
		DefaultAsset:  a.cfg.DefaultAssetPath,
	})
	a.engine.Store(engine)
	defer a.engine.Store(nil)
	p.manager.SetListener(engine)

	if err := p.manager.Start(ctx); err != nil {
		return fmt.Errorf("start cache: %w", err)
	}
	engine.Start()
	defer engine.Stop()

	a.logger.Info("kiosk agent running", "kiosk", a.cfg.KioskID, "server", ep.ServerURL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.manager.Run(gctx) })
	g.Go(func() error {
		if !resolved {
			found, err := a.resolveUntilFound(gctx)
			if err != nil {
				if gctx.Err() == nil {
					a.logger.Error("giving up on the ad sync server, playing cached ads only", "error", err)
				}
				return nil
			}
			client, err := a.newClient(found.ServerURL)
			if err != nil {
				a.logger.Error("giving up on the ad sync server, playing cached ads only", "error", err)
				return nil
			}
			ep = found
			src.client.Store(client)
			a.logger.Info("ad sync server resolved", "server", ep.ServerURL, "broker", ep.BrokerURL)
			p.manager.Trigger("server resolved")
		}
		return a.follow(gctx, ep, p.manager)
	})
	return g.Wait()
}

// follow subscribes to the push channel and feeds events to the manager.
func (a *Agent) follow(ctx context.Context, ep Endpoints, manager *cache.Manager) error {
	pusher, err := pushclient.New(pushclient.Options{
		BrokerURL: ep.BrokerURL,
		KioskID:   a.cfg.KioskID,
		Heartbeat: a.cfg.HeartbeatInterval,
	}, manager, a.logger)
	if err != nil {
		a.logger.Error("push channel unavailable, relying on reconciliation", "broker", ep.BrokerURL, "error", err)
		return nil
	}
	return pusher.Run(ctx)
}

// Engine returns the playback engine of a running agent, or nil.
func (a *Agent) Engine() *playback.Engine { return a.engine.Load() }

// SyncOnce performs one reconciliation pass and returns its result.
func (a *Agent) SyncOnce(ctx context.Context) (cache.Result, error) {
	p, _, err := a.buildConnected(ctx)
	if err != nil {
		return cache.Result{}, err
	}
	defer p.close()
	return p.manager.Reconcile(ctx)
}

// CheckReport is what the check command prints.
type CheckReport struct {
	KioskID int64             `json:"kiosk_id"`
	Server  string            `json:"server"`
	Since   time.Time         `json:"since"`
	Cached  int               `json:"cached"`
	Updates model.UpdateCheck `json:"updates"`
	Delta   model.SyncDelta   `json:"delta"`
}

// Check compares the local cache with the server without changing either.
func (a *Agent) Check(ctx context.Context) (CheckReport, error) {
	p, ep, err := a.buildConnected(ctx)
	if err != nil {
		return CheckReport{}, err
	}
	defer p.close()

	since, err := p.store.Cursor(ctx)
	if err != nil {
		return CheckReport{}, err
	}
	cached, err := p.store.Count(ctx)
	if err != nil {
		return CheckReport{}, err
	}
	report := CheckReport{KioskID: a.cfg.KioskID, Server: ep.ServerURL, Since: since, Cached: cached}

	if report.Updates, err = p.client.CheckUpdates(ctx, since); err != nil {
		return CheckReport{}, err
	}
	if report.Delta, err = p.client.SyncDelta(ctx, since); err != nil {
		return CheckReport{}, err
	}
	return report, nil
}
