package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"kioskads/internal/blob"
	"kioskads/internal/config"
	"kioskads/internal/mqttbroker"
	"kioskads/internal/push"
	"kioskads/internal/registry"
	"kioskads/internal/store"
)

// App wires together the ad distribution services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	broker     *mqttbroker.Broker
	dispatcher *push.Dispatcher
	presence   *push.Tracker
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		presence: push.NewTracker(cfg.PresenceTTL, cfg.PresenceCapacity),
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.Migrate(ctx); err != nil {
		return err
	}

	blobs, err := blob.NewFromConfig(ctx, a.cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	a.logger.Info("blob store ready", "backend", a.cfg.Blob.Backend)

	broker := mqttbroker.New(a.logger)
	broker.SetPublishHandler(a.handleMQTTPublish)
	broker.SetSessionHooks(nil, a.handleMQTTDisconnect)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	a.dispatcher = push.NewDispatcher(broker, a.logger, a.cfg.PushQueueSize)

	reg := registry.New(a.store, blobs, a.logger,
		registry.WithBaseURL(a.cfg.BaseURL()),
		registry.WithNotifier(a.dispatcher),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           NewHandler(reg, a.presence, APIKeyAuthorizer{Key: a.cfg.AdminAPIKey}, a.logger, a.cfg.MaxUploadBytes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(mqttPort(broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweepPresence(sweepCtx)
	}()

	shutdown := func() error {
		stopSweep()
		<-sweepDone
		a.stopMDNS()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		herr := httpServer.Shutdown(shutdownCtx)
		if herr == nil {
			a.logger.Info("http server stopped")
		}

		a.dispatcher.Close()
		published, dropped := a.dispatcher.Stats()
		a.logger.Info("push dispatcher stopped", "published", published, "dropped", dropped)

		berr := a.broker.Stop()
		a.logger.Info("mqtt broker stopped")

		if herr != nil {
			return fmt.Errorf("http server shutdown: %w", herr)
		}
		return berr
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			_ = shutdown()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			_ = shutdown()
			return err
		}
	}
}

func (a *App) handleMQTTPublish(_ context.Context, msg mqttbroker.PublishMessage) {
	switch msg.Topic {
	case push.JoinTopic, push.HeartbeatTopic:
		kioskID, err := a.presence.HandleMessage(msg.Topic, msg.Payload, msg.Session, time.Now().UTC())
		if err != nil {
			a.logger.Warn("presence message rejected", "topic", msg.Topic, "client", msg.ClientID, "error", err)
			return
		}
		if msg.Topic == push.JoinTopic {
			a.logger.Info("kiosk joined", "kiosk", kioskID, "client", msg.ClientID)
		} else {
			a.logger.Debug("kiosk heartbeat", "kiosk", kioskID)
		}
	default:
		a.logger.Debug("ignoring mqtt publish", "topic", msg.Topic, "client", msg.ClientID)
	}
}

func (a *App) handleMQTTDisconnect(clientID string, session uint64) {
	kioskID, ok := push.KioskIDFromClientID(clientID)
	if !ok {
		return
	}
	if !a.presence.LeaveSession(kioskID, session) {
		a.logger.Debug("stale kiosk session closed", "kiosk", kioskID, "session", session)
		return
	}
	a.logger.Info("kiosk disconnected", "kiosk", kioskID)
}

func (a *App) sweepPresence(ctx context.Context) {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.presence.Sweep(now.UTC()); n > 0 {
				a.logger.Info("expired silent kiosks", "count", n, "connected", a.presence.Len())
			}
		}
	}
}

func mqttPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
