package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/advertise"
	"github.com/loqalabs/loqa-speech/internal/bridge"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/gateway"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/speechsvc"
	"github.com/loqalabs/loqa-speech/internal/synth"
	"github.com/loqalabs/loqa-speech/internal/voices"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	catalog    *voices.Catalog
	watcher    *voices.Watcher
	registry   *synth.Registry
	dispatcher *dispatch.Dispatcher
	service    *speechsvc.Service
	bridge     *bridge.Bridge
	gateway    *gateway.Gateway
	advertiser *advertise.Advertiser

	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx ends and tears them
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.closeAll()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/voices", r.handleVoices)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.cfg.Gateway.Enabled {
		mux.Handle(r.cfg.Gateway.Path, r.gateway)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer) })
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serve(r.metricsSrv) })
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		r.ready.Store(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		var errs []error
		for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Int("voices", len(r.catalog.Voices())))

	err = g.Wait()
	if err != nil {
		r.logger.Error("runtime stopped with error", slogError(err))
	}
	return err
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	}
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	if srv != nil {
		r.nats = srv
		r.onClose(srv.Shutdown)
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.onClose(r.bus.Close)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() { _ = r.store.Close() })

	r.catalog = voices.NewCatalog(r.cfg.Voices.Languages)
	installed, err := voices.LoadFile(r.cfg.Voices.CatalogPath)
	if err != nil {
		return fmt.Errorf("load voice catalog: %w", err)
	}
	r.catalog.Replace(installed)

	factory, err := r.synthFactory()
	if err != nil {
		return err
	}
	r.registry = synth.NewRegistry(factory, r.logger)
	r.onClose(r.registry.Close)

	player, closePlayer, err := newPlayer(r.cfg.Playback)
	if err != nil {
		return err
	}
	if closePlayer != nil {
		r.onClose(closePlayer)
	}

	r.dispatcher = dispatch.New(r.logger)
	r.gateway = gateway.New(ctx, r.cfg.Gateway, r.cfg.Node.ID, r.dispatcher, r.logger)
	r.onClose(r.gateway.Close)
	r.bridge = bridge.New(ctx, r.cfg.Bridge, r.cfg.Node.ID, r.bus, r.dispatcher, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start bus bridge: %w", err)
	}
	r.onClose(r.bridge.Close)

	host := speechsvc.NewRemoteHost(r.cfg.Playback.HostName, r.cfg.Node.ID, dispatch.Fallback(r.gateway, r.bridge), r.dispatcher)
	r.service = speechsvc.New(ctx, speechsvc.Options{
		Speech:   r.cfg.Speech,
		Catalog:  r.catalog,
		Registry: r.registry,
		Manager:  speech.NewManager(r.logger),
		Store:    r.store,
		Player:   player,
		Host:     host,
	}, r.logger)
	r.onClose(r.service.Close)
	r.dispatcher.UpdateHandlers(r.service.Handlers())

	r.advertiser, err = advertise.New(ctx, r.cfg.Node, r.bus, r.advertisedNames, r.logger)
	if err != nil {
		return fmt.Errorf("start voice advertiser: %w", err)
	}
	r.onClose(r.advertiser.Close)

	if r.cfg.Voices.Watch {
		r.watcher, err = voices.NewWatcher(r.cfg.Voices.CatalogPath, r.catalog, r.logger)
		if err != nil {
			return fmt.Errorf("watch voice catalog: %w", err)
		}
		r.watcher.OnChange(r.onCatalogChange)
		if err := r.watcher.Start(); err != nil {
			return fmt.Errorf("watch voice catalog: %w", err)
		}
		r.onClose(r.watcher.Close)
	}
	return nil
}

// onCatalogChange uninstalls removed voices and re-announces the list.
func (r *Runtime) onCatalogChange(removed []string) {
	for _, key := range removed {
		r.registry.Remove(key)
	}
	if err := r.advertiser.Announce(); err != nil {
		r.logger.Warn("failed to announce voices", slogError(err))
	}
}

func (r *Runtime) advertisedNames() []string {
	adv := r.catalog.Advertised()
	names := make([]string, 0, len(adv))
	for _, a := range adv {
		names = append(names, a.Name)
	}
	return names
}

func (r *Runtime) synthFactory() (synth.Factory, error) {
	sc := r.cfg.Synth
	switch sc.Mode {
	case "exec":
		return synth.NewExecFactory(sc.Command, sc.SampleRate, sc.Channels, r.lookupModel)
	default:
		return synth.NewMockFactory(synth.MockOptions{
			SampleRate: sc.SampleRate,
			Channels:   sc.Channels,
			LoadDelay:  time.Duration(sc.MockLoadMS) * time.Millisecond,
			PerRune:    time.Duration(sc.MockMSPerRune) * time.Millisecond,
		}), nil
	}
}

func (r *Runtime) lookupModel(voiceKey string) (synth.Model, bool) {
	v, ok := r.catalog.Lookup(voiceKey)
	if !ok {
		return synth.Model{}, false
	}
	return synth.Model{Key: v.Key, Path: v.ModelPath, SampleRate: v.SampleRate}, true
}

func newPlayer(cfg config.PlaybackConfig) (playback.Player, func(), error) {
	switch cfg.Mode {
	case "exec":
		p, err := playback.NewExecPlayer(cfg.Command)
		if err != nil {
			return nil, nil, fmt.Errorf("playback: %w", err)
		}
		return p, nil, nil
	case "device":
		p, err := playback.NewDevicePlayer()
		if err != nil {
			return nil, nil, fmt.Errorf("playback: %w", err)
		}
		return p, func() { _ = p.Close() }, nil
	default:
		return playback.NewTimedPlayer(), nil, nil
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// onClose registers a teardown step; closeAll runs them last-in first-out.
func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
		r.tracerClose = nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
