package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpvargasdev/Auspex/internal/agent"
	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/config"
	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/metrics"
	"github.com/jpvargasdev/Auspex/internal/registry"
	"github.com/jpvargasdev/Auspex/internal/state"
	"github.com/jpvargasdev/Auspex/internal/store"
	"github.com/jpvargasdev/Auspex/internal/trigger"
	"github.com/jpvargasdev/Auspex/internal/watcher"
)

// app holds the services shared by both modes.
type app struct {
	cfg        *config.Config
	rt         *component.Registry
	bus        *events.Bus
	store      *store.Store
	metrics    *metrics.Collector
	dispatcher *trigger.Dispatcher
	agentMode  bool
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.Load(envFile, required)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config, agentMode bool) (*app, error) {
	a := &app{
		cfg:       cfg,
		rt:        component.New(),
		bus:       events.NewBus(),
		metrics:   metrics.NewCollector(),
		agentMode: agentMode,
	}
	var file *state.File
	if cfg.StorePath != "" {
		file = state.New(cfg.StorePath)
	}
	a.store = store.New(a.bus, file)
	if err := a.store.Load(); err != nil {
		return nil, errors.Trace(err)
	}

	registry.Register(a.rt)
	watcher.Register(a.rt, watcher.Deps{Store: a.store, Bus: a.bus, Metrics: a.metrics})
	trigger.Register(a.rt, agentMode)
	if !agentMode {
		agent.Register(a.rt, agent.Deps{Store: a.store, Bus: a.bus, Metrics: a.metrics})
	}
	a.dispatcher = trigger.NewDispatcher(a.rt, a.metrics, agent.Runners(a.rt))
	a.dispatcher.Subscribe(a.bus)
	return a, nil
}

// start registers the configured components. A component that fails is
// logged and left out; the process keeps running without it.
func (a *app) start(ctx context.Context) error {
	a.register(ctx, a.cfg.Registries)
	if err := registry.RegisterDefaults(ctx, a.rt); err != nil {
		return errors.Annotate(err, "registering default registries")
	}

	triggers := a.cfg.Triggers
	if a.agentMode {
		triggers = nil
		for _, s := range a.cfg.Triggers {
			if !trigger.AgentTypes.Contains(s.Provider) {
				logger.Warningf("trigger %s.%s: type %s is not supported in agent mode, skipping", s.Provider, s.Name, s.Provider)
				continue
			}
			triggers = append(triggers, s)
		}
	}
	a.register(ctx, triggers)
	a.register(ctx, a.cfg.Watchers)
	if !a.agentMode {
		a.register(ctx, a.cfg.Agents)
	}
	return nil
}

func (a *app) register(ctx context.Context, specs []component.Spec) {
	for _, s := range specs {
		if _, err := a.rt.RegisterComponent(ctx, s.Kind, s.Provider, s.Name, s.Config, ""); err != nil {
			logger.Warningf("%v", err)
		}
	}
}

func (a *app) stop() {
	logger.Infof("deregistering components")
	a.rt.DeregisterAll(context.Background())
}

func runController(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	logger.Infof("auspex %s starting in controller mode", Version)

	handler, err := a.controllerHandler()
	if err != nil {
		return errors.Trace(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cert, key := cfg.Server.CertFiles()
		return serve(gctx, cfg.Server.Addr(), handler, cert, key)
	})
	g.Go(func() error {
		if err := a.start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		a.stop()
		return nil
	})
	return g.Wait()
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	secret, err := agent.LoadSecret(cfg.AgentSecret, cfg.AgentSecretFile)
	if err != nil {
		return errors.Annotate(err, "agent mode")
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	logger.Infof("auspex %s starting in agent mode", Version)

	srv, err := agent.NewServer(agent.ServerConfig{
		Registry:   a.rt,
		Store:      a.store,
		Bus:        a.bus,
		Dispatcher: a.dispatcher,
		Secret:     secret,
		Version:    Version,
	})
	if err != nil {
		return errors.Trace(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cert, key := cfg.Server.CertFiles()
		return srv.ListenAndServe(gctx, cfg.Server.Addr(), cert, key)
	})
	g.Go(func() error {
		if err := a.start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		a.stop()
		return nil
	})
	return g.Wait()
}

// controllerHandler serves health, agent states and prometheus metrics.
func (a *app) controllerHandler() (http.Handler, error) {
	metricsHandler, err := metrics.Handler(a.metrics)
	if err != nil {
		return nil, errors.Annotate(err, "registering metrics")
	}
	r := mux.NewRouter()
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		agents := map[string]string{}
		for _, c := range component.All[*agent.Client](a.rt, component.KindAgent) {
			agents[c.Name()] = c.State().String()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"version":    Version,
			"containers": len(a.store.List(nil)),
			"agents":     agents,
		})
	}).Methods(http.MethodGet)
	return r, nil
}

func serve(ctx context.Context, addr string, h http.Handler, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s (tls=%t)", addr, certFile != "")
		if certFile != "" {
			errc <- srv.ListenAndServeTLS(certFile, keyFile)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Trace(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Annotate(srv.Shutdown(shutdownCtx), "server shutdown")
}
