package app

import (
	"context"
	"log"
	"net/http"

	"reflect_framework/internal/config"
	"reflect_framework/internal/events"
	"reflect_framework/internal/httpapi"
	"reflect_framework/internal/jobs"
	"reflect_framework/internal/llm"
	"reflect_framework/internal/metrics"
	"reflect_framework/internal/pipeline"
	"reflect_framework/internal/session"
	"reflect_framework/internal/store"
	"reflect_framework/internal/transcription"
	"reflect_framework/internal/watch"
)

// App wires the session engine and intake pipeline together.
type App struct {
	cfg        config.Config
	store      *store.Store
	runner     *jobs.Runner
	watcher    *watch.Watcher
	controller *session.Controller
	bus        *events.Bus
	metrics    *metrics.Metrics
	mux        *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	client := &http.Client{}
	provider := transcription.NewAssemblyAI(client, cfg.AssemblyAI)
	poller := transcription.NewPoller(provider, cfg.AssemblyAI.PollInterval, cfg.AssemblyAI.MaxPollAttempts)
	generator := llm.NewClaude(client, cfg.Claude, cfg.Prompts)

	bus := events.NewBus()
	m := metrics.New()
	controller := session.NewController(generator, poller, st, bus, m, cfg.Reflect)

	pipe := pipeline.New(cfg, st, poller, controller)
	runner := jobs.NewRunner(cfg, st, pipe.Registry())
	pipe.Bind(runner)
	watcher := watch.New(cfg, pipe)

	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, st, runner, controller, bus, m,
		func(r *http.Request) error { return watcher.Backfill(r.Context()) },
		func(r *http.Request, filename string) error { return pipe.Intake(r.Context(), filename) })
	router.Register(mux)

	return &App{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		watcher:    watcher,
		controller: controller,
		bus:        bus,
		metrics:    m,
		mux:        mux,
	}, nil
}

// Run starts workers, the notes watcher, and the HTTP server.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		a.runner.Stop()
		_ = srv.Shutdown(context.Background())
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	return srv.ListenAndServe()
}

func (a *App) Controller() *session.Controller { return a.controller }
func (a *App) Runner() *jobs.Runner            { return a.runner }
func (a *App) Store() *store.Store             { return a.store }
func (a *App) Mux() *http.ServeMux             { return a.mux }
