package console

import (
	"context"
	"net/http"

	"github.com/jrsteele09/school-console/backend"
	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/credentials/cookiemirror"
	"github.com/jrsteele09/school-console/credentials/localstore"
	"github.com/jrsteele09/school-console/elevated"
	"github.com/jrsteele09/school-console/internal/config"
	"github.com/jrsteele09/school-console/rolegate"
	"github.com/jrsteele09/school-console/session"
	"github.com/jrsteele09/school-console/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// App holds the wired session lifecycle: stores, backend client, manager and the login
// surfaces built on them. The web console and the CLI share it.
type App struct {
	Config   config.Config
	Local    *localstore.Store
	Mirror   *cookiemirror.Mirror
	Store    *credentials.Store
	Backend  *backend.Client
	Sessions *session.Manager
	Bridge   *elevated.Bridge
	Gate     *rolegate.Gate
	API      *http.Client
	Registry *prometheus.Registry
}

type AppOption func(*appOptions)

type appOptions struct {
	backendOptions []backend.Option
	apiOptions     []transport.Option
}

// WithBackendOptions configures the auth backend client.
func WithBackendOptions(options ...backend.Option) AppOption {
	return func(o *appOptions) {
		o.backendOptions = append(o.backendOptions, options...)
	}
}

// WithAPIOptions configures the authenticated client used for data requests.
func WithAPIOptions(options ...transport.Option) AppOption {
	return func(o *appOptions) {
		o.apiOptions = append(o.apiOptions, options...)
	}
}

// NewApp wires every component from cfg and restores any session persisted by a previous run.
func NewApp(cfg config.Config, options ...AppOption) (*App, error) {
	if cfg == nil {
		return nil, errors.New("[NewApp] config is required")
	}
	var o appOptions
	for _, opt := range options {
		opt(&o)
	}

	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	a.Local, err = localstore.New(cfg.GetDataDir(), cfg.GetBackendBaseURL())
	if err != nil {
		return nil, errors.Wrap(err, "[NewApp] local store")
	}
	a.Mirror = cookiemirror.New(cfg)
	a.Store, err = credentials.NewStore(a.Local, a.Mirror)
	if err != nil {
		return nil, errors.Wrap(err, "[NewApp]")
	}

	a.Backend, err = backend.New(cfg, o.backendOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[NewApp]")
	}

	metrics := session.NewMetrics(a.Registry)
	a.Sessions, err = session.NewManager(a.Store, a.Backend, cfg,
		session.WithMetrics(metrics),
		session.WithForcedLogoutHandler(func(reason error) {
			log.Warn().Err(reason).Msg("session cleared after failed refresh")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[NewApp]")
	}

	a.Bridge, err = elevated.New(a.Sessions, a.Backend, cfg, elevated.WithMetrics(metrics))
	if err != nil {
		return nil, errors.Wrap(err, "[NewApp]")
	}

	a.API = transport.NewClient(a.Sessions, append([]transport.Option{
		transport.WithTimeout(2 * cfg.GetBackendTimeout()),
		transport.WithRetryPolicy(cfg.GetBackendMaxRetries(), nil),
	}, o.apiOptions...)...)

	if _, err := a.Sessions.Restore(context.Background()); err != nil {
		log.Warn().Err(err).Msg("stored session discarded")
	}
	return a, nil
}

// NewGate builds the role gate over the app's sessions. The console passes its own denied view.
func (a *App) NewGate(options ...rolegate.Option) error {
	gate, err := rolegate.New(a.Sessions, options...)
	if err != nil {
		return errors.Wrap(err, "[App.NewGate]")
	}
	a.Gate = gate
	return nil
}
