// Package console serves the school admin console: the login surfaces, the role dashboards
// and thin resource pages whose data comes from the backend through the authenticated client.
package console

import (
	"fmt"
	"html/template"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/jrsteele09/school-console/internal/config"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/rolegate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Server struct {
	env       string // Environment (e.g., "DEV", "PROD")
	appName   string
	router    chi.Router
	routes    []string
	config    config.Config
	app       *App
	templates *template.Template

	// forced is set when a failed refresh clears the session, so the next login page can say why.
	forced atomic.Bool
}

func New(app *App) (*Server, error) {
	if app == nil {
		return nil, errors.New("[console.New] app is required")
	}

	templates, err := ParseTemplates()
	if err != nil {
		return nil, fmt.Errorf("[console.New] parsing templates: %w", err)
	}

	s := &Server{
		env:       app.Config.GetEnv(),
		appName:   app.Config.GetAppName(),
		router:    chi.NewRouter(),
		config:    app.Config,
		app:       app,
		templates: templates,
	}
	if err := app.NewGate(rolegate.WithDeniedHandler(http.HandlerFunc(s.DeniedHandler))); err != nil {
		return nil, fmt.Errorf("[console.New] %w", err)
	}
	app.Sessions.OnForcedLogout(func(error) {
		s.forced.Store(true)
	})

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoute(method, pattern string, handler http.Handler) {
	s.routes = append(s.routes, method+" "+pattern)
	s.router.Method(method, pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		var method, path string
		if _, err := fmt.Sscan(route, &method, &path); err != nil {
			continue
		}
		logRoute(method, path)
	}
}

func logRoute(method, path string) {
	log.Info().Msgf("[%-19s] %s", colourMethod(method), path)
}

// redirectWithError sends the user to path with the page-level message for err.
func redirectWithError(w http.ResponseWriter, r *http.Request, path string, err error, email string) {
	redirectWithMessage(w, r, path, apperrors.UserMessage(err), email)
}
