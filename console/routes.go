package console

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jrsteele09/school-console/credentials"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	staffSurface     = []credentials.Role{credentials.RoleStaff, credentials.RoleAdmin}
	adminSurface     = []credentials.Role{credentials.RoleAdmin}
	superuserSurface = []credentials.Role{credentials.RoleSuperuser}
)

func (s *Server) initRoutes() {
	s.router.Use(s.HTMLMiddleware()...)

	s.registerRoute(http.MethodGet, RouteHealth, http.HandlerFunc(s.HealthHandler))
	s.registerRoute(http.MethodGet, RouteMetrics, promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))

	s.registerRoute(http.MethodGet, RouteIndex, http.HandlerFunc(s.IndexHandler))

	// Login surfaces
	s.registerRoute(http.MethodGet, RouteLogin, s.LoginPageHandler(loginSurface))
	s.registerRoute(http.MethodPost, RouteLogin, s.LoginSubmissionHandler())
	s.registerRoute(http.MethodGet, RouteSuperuserLogin, s.LoginPageHandler(superuserLoginSurface))
	s.registerRoute(http.MethodPost, RouteSuperuserLogin, s.SuperuserLoginSubmissionHandler())
	s.registerRoute(http.MethodPost, RouteLogout, http.HandlerFunc(s.LogoutHandler))

	// Protected surfaces
	s.registerSurface(RouteStaffDashboard, staffSurface, staffResources)
	s.registerSurface(RouteAdminDashboard, adminSurface, adminResources)
	s.registerSurface(RouteSuperuserDashboard, superuserSurface, superuserResources)
}

// registerSurface mounts a dashboard and its resource pages behind the role gate.
func (s *Server) registerSurface(prefix string, allowed []credentials.Role, resources []string) {
	s.router.Route(prefix, func(r chi.Router) {
		r.Use(s.app.Gate.Middleware(allowed...))
		r.Get("/", s.DashboardHandler(prefix, allowed, resources))
		r.Get(RouteResource, s.ResourceHandler(prefix, allowed, resources))
	})
	s.routes = append(s.routes, http.MethodGet+" "+prefix, http.MethodGet+" "+prefix+RouteResource)
}
