package console

import "github.com/jrsteele09/school-console/credentials"

// Route path constants
const (
	RouteIndex          = "/"
	RouteLogin          = credentials.LoginPath
	RouteSuperuserLogin = credentials.SuperuserLoginPath
	RouteLogout         = "/logout"

	RouteStaffDashboard     = "/staff"
	RouteAdminDashboard     = "/admin"
	RouteSuperuserDashboard = "/superuser"

	RouteResource = "/{resource}"

	RouteMetrics = "/metrics"
	RouteHealth  = "/healthz"
)

// Backend collections each dashboard links to. Each is fetched from <backend>/<name>.
var (
	staffResources     = []string{"attendance", "calendar", "messages", "results"}
	adminResources     = []string{"teachers", "students", "parents", "fees", "products"}
	superuserResources = []string{"schools"}
)
