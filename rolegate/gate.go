// Package rolegate decides whether the signed-in user may see a protected console surface.
// The same decision is taken twice: from the request's cookies before a page renders, and
// from the local store inside the page, which catches a stale cookie mirror.
package rolegate

import (
	"context"
	"net/http"
	"slices"

	"github.com/jrsteele09/school-console/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Outcome int

const (
	Allow Outcome = iota
	RedirectLogin
	RedirectDashboard
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RedirectLogin:
		return "redirect_login"
	case RedirectDashboard:
		return "redirect_dashboard"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Decision is the result of a gate check. Location is set for redirects.
type Decision struct {
	Outcome  Outcome
	Location string
	Role     credentials.Role
}

// Evaluate applies the gate rules to a session that is present or not, holding role.
// Surfaces open only to superusers send anonymous users to the elevated login surface.
func Evaluate(present bool, role credentials.Role, allowed ...credentials.Role) Decision {
	if !present {
		loginPath := credentials.LoginPath
		if len(allowed) > 0 && !slices.ContainsFunc(allowed, func(r credentials.Role) bool { return r != credentials.RoleSuperuser }) {
			loginPath = credentials.SuperuserLoginPath
		}
		return Decision{Outcome: RedirectLogin, Location: loginPath}
	}
	if slices.Contains(allowed, role) {
		return Decision{Outcome: Allow, Role: role}
	}
	if dashboard := role.Dashboard(); dashboard != "" {
		return Decision{Outcome: RedirectDashboard, Location: dashboard, Role: role}
	}
	return Decision{Outcome: Denied, Role: role}
}

// CookieSource is satisfied by *http.Request and by the cookie mirror.
type CookieSource interface {
	Cookie(name string) (*http.Cookie, error)
}

// FromCookies reads session presence and role from cookies. A session is present only when
// both tokens are.
func FromCookies(src CookieSource) (bool, credentials.Role) {
	value := func(name string) string {
		c, err := src.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
	present := value(credentials.KeyAccessToken) != "" && value(credentials.KeyRefreshToken) != ""
	return present, credentials.Role(value(credentials.KeyRole))
}

// Sessions reads the local store.
type Sessions interface {
	Session(ctx context.Context) (*credentials.Session, error)
	CheckConsistency() error
}

type Gate struct {
	sessions Sessions
	denied   http.Handler
}

type Option func(*Gate)

// WithDeniedHandler renders the access-denied view.
func WithDeniedHandler(h http.Handler) Option {
	return func(g *Gate) {
		g.denied = h
	}
}

func New(sessions Sessions, options ...Option) (*Gate, error) {
	if sessions == nil {
		return nil, errors.New("[rolegate.New] sessions is required")
	}
	g := &Gate{sessions: sessions}
	for _, opt := range options {
		opt(g)
	}
	if g.denied == nil {
		g.denied = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Access denied", http.StatusForbidden)
		})
	}
	return g, nil
}

type decisionKey struct{}

// DecisionFromContext returns the decision the middleware allowed the request with.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}

// Middleware checks the request's cookies before the protected handler runs, so nothing of
// the page (including its data fetches) happens for a user who may not see it.
func (g *Gate) Middleware(allowed ...credentials.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			present, role := FromCookies(r)
			d := Evaluate(present, role, allowed...)
			if d.Outcome != Allow {
				log.Debug().Str("path", r.URL.Path).Str("role", string(role)).Str("outcome", d.Outcome.String()).Msg("role gate")
			}
			g.Apply(w, r, d, next)
		})
	}
}

// Apply carries out d: serve next, redirect, or render the denied view.
func (g *Gate) Apply(w http.ResponseWriter, r *http.Request, d Decision, next http.Handler) {
	switch d.Outcome {
	case Allow:
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
	case RedirectLogin, RedirectDashboard:
		http.Redirect(w, r, d.Location, http.StatusSeeOther)
	default:
		g.denied.ServeHTTP(w, r)
	}
}

// Guard re-checks against the local store from inside a page. A disagreement with the cookie
// mirror is logged; the local store's answer wins.
func (g *Gate) Guard(ctx context.Context, allowed ...credentials.Role) Decision {
	if err := g.sessions.CheckConsistency(); err != nil {
		log.Warn().Err(err).Msg("role gate: cookie mirror disagrees with local store")
	}
	sess, err := g.sessions.Session(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("role gate: stored session unreadable")
	}
	if sess == nil {
		return Evaluate(false, "", allowed...)
	}
	return Evaluate(true, sess.Role, allowed...)
}
