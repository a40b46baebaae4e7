package console

import (
	"net/http"
	"net/url"

	"github.com/jrsteele09/school-console/credentials"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/session"
	"github.com/rs/zerolog/log"
)

// Page carries what the shared layout needs.
type Page struct {
	AppName string
	Title   string
	Error   string
	User    *credentials.Profile
}

// LoginPageData contains data for rendering a login surface
type LoginPageData struct {
	Page
	Action          string
	Email           string // Preserve email on error
	AlternateAction string
	AlternateLabel  string
}

type loginSurfaceInfo struct {
	title          string
	action         string
	alternate      string
	alternateLabel string
}

var (
	loginSurface          = loginSurfaceInfo{"Sign in", RouteLogin, RouteSuperuserLogin, "Operator sign in"}
	superuserLoginSurface = loginSurfaceInfo{"Operator sign in", RouteSuperuserLogin, RouteLogin, "Staff sign in"}
)

// LoginPageHandler displays a login surface. Users who are already signed in go straight to
// their dashboard.
func (s *Server) LoginPageHandler(surface loginSurfaceInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.app.Sessions.Session(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("login page: stored session unreadable")
		}
		if sess != nil {
			http.Redirect(w, r, sess.Role.Dashboard(), http.StatusSeeOther)
			return
		}

		errorMsg := r.URL.Query().Get("error")
		if s.forced.Swap(false) && errorMsg == "" {
			errorMsg = apperrors.UserMessage(apperrors.ErrSessionExpired)
		}

		s.render(w, http.StatusOK, "login.html", LoginPageData{
			Page:            s.page(surface.title, errorMsg, nil),
			Action:          surface.action,
			Email:           r.URL.Query().Get("email"),
			AlternateAction: surface.alternate,
			AlternateLabel:  surface.alternateLabel,
		})
	}
}

// LoginSubmissionHandler processes the staff and admin login form
func (s *Server) LoginSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, ok := parseCredentials(w, r)
		if !ok {
			return
		}
		sess, err := s.app.Sessions.Login(r.Context(), creds)
		if err != nil {
			log.Info().Err(err).Str("email", creds.Email).Msg("login rejected")
			redirectWithError(w, r, RouteLogin, err, creds.Email)
			return
		}
		s.forced.Store(false)
		http.Redirect(w, r, sess.Role.Dashboard(), http.StatusSeeOther)
	}
}

// SuperuserLoginSubmissionHandler processes the operator login form
func (s *Server) SuperuserLoginSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, ok := parseCredentials(w, r)
		if !ok {
			return
		}
		sess, err := s.app.Bridge.Login(r.Context(), creds)
		if err != nil {
			log.Warn().Err(err).Str("email", creds.Email).Msg("operator login rejected")
			redirectWithError(w, r, RouteSuperuserLogin, err, creds.Email)
			return
		}
		s.forced.Store(false)
		http.Redirect(w, r, sess.Role.Dashboard(), http.StatusSeeOther)
	}
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	loginPath, err := s.app.Sessions.Logout(r.Context())
	if err != nil {
		log.Err(err).Msg("logout incomplete")
	}
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

func parseCredentials(w http.ResponseWriter, r *http.Request) (session.Credentials, bool) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return session.Credentials{}, false
	}
	return session.Credentials{
		Email:    r.PostForm.Get("email"),
		Password: r.PostForm.Get("password"),
	}, true
}

func redirectWithMessage(w http.ResponseWriter, r *http.Request, path, message, email string) {
	q := url.Values{}
	if message != "" {
		q.Set("error", message)
	}
	if email != "" {
		q.Set("email", email)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}
