package console

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jrsteele09/school-console/backend"
	"github.com/jrsteele09/school-console/credentials"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/rolegate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type DashboardPageData struct {
	Page
	Prefix    string
	Resources []string
}

type ResourcePageData struct {
	Page
	Prefix  string
	Columns []string
	Rows    [][]string
}

func (s *Server) page(title, errorMsg string, user *credentials.Profile) Page {
	return Page{AppName: s.appName, Title: title, Error: errorMsg, User: user}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// IndexHandler sends signed-in users to their dashboard and everyone else to the login page.
func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.Sessions.Session(r.Context())
	if err != nil || sess == nil {
		http.Redirect(w, r, RouteLogin, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, sess.Role.Dashboard(), http.StatusSeeOther)
}

func (s *Server) DeniedHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := s.app.Sessions.CurrentUser(r.Context())
	s.render(w, http.StatusForbidden, "denied.html", s.page("Access denied", "", user))
}

// guard repeats the role check against the local store. It reports false when it has already
// answered the request.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, allowed []credentials.Role) (*credentials.Profile, bool) {
	d := s.app.Gate.Guard(r.Context(), allowed...)
	if d.Outcome != rolegate.Allow {
		s.app.Gate.Apply(w, r, d, nil)
		return nil, false
	}
	user, err := s.app.Sessions.CurrentUser(r.Context())
	if err != nil || user == nil {
		redirectWithError(w, r, RouteLogin, apperrors.ErrSessionExpired, "")
		return nil, false
	}
	return user, true
}

func (s *Server) DashboardHandler(prefix string, allowed []credentials.Role, resources []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.guard(w, r, allowed)
		if !ok {
			return
		}
		// Landing on a dashboard picks up profile changes made on the backend.
		fresh, err := s.app.Sessions.RefetchProfile(r.Context())
		switch {
		case errors.Is(err, apperrors.ErrSessionExpired):
			redirectWithError(w, r, user.Role.LoginPath(), err, "")
			return
		case err != nil:
			log.Warn().Err(err).Str("user", user.ID).Msg("profile refetch failed, showing stored profile")
		case fresh != nil:
			user = fresh
		}
		s.render(w, http.StatusOK, "dashboard.html", DashboardPageData{
			Page:      s.page(titleCase(strings.TrimPrefix(prefix, "/"))+" dashboard", r.URL.Query().Get("error"), user),
			Prefix:    prefix,
			Resources: resources,
		})
	}
}

// ResourceHandler lists one backend collection. The fetch goes through the authenticated
// client, so an expired access token is refreshed and the request replayed transparently.
func (s *Server) ResourceHandler(prefix string, allowed []credentials.Role, resources []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "resource")
		if !slices.Contains(resources, name) {
			http.NotFound(w, r)
			return
		}
		user, ok := s.guard(w, r, allowed)
		if !ok {
			return
		}

		data := ResourcePageData{Page: s.page(titleCase(name), "", user), Prefix: prefix}
		body, err := s.fetch(r, name)
		switch {
		case errors.Is(err, apperrors.ErrSessionExpired):
			redirectWithError(w, r, user.Role.LoginPath(), err, "")
			return
		case errors.Is(err, apperrors.ErrForbidden):
			data.Error = apperrors.UserMessage(err)
			s.render(w, http.StatusForbidden, "resource.html", data)
			return
		case err != nil:
			log.Err(err).Str("resource", name).Msg("resource fetch failed")
			data.Error = apperrors.UserMessage(err)
			s.render(w, http.StatusBadGateway, "resource.html", data)
			return
		}

		data.Columns, data.Rows = tabulate(body)
		s.render(w, http.StatusOK, "resource.html", data)
	}
}

func (s *Server) fetch(r *http.Request, name string) (any, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.config.GetBackendBaseURL()+"/"+name, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Server.fetch] NewRequest")
	}
	req.Header.Set("Accept", "application/json")
	if id := middleware.GetReqID(r.Context()); id != "" {
		req.Header.Set(backend.RequestIDHeader, id)
	}

	resp, err := s.app.API.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, &apperrors.BackendError{StatusCode: resp.StatusCode, Kind: apperrors.ErrForbidden}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &apperrors.BackendError{StatusCode: resp.StatusCode, Kind: apperrors.ErrUnexpectedStatus}
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "[Server.fetch] json.Decode")
	}
	return body, nil
}

// tabulate flattens a JSON collection into a header and rows. Paginated replies are unwrapped
// from their "results" field.
func tabulate(body any) ([]string, [][]string) {
	if page, ok := body.(map[string]any); ok {
		if results, ok := page["results"]; ok {
			body = results
		}
	}

	switch v := body.(type) {
	case []any:
		columnSet := make(map[string]struct{})
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				for k := range obj {
					columnSet[k] = struct{}{}
				}
			}
		}
		if len(columnSet) == 0 {
			rows := make([][]string, 0, len(v))
			for _, item := range v {
				rows = append(rows, []string{fmt.Sprint(item)})
			}
			return []string{"value"}, rows
		}
		columns := make([]string, 0, len(columnSet))
		for k := range columnSet {
			columns = append(columns, k)
		}
		sort.Strings(columns)
		rows := make([][]string, 0, len(v))
		for _, item := range v {
			obj, _ := item.(map[string]any)
			row := make([]string, len(columns))
			for i, c := range columns {
				if val, ok := obj[c]; ok && val != nil {
					row[i] = fmt.Sprint(val)
				}
			}
			rows = append(rows, row)
		}
		return columns, rows
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, fmt.Sprint(v[k])})
		}
		return []string{"field", "value"}, rows
	case nil:
		return nil, nil
	}
	return []string{"value"}, [][]string{{fmt.Sprint(body)}}
}
