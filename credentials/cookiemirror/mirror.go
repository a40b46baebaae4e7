// Package cookiemirror keeps a copy of the session as HTTP cookies so routing middleware can
// check authorisation before a page renders, without access to the local store.
package cookiemirror

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/internal/config"
)

var _ credentials.KV = (*Mirror)(nil)

type Mirror struct {
	path    string
	maxAge  time.Duration
	secure  bool
	nowFunc func() time.Time
	cookies map[string]*http.Cookie
	lock    sync.RWMutex
}

type Option func(*Mirror)

func WithNowFunc(now func() time.Time) Option {
	return func(m *Mirror) {
		m.nowFunc = now
	}
}

func New(cfg config.CookieConfig, options ...Option) *Mirror {
	m := &Mirror{
		path:    cfg.GetCookiePath(),
		maxAge:  cfg.GetCookieMaxAge(),
		secure:  cfg.GetCookieSecure(),
		nowFunc: time.Now,
		cookies: make(map[string]*http.Cookie),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.path == "" {
		m.path = "/"
	}
	return m
}

func (m *Mirror) Name() string {
	return "cookie"
}

func (m *Mirror) Get(key string) (string, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	c, ok := m.cookies[key]
	if !ok || !m.live(c) {
		return "", false, nil
	}
	return c.Value, true, nil
}

func (m *Mirror) Set(key, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.cookies[key] = &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     m.path,
		Expires:  m.nowFunc().Add(m.maxAge),
		MaxAge:   int(m.maxAge.Seconds()),
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return nil
}

// Delete replaces the cookie with an already-expired one so the deletion reaches the browser
// on the next response.
func (m *Mirror) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.cookies[key] = &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     m.path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return nil
}

// Cookie returns a live cookie by name, matching (*http.Request).Cookie so the mirror and an
// incoming request can be checked by the same code.
func (m *Mirror) Cookie(name string) (*http.Cookie, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	c, ok := m.cookies[name]
	if !ok || !m.live(c) {
		return nil, http.ErrNoCookie
	}
	cp := *c
	return &cp, nil
}

// Cookies returns the live cookies sorted by name.
func (m *Mirror) Cookies() []*http.Cookie {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []*http.Cookie
	for _, c := range m.cookies {
		if m.live(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply sets every tracked cookie, live or deleted, on the response.
func (m *Mirror) Apply(w http.ResponseWriter) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	names := make([]string, 0, len(m.cookies))
	for name := range m.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	now := m.nowFunc()
	for _, name := range names {
		cp := *m.cookies[name]
		if cp.MaxAge > 0 {
			remaining := int(cp.Expires.Sub(now).Seconds())
			if remaining <= 0 {
				cp.Value, cp.MaxAge, cp.Expires = "", -1, time.Unix(0, 0)
			} else {
				cp.MaxAge = remaining
			}
		}
		http.SetCookie(w, &cp)
	}
}

func (m *Mirror) live(c *http.Cookie) bool {
	if c.MaxAge < 0 {
		return false
	}
	return c.MaxAge == 0 || m.nowFunc().Before(c.Expires)
}
