// Package fakebackend is an in-process stand-in for the school REST backend. It issues real
// HS256 tokens, rotates and revokes refresh tokens, and lets tests script failures.
package fakebackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/school-console/authapi"
	"github.com/jrsteele09/school-console/internal/config"
	"github.com/jrsteele09/school-console/internal/utils"
	"github.com/jrsteele09/school-console/token"
	"golang.org/x/crypto/bcrypt"
)

const (
	APIPrefix = "/api"
	secret    = "fake-backend-secret"
)

type User struct {
	ID           string
	Email        string
	Name         string
	Role         string // backend vocabulary, e.g. "teacher", "school_admin"
	PasswordHash []byte
	Active       bool
}

type Backend struct {
	server      *httptest.Server
	signer      *signer
	revoked     *revocations
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rotate      bool
	legacyShape bool
	refreshUser bool

	lock       sync.Mutex
	users      map[string]*User // by email
	accessJTIs map[string]time.Time
	failures   map[string][]int // path -> queued statuses
	resources  map[string]any
	minRoles   map[string]string
	apiTokens  []string

	refreshGate chan struct{}

	loginCalls   atomic.Int64
	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64
	meCalls      atomic.Int64
	apiCalls     atomic.Int64

	lastRefreshBody atomic.Value
}

type Option func(*Backend)

// WithRotation makes refresh replies carry a new refresh token and revoke the old one.
func WithRotation() Option {
	return func(b *Backend) {
		b.rotate = true
	}
}

// WithLegacyRefreshShape makes refresh replies use the bare {"access": ...} shape.
func WithLegacyRefreshShape() Option {
	return func(b *Backend) {
		b.legacyShape = true
	}
}

// WithRefreshUser makes refresh replies carry the user record as it stands at refresh time.
func WithRefreshUser() Option {
	return func(b *Backend) {
		b.refreshUser = true
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.accessTTL = ttl
	}
}

func New(options ...Option) *Backend {
	b := &Backend{
		signer:     newSigner(secret),
		revoked:    newRevocations(),
		accessTTL:  5 * time.Minute,
		refreshTTL: 24 * time.Hour,
		users:      make(map[string]*User),
		accessJTIs: make(map[string]time.Time),
		failures:   make(map[string][]int),
		resources:  make(map[string]any),
		minRoles:   make(map[string]string),
	}
	for _, opt := range options {
		opt(b)
	}
	b.server = httptest.NewServer(b.routes())
	return b
}

func (b *Backend) Close() {
	b.server.Close()
}

// URL is the API base URL, what the console calls the backend base URL.
func (b *Backend) URL() string {
	return b.server.URL + APIPrefix
}

func (b *Backend) Client() *http.Client {
	return b.server.Client()
}

// Config returns a console configuration pointing at this backend, with overrides applied.
func (b *Backend) Config(overrides map[string]any) config.Config {
	values := map[string]any{
		"backend.baseURL":        b.URL(),
		"backend.timeout":        2 * time.Second,
		"backend.maxRetries":     0,
		"session.refreshTimeout": 2 * time.Second,
		"session.clockSkew":      0,
	}
	for k, v := range overrides {
		values[k] = v
	}
	return config.FromMap(values)
}

// AddUser registers an account and returns it.
func (b *Backend) AddUser(email, password, name, role string) *User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(email),
		Name:         name,
		Role:         role,
		PasswordHash: hash,
		Active:       true,
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.users[u.Email] = u
	return u
}

// UpdateUser changes a registered account in place, e.g. to simulate a role change made by
// another administrator.
func (b *Backend) UpdateUser(email string, update func(*User)) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if u := b.users[strings.ToLower(email)]; u != nil {
		update(u)
	}
}

// SetResource serves data at GET /api/<name> to users whose role is at least minRole
// ("" for any signed-in user). Other users get 403.
func (b *Backend) SetResource(name string, data any, minRole string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.resources[name] = data
	b.minRoles[name] = minRole
}

// FailNext queues statuses returned by the next calls to path (relative to the API base).
func (b *Backend) FailNext(path string, statuses ...int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.failures[path] = append(b.failures[path], statuses...)
}

// ExpireAccessTokens rejects every access token issued so far.
func (b *Backend) ExpireAccessTokens() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for jti, exp := range b.accessJTIs {
		b.revoked.add(jti, exp)
	}
	b.accessJTIs = make(map[string]time.Time)
}

// RevokeRefreshToken makes raw unusable, as an expired or revoked token would be.
func (b *Backend) RevokeRefreshToken(raw string) {
	if claims, err := token.Decode(raw); err == nil {
		b.revoked.add(claims.ID, claims.Expiry())
	}
}

// HoldRefresh blocks refresh requests until the returned function is called.
func (b *Backend) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	b.lock.Lock()
	b.refreshGate = gate
	b.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// MintAccess issues an access token for a registered user without a login call.
func (b *Backend) MintAccess(email string) string {
	b.lock.Lock()
	u := b.users[strings.ToLower(email)]
	b.lock.Unlock()
	raw, _ := b.issue(u, "access")
	return raw
}

func (b *Backend) LoginCalls() int   { return int(b.loginCalls.Load()) }
func (b *Backend) RefreshCalls() int { return int(b.refreshCalls.Load()) }
func (b *Backend) LogoutCalls() int  { return int(b.logoutCalls.Load()) }
func (b *Backend) MeCalls() int      { return int(b.meCalls.Load()) }
func (b *Backend) APICalls() int     { return int(b.apiCalls.Load()) }

// AcceptedTokens lists, in order, the access tokens of resource requests that passed
// authentication.
func (b *Backend) AcceptedTokens() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]string(nil), b.apiTokens...)
}

// LastRefreshBody is the body of the most recent refresh request.
func (b *Backend) LastRefreshBody() authapi.RefreshRequest {
	v, _ := b.lastRefreshBody.Load().(authapi.RefreshRequest)
	return v
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(b.injectFailures)
		r.Post("/auth/login", b.login)
		r.Post("/auth/token/refresh", b.refresh)
		r.Post("/auth/logout", b.logout)
		r.Get("/auth/me", b.me)
		r.Get("/{resource}", b.resource)
		r.Post("/{resource}", b.echo)
	})
	return r
}

func (b *Backend) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, APIPrefix)
		b.lock.Lock()
		queued := b.failures[path]
		var status int
		if len(queued) > 0 {
			status, b.failures[path] = queued[0], queued[1:]
		}
		b.lock.Unlock()

		if status != 0 {
			if path == "/auth/token/refresh" {
				b.refreshCalls.Add(1)
			}
			writeError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	b.loginCalls.Add(1)

	var req authapi.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request")
		return
	}

	b.lock.Lock()
	u := b.users[strings.ToLower(strings.TrimSpace(req.Email))]
	b.lock.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if !u.Active {
		writeError(w, http.StatusUnauthorized, "Account is disabled")
		return
	}

	access, err := b.issue(u, "access")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh, err := b.issue(u, "refresh")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authapi.LoginResponse{
		Tokens: authapi.TokenPair{Access: access, Refresh: refresh},
		User:   payload(u),
	})
}

func (b *Backend) refresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)

	var req authapi.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request")
		return
	}
	b.lastRefreshBody.Store(req)
	b.revoked.prune(time.Now())

	b.lock.Lock()
	gate := b.refreshGate
	b.lock.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	u, claims, ok := b.verify(req.Refresh, "refresh")
	if !ok {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}

	access, err := b.issue(u, "access")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if b.legacyShape {
		writeJSON(w, http.StatusOK, map[string]string{"access": access})
		return
	}

	pair := authapi.TokenPair{Access: access}
	if b.rotate {
		b.revoked.add(claims.ID, claims.Expiry())
		if pair.Refresh, err = b.issue(u, "refresh"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	reply := authapi.RefreshResponse{Tokens: pair}
	if b.refreshUser {
		b.lock.Lock()
		reply.User = payload(u)
		b.lock.Unlock()
	}
	writeJSON(w, http.StatusOK, reply)
}

func (b *Backend) logout(w http.ResponseWriter, r *http.Request) {
	b.logoutCalls.Add(1)

	var req authapi.LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request")
		return
	}
	if _, claims, ok := b.verify(req.Refresh, "refresh"); ok {
		b.revoked.add(claims.ID, claims.Expiry())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) me(w http.ResponseWriter, r *http.Request) {
	b.meCalls.Add(1)
	u, ok := b.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided")
		return
	}
	writeJSON(w, http.StatusOK, payload(u))
}

func (b *Backend) resource(w http.ResponseWriter, r *http.Request) {
	b.apiCalls.Add(1)
	u, ok := b.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided")
		return
	}

	name := chi.URLParam(r, "resource")
	b.lock.Lock()
	b.apiTokens = append(b.apiTokens, bearer(r))
	data, found := b.resources[name]
	minRole := b.minRoles[name]
	b.lock.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if rank(u.Role) < rank(minRole) {
		writeError(w, http.StatusForbidden, "You do not have permission to perform this action")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// echo answers a create with the JSON document it was sent.
func (b *Backend) echo(w http.ResponseWriter, r *http.Request) {
	b.apiCalls.Add(1)
	if _, ok := b.authenticate(r); !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided")
		return
	}
	b.lock.Lock()
	b.apiTokens = append(b.apiTokens, bearer(r))
	b.lock.Unlock()

	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request")
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (b *Backend) authenticate(r *http.Request) (*User, bool) {
	raw := bearer(r)
	if raw == "" {
		return nil, false
	}
	u, _, ok := b.verify(raw, "access")
	return u, ok
}

func bearer(r *http.Request) string {
	raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		return ""
	}
	return raw
}

func (b *Backend) verify(raw, tokenType string) (*User, *token.Claims, bool) {
	claims, err := b.signer.verify(raw)
	if err != nil || claims.TokenType != tokenType || b.revoked.has(claims.ID) {
		return nil, nil, false
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	u := b.users[claims.Email]
	if u == nil || u.ID != claims.Subject || !u.Active {
		return nil, nil, false
	}
	return u, claims, true
}

func (b *Backend) issue(u *User, tokenType string) (string, error) {
	ttl := b.accessTTL
	if tokenType == "refresh" {
		ttl = b.refreshTTL
	}
	now := time.Now()
	claims := &token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		TokenType: tokenType,
	}
	raw, err := b.signer.sign(claims)
	if err != nil {
		return "", err
	}
	if tokenType == "access" {
		b.lock.Lock()
		b.accessJTIs[claims.ID] = claims.Expiry()
		b.lock.Unlock()
	}
	return raw, nil
}

func payload(u *User) *authapi.UserPayload {
	return &authapi.UserPayload{
		ID:       u.ID,
		Email:    u.Email,
		Name:     u.Name,
		Role:     u.Role,
		IsActive: utils.Ptr(u.Active),
	}
}

func rank(role string) int {
	switch role {
	case "admin", "school_admin":
		return 1
	case "superuser", "super_admin":
		return 2
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, authapi.ErrorResponse{Detail: detail})
}
