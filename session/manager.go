// Package session owns the signed-in user's credentials for the whole process. It is the only
// writer of the credential store.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/school-console/authapi"
	"github.com/jrsteele09/school-console/backend"
	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/internal/config"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ForcedLogoutHandler is told when a failed refresh has cleared the session.
type ForcedLogoutHandler func(reason error)

type Manager struct {
	store     *credentials.Store
	auth      backend.Auth
	cfg       config.SessionConfig
	validator *credentialsValidator
	metrics   *Metrics
	nowFunc   func() time.Time
	handlers  []ForcedLogoutHandler

	// lock serialises every store mutation and guards the refresh state.
	lock       sync.Mutex
	generation uint64
	inflight   *refreshCall
}

type ManagerOption func(*Manager)

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithForcedLogoutHandler(handler ForcedLogoutHandler) ManagerOption {
	return func(m *Manager) {
		m.handlers = append(m.handlers, handler)
	}
}

func NewManager(store *credentials.Store, auth backend.Auth, cfg config.SessionConfig, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[NewManager] credential store is required")
	}
	if auth == nil {
		return nil, errors.New("[NewManager] backend is required")
	}
	if cfg == nil {
		return nil, errors.New("[NewManager] session config is required")
	}

	validator, err := newCredentialsValidator()
	if err != nil {
		return nil, errors.Wrap(err, "[NewManager] credential validator")
	}

	m := &Manager{
		store:     store,
		auth:      auth,
		cfg:       cfg,
		validator: validator,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.nowFunc == nil {
		m.nowFunc = time.Now
	}
	return m, nil
}

// OnForcedLogout registers a handler after construction, for components built later than
// the manager.
func (m *Manager) OnForcedLogout(handler ForcedLogoutHandler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Metrics exposes the counters so other login surfaces record into the same series.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Login signs in through the ordinary login surface and persists the session. Superuser
// accounts must use the elevated surface.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*credentials.Session, error) {
	sess, err := m.login(ctx, creds)
	m.metrics.ObserveLogin(SurfaceStandard, err)
	if err != nil {
		log.Warn().Err(err).Str("email", creds.Normalised().Email).Msg("login failed")
		return nil, err
	}
	log.Info().Str("user", sess.Profile.ID).Str("role", string(sess.Role)).Msg("signed in")
	return sess, nil
}

func (m *Manager) login(ctx context.Context, creds Credentials) (*credentials.Session, error) {
	sess, err := m.Exchange(ctx, creds)
	if err != nil {
		return nil, err
	}
	if sess.Role == credentials.RoleSuperuser {
		return nil, errors.Wrap(apperrors.ErrRoleMismatch, "[Manager.Login] superuser accounts sign in through the elevated surface")
	}
	if err := m.Commit(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Exchange trades credentials for a session without persisting it. A reply missing either
// token clears any stored session, so a half-issued pair never coexists with an older one.
func (m *Manager) Exchange(ctx context.Context, creds Credentials) (*credentials.Session, error) {
	creds = creds.Normalised()
	if err := m.validator.check(creds); err != nil {
		return nil, errors.Wrap(err, "[Manager.Exchange]")
	}

	resp, err := m.auth.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Exchange]")
	}

	if resp.Tokens.Access == "" || resp.Tokens.Refresh == "" {
		m.lock.Lock()
		m.generation++
		clearErr := m.store.Clear()
		m.lock.Unlock()
		return nil, errors.Wrap(apperrors.Join(apperrors.ErrIncompleteToken, clearErr), "[Manager.Exchange] login reply")
	}

	user := resp.User
	if user == nil {
		if user, err = payloadFromClaims(resp.Tokens.Access); err != nil {
			return nil, errors.Wrap(err, "[Manager.Exchange] login reply has no user")
		}
	}
	profile, err := credentials.ProfileFromPayload(user)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Exchange]")
	}

	return &credentials.Session{
		AccessToken:  resp.Tokens.Access,
		RefreshToken: resp.Tokens.Refresh,
		Profile:      profile,
		Role:         profile.Role,
	}, nil
}

// Commit persists a session obtained from Exchange. Any refresh still in flight for an
// earlier session is discarded.
func (m *Manager) Commit(_ context.Context, sess *credentials.Session) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.generation++
	if err := m.store.Save(sess); err != nil {
		return errors.Wrap(err, "[Manager.Commit]")
	}
	return nil
}

// Logout tells the backend (best effort) and then clears the session whatever the backend
// said. It returns the login surface to send the user to.
func (m *Manager) Logout(ctx context.Context) (string, error) {
	m.lock.Lock()
	m.generation++
	sess, err := m.store.Load()
	m.lock.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("logout: stored session unreadable")
	}

	loginPath := credentials.LoginPath
	if sess != nil {
		loginPath = sess.Role.LoginPath()
		if err := m.auth.Logout(ctx, sess.RefreshToken); err != nil {
			log.Warn().Err(err).Str("user", sess.Profile.ID).Msg("backend logout failed, clearing locally")
		}
	}

	m.lock.Lock()
	m.generation++
	err = m.store.Clear()
	m.lock.Unlock()
	if err != nil {
		return loginPath, errors.Wrap(err, "[Manager.Logout]")
	}
	if sess != nil {
		log.Info().Str("user", sess.Profile.ID).Msg("signed out")
	}
	return loginPath, nil
}

// Session returns the stored session, or nil when nobody is signed in. A corrupt session is
// cleared by the load and counts as a sign-out for any refresh in flight.
func (m *Manager) Session(_ context.Context) (*credentials.Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	sess, err := m.store.Load()
	if err != nil {
		if errors.Is(err, apperrors.ErrCorruptSession) {
			m.generation++
		}
		return nil, errors.Wrap(err, "[Manager.Session]")
	}
	return sess, nil
}

// RefetchProfile asks the backend for the signed-in user's record and stores it as the
// session profile. An access token the backend already considers expired is refreshed once
// first. It returns nil when nobody is signed in. A record for another user, or one claiming
// superuser for an ordinary session, clears the session and forces a logout.
func (m *Manager) RefetchProfile(ctx context.Context) (*credentials.Profile, error) {
	sess, err := m.Session(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	user, err := m.auth.CurrentUser(ctx, sess.AccessToken)
	if errors.Is(err, apperrors.ErrTokenExpired) {
		if sess, err = m.RefreshStale(ctx, sess.AccessToken); err != nil {
			return nil, errors.Wrap(err, "[Manager.RefetchProfile]")
		}
		user, err = m.auth.CurrentUser(ctx, sess.AccessToken)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.RefetchProfile] CurrentUser")
	}

	m.lock.Lock()
	stored, err := m.store.Load()
	if err != nil || stored == nil || stored.Profile.ID != sess.Profile.ID {
		if errors.Is(err, apperrors.ErrCorruptSession) {
			m.generation++
		}
		m.lock.Unlock()
		return nil, fmt.Errorf("[Manager.RefetchProfile] %w: signed out while fetching profile", apperrors.ErrSessionExpired)
	}

	profile, err := profileFor(stored, user)
	if err != nil {
		m.generation++
		err = fmt.Errorf("[Manager.RefetchProfile] %w: %w", apperrors.ErrSessionExpired, apperrors.Join(err, m.store.Clear()))
		handlers := append([]ForcedLogoutHandler(nil), m.handlers...)
		m.lock.Unlock()
		m.signalForcedLogout(handlers, stored.Profile.ID, err)
		return nil, err
	}

	stored.Profile = profile
	err = m.store.Save(stored)
	m.lock.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.RefetchProfile]")
	}
	return &profile, nil
}

// Restore loads the stored session at start-up and rewrites the cookie mirror from it.
func (m *Manager) Restore(_ context.Context) (*credentials.Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.store.CheckConsistency(); err != nil {
		log.Warn().Err(err).Msg("credential stores disagree, resyncing from local store")
	}
	if err := m.store.Resync(); err != nil {
		return nil, errors.Wrap(err, "[Manager.Restore] Resync")
	}
	sess, err := m.store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Restore] Load")
	}
	return sess, nil
}

// MirrorPresence reports what the cookie mirror says about the session.
func (m *Manager) MirrorPresence() (bool, credentials.Role, error) {
	return m.store.MirrorPresence()
}

// CheckConsistency reports ErrStoreDivergence when the cookie mirror and local store disagree.
func (m *Manager) CheckConsistency() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.store.CheckConsistency()
}

// CurrentUser returns the profile of the signed-in user, refreshed with whatever the access
// token claims carry. It returns nil when there is no valid session. A token whose subject
// is a different user means the store was tampered with or mixed up; the session is cleared.
func (m *Manager) CurrentUser(_ context.Context) (*credentials.Profile, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	sess, err := m.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("current user: discarded unreadable session")
		return nil, nil
	}
	if !credentials.HasValidShape(sess) {
		return nil, nil
	}

	profile, err := mergeClaims(sess.Profile, sess.AccessToken)
	if err != nil {
		log.Error().Err(err).Str("user", sess.Profile.ID).Msg("current user: token does not belong to stored profile")
		m.generation++
		if clearErr := m.store.Clear(); clearErr != nil {
			return nil, errors.Wrap(clearErr, "[Manager.CurrentUser]")
		}
		return nil, nil
	}
	return &profile, nil
}

// TokenExpiring reports whether access is about to expire and should be refreshed before
// use. Opaque tokens are never considered expiring.
func (m *Manager) TokenExpiring(access string) bool {
	claims, err := token.Decode(access)
	if err != nil {
		return false
	}
	return claims.Expired(m.nowFunc(), m.cfg.GetClockSkew())
}

// profileFor turns a backend user record into the profile for current. The role stays the one
// granted at sign-in: a record claiming superuser for an ordinary session is refused.
func profileFor(current *credentials.Session, user *authapi.UserPayload) (credentials.Profile, error) {
	profile, err := credentials.ProfileFromPayload(user)
	if err != nil {
		return credentials.Profile{}, err
	}
	if profile.ID != current.Profile.ID {
		return credentials.Profile{}, fmt.Errorf("%w: backend record is for user %q", apperrors.ErrCorruptSession, profile.ID)
	}
	if profile.Role == credentials.RoleSuperuser && current.Role != credentials.RoleSuperuser {
		return credentials.Profile{}, fmt.Errorf("%w: backend reports superuser for a %s session", apperrors.ErrRoleMismatch, current.Role)
	}
	if profile.Role != current.Role && current.Role != credentials.RoleSuperuser {
		log.Info().Str("user", profile.ID).Str("backend_role", string(profile.Role)).Str("role", string(current.Role)).
			Msg("backend role changed, keeping the signed-in role until the next sign-in")
	}
	profile.Role = current.Role
	return profile, nil
}

func (m *Manager) signalForcedLogout(handlers []ForcedLogoutHandler, userID string, reason error) {
	m.metrics.forcedLogouts.Inc()
	log.Warn().Err(reason).Str("user", userID).Msg("session cleared, forcing logout")
	for _, handler := range handlers {
		handler(reason)
	}
}

// mergeClaims fills empty display fields of profile from the access token. Opaque tokens
// leave the profile untouched.
func mergeClaims(profile credentials.Profile, access string) (credentials.Profile, error) {
	claims, err := token.Decode(access)
	if err != nil {
		return profile, nil
	}
	if claims.Subject != profile.ID {
		return profile, fmt.Errorf("%w: token subject %q, profile %q", apperrors.ErrCorruptSession, claims.Subject, profile.ID)
	}
	if profile.Email == "" {
		profile.Email = claims.Email
	}
	if profile.Name == "" && claims.Name != "" {
		profile.Name = claims.Name
		profile.DeriveNames()
	}
	return profile, nil
}

// payloadFromClaims builds a user record from the access token when the login reply omits it.
func payloadFromClaims(access string) (*authapi.UserPayload, error) {
	claims, err := token.Decode(access)
	if err != nil {
		return nil, err
	}
	return &authapi.UserPayload{
		ID:    claims.Subject,
		Email: strings.TrimSpace(claims.Email),
		Name:  claims.Name,
		Role:  claims.Role,
	}, nil
}
