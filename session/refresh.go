package session

import (
	"context"
	"fmt"

	"github.com/jrsteele09/school-console/authapi"
	"github.com/jrsteele09/school-console/credentials"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// refreshCall is one refresh cycle. The manager is Idle while inflight is nil and
// Refreshing while it is set; every caller arriving during a cycle waits on the same call.
type refreshCall struct {
	done chan struct{}
	sess *credentials.Session
	err  error
}

func (c *refreshCall) wait(ctx context.Context) (*credentials.Session, error) {
	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return c.sess.Clone(), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "[Manager.Refresh] waiting for refresh")
	}
}

// Refresh exchanges the stored refresh token for a new access token. Concurrent callers
// share a single backend call. On failure the session is cleared, forced logout handlers
// run, and the returned error wraps ErrSessionExpired.
func (m *Manager) Refresh(ctx context.Context) (*credentials.Session, error) {
	return m.refresh(ctx, "")
}

// RefreshStale is Refresh for a caller whose request was rejected while carrying
// usedAccess. If the stored access token has already moved on, the stored session is
// returned without contacting the backend.
func (m *Manager) RefreshStale(ctx context.Context, usedAccess string) (*credentials.Session, error) {
	return m.refresh(ctx, usedAccess)
}

func (m *Manager) refresh(ctx context.Context, usedAccess string) (*credentials.Session, error) {
	m.lock.Lock()
	if call := m.inflight; call != nil {
		m.lock.Unlock()
		m.metrics.refreshJoins.Inc()
		return call.wait(ctx)
	}

	sess, err := m.store.Load()
	if err != nil || sess == nil {
		m.lock.Unlock()
		if err == nil {
			err = errors.New("no stored session")
		}
		return nil, fmt.Errorf("[Manager.Refresh] %w: %w", apperrors.ErrSessionExpired, err)
	}
	if usedAccess != "" && sess.AccessToken != usedAccess {
		m.lock.Unlock()
		return sess, nil
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	generation := m.generation
	m.lock.Unlock()

	// The cycle outlives ctx: a caller going away must not leave the store half-updated.
	go m.runRefresh(call, sess, generation)
	return call.wait(ctx)
}

func (m *Manager) runRefresh(call *refreshCall, current *credentials.Session, generation uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GetRefreshTimeout())
	defer cancel()

	resp, err := m.auth.Refresh(ctx, current.RefreshToken)
	m.metrics.observeRefresh(err)

	var next *credentials.Session
	if err == nil {
		next, err = m.applyRefresh(ctx, current, resp)
	}

	forced := false
	m.lock.Lock()
	switch {
	case generation != m.generation:
		// A login or logout happened meanwhile; its state wins.
		next, err = m.supersededResult()
	case err == nil:
		if saveErr := m.store.Save(next); saveErr != nil {
			err = saveErr
			forced = true
		}
	default:
		if clearErr := m.store.Clear(); clearErr != nil {
			log.Err(clearErr).Msg("refresh: clearing session failed")
		}
		m.generation++
		forced = true
	}
	if forced {
		next = nil
		err = fmt.Errorf("[Manager.Refresh] %w: %w", apperrors.ErrSessionExpired, err)
	}
	m.inflight = nil
	handlers := append([]ForcedLogoutHandler(nil), m.handlers...)
	m.lock.Unlock()

	// Handlers run before waiters are released so a caller seeing the error can rely on
	// the forced logout having been signalled.
	if forced {
		m.signalForcedLogout(handlers, current.Profile.ID, err)
	} else if err == nil {
		log.Debug().Str("user", next.Profile.ID).Msg("access token refreshed")
	}

	call.sess, call.err = next, err
	close(call.done)
}

// applyRefresh builds the next session: a new access token, the refresh token only if the
// backend rotated it, and the profile from the reply. Without a user in the reply the profile
// is re-derived from the new token's claims, or fetched from the backend when the token is
// opaque. The role never changes.
func (m *Manager) applyRefresh(ctx context.Context, current *credentials.Session, resp *authapi.RefreshResponse) (*credentials.Session, error) {
	if resp.Tokens.Access == "" {
		return nil, errors.Wrap(apperrors.ErrIncompleteToken, "[Manager.Refresh] reply has no access token")
	}

	next := current.Clone()
	next.AccessToken = resp.Tokens.Access
	if resp.Tokens.Refresh != "" {
		next.RefreshToken = resp.Tokens.Refresh
	}

	user := resp.User
	if user == nil {
		if _, err := token.Decode(next.AccessToken); err != nil {
			if user, err = m.auth.CurrentUser(ctx, next.AccessToken); err != nil {
				log.Warn().Err(err).Str("user", current.Profile.ID).Msg("refresh: profile fetch failed, keeping stored profile")
				user = nil
			}
		}
	}

	if user != nil {
		profile, err := profileFor(current, user)
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.Refresh]")
		}
		next.Profile = profile
		return next, nil
	}

	profile, err := mergeClaims(current.Profile, next.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Refresh]")
	}
	next.Profile = profile
	return next, nil
}

// supersededResult is what waiters of a discarded cycle get: whatever session is stored now.
// Called with m.lock held.
func (m *Manager) supersededResult() (*credentials.Session, error) {
	sess, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("[Manager.Refresh] %w: %w", apperrors.ErrSessionExpired, err)
	}
	if sess == nil {
		return nil, errors.Wrap(apperrors.ErrSessionExpired, "[Manager.Refresh] signed out during refresh")
	}
	return sess, nil
}
