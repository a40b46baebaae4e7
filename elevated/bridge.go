// Package elevated signs operators in through the superuser surface. The operator identity is
// checked locally against configuration before the backend is contacted, and the issued token
// must pass an authenticated ping before the session is committed.
package elevated

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/internal/config"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Sessions is the two-phase login of the session manager.
type Sessions interface {
	Exchange(ctx context.Context, creds session.Credentials) (*credentials.Session, error)
	Commit(ctx context.Context, sess *credentials.Session) error
}

// Pinger performs the authenticated verification call.
type Pinger interface {
	Ping(ctx context.Context, accessToken string) error
}

type Bridge struct {
	sessions Sessions
	pinger   Pinger
	cfg      config.ElevatedConfig
	metrics  *session.Metrics
}

type Option func(*Bridge)

// WithMetrics records elevated logins in the session manager's series.
func WithMetrics(metrics *session.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

func New(sessions Sessions, pinger Pinger, cfg config.ElevatedConfig, options ...Option) (*Bridge, error) {
	if sessions == nil {
		return nil, errors.New("[elevated.New] sessions is required")
	}
	if pinger == nil {
		return nil, errors.New("[elevated.New] pinger is required")
	}
	if cfg == nil {
		return nil, errors.New("[elevated.New] config is required")
	}
	b := &Bridge{sessions: sessions, pinger: pinger, cfg: cfg}
	for _, opt := range options {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = session.NewMetrics(nil)
	}
	return b, nil
}

// Login signs the operator in. Nothing is written to the credential store unless every step
// succeeds.
func (b *Bridge) Login(ctx context.Context, creds session.Credentials) (*credentials.Session, error) {
	sess, err := b.login(ctx, creds.Normalised())
	b.metrics.ObserveLogin(session.SurfaceElevated, err)
	if err != nil {
		log.Warn().Err(err).Msg("elevated login failed")
		return nil, err
	}
	log.Info().Str("user", sess.Profile.ID).Msg("elevated session started")
	return sess, nil
}

func (b *Bridge) login(ctx context.Context, creds session.Credentials) (*credentials.Session, error) {
	if err := b.checkOperator(creds); err != nil {
		return nil, err
	}

	sess, err := b.sessions.Exchange(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("[Bridge.Login] %w: %w", apperrors.ErrElevatedVerificationFailed, err)
	}

	if err := b.pinger.Ping(ctx, sess.AccessToken); err != nil {
		return nil, fmt.Errorf("[Bridge.Login] %w: verification ping: %w", apperrors.ErrElevatedVerificationFailed, err)
	}

	sess.Role = credentials.RoleSuperuser
	sess.Profile.Role = credentials.RoleSuperuser
	if err := b.sessions.Commit(ctx, sess); err != nil {
		return nil, fmt.Errorf("[Bridge.Login] %w: %w", apperrors.ErrElevatedVerificationFailed, err)
	}
	return sess, nil
}

// checkOperator compares creds with the configured operator. An unconfigured operator
// rejects everyone.
func (b *Bridge) checkOperator(creds session.Credentials) error {
	email, hash := b.cfg.GetOperatorEmail(), b.cfg.GetOperatorPasswordHash()
	if email == "" || hash == "" {
		return errors.Wrap(apperrors.ErrInvalidCredentials, "[Bridge.Login] no operator configured")
	}
	emailOK := strings.EqualFold(strings.TrimSpace(email), creds.Email)
	passwordOK := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)) == nil
	if !emailOK || !passwordOK {
		return errors.Wrap(apperrors.ErrInvalidCredentials, "[Bridge.Login] operator credentials do not match")
	}
	return nil
}

// HashPassword produces the value to configure as the operator password hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "[elevated.HashPassword] bcrypt")
	}
	return string(hash), nil
}
