// Package transport attaches the session's bearer token to outgoing backend requests and
// recovers from expired access tokens by refreshing once and replaying the request.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jrsteele09/school-console/backend"
	"github.com/jrsteele09/school-console/credentials"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of the session manager the transport needs.
type Sessions interface {
	Session(ctx context.Context) (*credentials.Session, error)
	RefreshStale(ctx context.Context, usedAccess string) (*credentials.Session, error)
}

// expiryChecker lets the transport refresh before sending a token it already knows is stale.
type expiryChecker interface {
	TokenExpiring(access string) bool
}

type retriedKey struct{}

// WithRetried marks ctx as belonging to a request that has already been replayed after a
// refresh. A 401 on such a request is final.
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

type Transport struct {
	Base       http.RoundTripper
	Sessions   Sessions
	MaxRetries int
	NewBackOff func() backoff.BackOff
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Transport.RoundTrip] reading body")
	}

	sess, err := t.Sessions.Session(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("transport: stored session unreadable, sending unauthenticated")
	}

	if sess != nil {
		if checker, ok := t.Sessions.(expiryChecker); ok && checker.TokenExpiring(sess.AccessToken) {
			if sess, err = t.Sessions.RefreshStale(ctx, sess.AccessToken); err != nil {
				return nil, err
			}
			// The request has had its refresh; a 401 now is final.
			ctx = WithRetried(ctx)
			req = req.WithContext(ctx)
		}
	}

	resp, err := t.send(req, body, sess)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || sess == nil {
		return resp, nil
	}
	discard(resp)

	if retried(ctx) {
		return nil, errors.Wrapf(apperrors.ErrSessionExpired, "[Transport.RoundTrip] %s %s rejected after refresh", req.Method, req.URL.Path)
	}

	next, err := t.Sessions.RefreshStale(ctx, sess.AccessToken)
	if err != nil {
		return nil, err
	}

	replay := req.WithContext(WithRetried(ctx))
	resp, err = t.send(replay, body, next)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, errors.Wrapf(apperrors.ErrSessionExpired, "[Transport.RoundTrip] %s %s rejected after refresh", req.Method, req.URL.Path)
	}
	return resp, nil
}

// send performs one logical attempt, retrying network failures of idempotent requests.
// A nil sess sends the request unauthenticated.
func (t *Transport) send(req *http.Request, body []byte, sess *credentials.Session) (*http.Response, error) {
	requestID := req.Header.Get(backend.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var resp *http.Response
	operation := func() error {
		out := req.Clone(req.Context())
		if body != nil {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
			out.ContentLength = int64(len(body))
		}
		out.Header.Set(backend.RequestIDHeader, requestID)
		out.Header.Del("Authorization")
		if sess != nil {
			sess.OAuth2Token().SetAuthHeader(out)
		}

		var err error
		resp, err = t.base().RoundTrip(out)
		if err != nil && req.Context().Err() != nil {
			return backoff.Permanent(req.Context().Err())
		}
		return err
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if idempotent(req.Method) && t.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(t.newBackOff(), uint64(t.MaxRetries))
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, req.Context())); err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", apperrors.ErrNetworkUnavailable, req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) newBackOff() backoff.BackOff {
	if t.NewBackOff != nil {
		return t.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
