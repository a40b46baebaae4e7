// Package backend talks to the auth endpoints of the school REST backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jrsteele09/school-console/authapi"
	"github.com/jrsteele09/school-console/internal/config"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/jrsteele09/school-console/backend"

	// RequestIDHeader correlates console log lines with backend log lines.
	RequestIDHeader = "X-Request-ID"
)

// Auth is the subset of the backend the session manager depends on.
type Auth interface {
	Login(ctx context.Context, email, password string) (*authapi.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	CurrentUser(ctx context.Context, accessToken string) (*authapi.UserPayload, error)
	Ping(ctx context.Context, accessToken string) error
}

var _ Auth = (*Client)(nil)

type Client struct {
	cfg        config.BackendConfig
	httpClient *http.Client
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

// WithHTTPClient replaces the default client, typically with an httptest server's client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBackOff sets the delay policy between retries of network failures.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

func New(cfg config.BackendConfig, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("[backend.New] config is required")
	}
	if cfg.GetBackendBaseURL() == "" {
		return nil, errors.New("[backend.New] backend base URL is required")
	}

	c := &Client{
		cfg:        cfg,
		httpClient: http.DefaultClient,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range options {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c, nil
}

// Login exchanges credentials for a token pair and the user's profile.
func (c *Client) Login(ctx context.Context, email, password string) (*authapi.LoginResponse, error) {
	var resp authapi.LoginResponse
	err := c.do(ctx, call{
		name:     "login",
		method:   http.MethodPost,
		path:     c.cfg.GetLoginPath(),
		body:     authapi.LoginRequest{Email: email, Password: password},
		out:      &resp,
		retry:    true,
		classify: classifyLogin,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Login]")
	}
	return &resp, nil
}

// Refresh trades a refresh token for a new access token. It is never retried: a rotated
// refresh token would be spent by the first attempt.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResponse, error) {
	var resp authapi.RefreshResponse
	err := c.do(ctx, call{
		name:     "refresh",
		method:   http.MethodPost,
		path:     c.cfg.GetRefreshPath(),
		body:     authapi.RefreshRequest{Refresh: refreshToken},
		out:      &resp,
		classify: classifyRefresh,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Refresh]")
	}
	return &resp, nil
}

// Logout revokes refreshToken on the backend.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	err := c.do(ctx, call{
		name:     "logout",
		method:   http.MethodPost,
		path:     c.cfg.GetLogoutPath(),
		body:     authapi.LogoutRequest{Refresh: refreshToken},
		retry:    true,
		classify: classifyDefault,
	})
	return errors.Wrap(err, "[Client.Logout]")
}

func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*authapi.UserPayload, error) {
	var user authapi.UserPayload
	err := c.do(ctx, call{
		name:     "me",
		method:   http.MethodGet,
		path:     c.cfg.GetCurrentUserPath(),
		bearer:   accessToken,
		out:      &user,
		retry:    true,
		classify: classifyDefault,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.CurrentUser]")
	}
	return &user, nil
}

// Ping performs an authenticated GET and discards the body.
func (c *Client) Ping(ctx context.Context, accessToken string) error {
	err := c.do(ctx, call{
		name:     "ping",
		method:   http.MethodGet,
		path:     c.cfg.GetPingPath(),
		bearer:   accessToken,
		retry:    true,
		classify: classifyDefault,
	})
	return errors.Wrap(err, "[Client.Ping]")
}

type call struct {
	name     string
	method   string
	path     string
	bearer   string
	body     any
	out      any
	retry    bool
	classify func(status int, message string) error
}

func (c *Client) do(ctx context.Context, cl call) error {
	var payload []byte
	if cl.body != nil {
		var err error
		if payload, err = json.Marshal(cl.body); err != nil {
			return errors.Wrap(err, "json.Marshal")
		}
	}

	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "backend."+cl.name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", cl.method),
			attribute.String("backend.path", cl.path),
			attribute.String("request.id", requestID),
		),
	)
	defer span.End()

	attempts := 0
	operation := func() error {
		attempts++
		err := c.attempt(ctx, cl, payload, requestID)
		if err == nil || errors.Is(err, apperrors.ErrNetworkUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if cl.retry {
		policy = backoff.WithMaxRetries(c.newBackOff(), uint64(max(c.cfg.GetBackendMaxRetries(), 0)))
	}
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	span.SetAttributes(attribute.Int("backend.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Client) attempt(ctx context.Context, cl call, payload []byte, requestID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetBackendTimeout())
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.cfg.GetBackendBaseURL()+cl.path, body)
	if err != nil {
		return errors.Wrap(err, "http.NewRequest")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+cl.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading body: %w", apperrors.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cl.classify(resp.StatusCode, errorMessage(data))
	}
	if cl.out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, cl.out); err != nil {
		return fmt.Errorf("%w: undecodable %s response: %w", apperrors.ErrUnexpectedStatus, cl.name, err)
	}
	return nil
}

func classifyLogin(status int, message string) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return &apperrors.BackendError{StatusCode: status, Message: message, Kind: apperrors.ErrInvalidCredentials}
	}
	return classifyDefault(status, message)
}

func classifyRefresh(status int, message string) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return &apperrors.BackendError{StatusCode: status, Message: message, Kind: apperrors.ErrSessionExpired}
	}
	return classifyDefault(status, message)
}

func classifyDefault(status int, message string) error {
	kind := apperrors.ErrUnexpectedStatus
	switch status {
	case http.StatusUnauthorized:
		kind = apperrors.ErrTokenExpired
	case http.StatusForbidden:
		kind = apperrors.ErrForbidden
	}
	return &apperrors.BackendError{StatusCode: status, Message: message, Kind: kind}
}

func errorMessage(data []byte) string {
	var body authapi.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Text() != "" {
		return body.Text()
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 || strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}
