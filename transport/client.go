package transport

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Option func(*options)

type options struct {
	base       http.RoundTripper
	timeout    time.Duration
	maxRetries int
	newBackOff func() backoff.BackOff
}

// WithBase sets the round tripper requests finally go through.
func WithBase(base http.RoundTripper) Option {
	return func(o *options) {
		o.base = base
	}
}

// WithTimeout bounds each request including any refresh and replay.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithRetryPolicy sets how many times an idempotent request is resent after a network
// failure, and the delay between attempts.
func WithRetryPolicy(maxRetries int, newBackOff func() backoff.BackOff) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.newBackOff = newBackOff
	}
}

// NewClient returns an http.Client whose requests carry the current session's token.
func NewClient(sessions Sessions, opts ...Option) *http.Client {
	o := options{maxRetries: 2}
	for _, opt := range opts {
		opt(&o)
	}
	return &http.Client{
		Timeout: o.timeout,
		Transport: &Transport{
			Base:       o.base,
			Sessions:   sessions,
			MaxRetries: o.maxRetries,
			NewBackOff: o.newBackOff,
		},
	}
}
