package console

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

func (s *Server) HTMLMiddleware(mw ...func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	chainedMiddleware := []func(http.Handler) http.Handler{
		s.RequestIDMiddleware,
		s.LoggingMiddleware,
		s.RecoverMiddleware,
		s.FrameSecurityMiddleware,
		s.CookieSyncMiddleware,
	}
	return append(chainedMiddleware, mw...)
}

// RequestIDMiddleware tags the request with the id sent on to the backend.
func (s *Server) RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.env == "DEV" {
			logRoute(r.Method, r.URL.Path)
		}
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) FrameSecurityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("path", r.URL.Path).Msg("handler panicked")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CookieSyncMiddleware copies the cookie mirror onto every response just before its headers
// are sent, so whatever a handler did to the session reaches the browser with that response.
func (s *Server) CookieSyncMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &cookieSyncWriter{ResponseWriter: w, apply: s.app.Mirror.Apply}
		next.ServeHTTP(sw, r)
		sw.sync()
	})
}

type cookieSyncWriter struct {
	http.ResponseWriter
	apply  func(http.ResponseWriter)
	synced bool
}

func (w *cookieSyncWriter) sync() {
	if w.synced {
		return
	}
	w.synced = true
	w.apply(w.ResponseWriter)
}

func (w *cookieSyncWriter) WriteHeader(status int) {
	w.sync()
	w.ResponseWriter.WriteHeader(status)
}

func (w *cookieSyncWriter) Write(b []byte) (int, error) {
	w.sync()
	return w.ResponseWriter.Write(b)
}

func (w *cookieSyncWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
