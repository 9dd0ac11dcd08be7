// Package monitoring reports unexpected failures to Sentry.
package monitoring

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards failures that need a human to look at them.
type Reporter interface {
	Capture(err error, tags map[string]string)
}

type Nop struct{}

func (Nop) Capture(error, map[string]string) {}

type Options struct {
	DSN         string
	Environment string
	Release     string
}

type Sentry struct {
	hub *sentry.Hub
}

// Init configures the global Sentry client. An empty DSN yields a Nop.
func Init(opts Options) (Reporter, func(), error) {
	if opts.DSN == "" {
		return Nop{}, func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
	})
	if err != nil {
		return Nop{}, func() {}, err
	}

	return &Sentry{hub: sentry.CurrentHub()}, func() { sentry.Flush(2 * time.Second) }, nil
}

func (s *Sentry) Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		s.hub.CaptureException(err)
	})
}

// Recover turns handler panics into a 500 and reports them when Sentry is
// configured.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), rec)
				hub.Flush(2 * time.Second)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal_error"}`))
			}
		}()
		next.ServeHTTP(w, req)
	})
}
