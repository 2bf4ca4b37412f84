// Package telemetry wires Sentry error tracking into perch.
//
// Usage in main.go:
//
//	telemetry.InitSentry(cfg.SentryDSN, version)
//	defer telemetry.Flush()
//
// Usage at failure sites:
//
//	telemetry.CaptureError(err, map[string]string{"operation": "charge"})
//
// Events are scrubbed before transmission: tenant API keys travel in
// Authorization and x-api-key headers and must never reach Sentry.
package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry initializes the Sentry SDK. Call once at process startup.
// dsn may be empty, which disables Sentry without error. release should be
// the git SHA or version tag.
func InitSentry(dsn, release string) error {
	env := os.Getenv("PERCH_ENV")
	if env == "" {
		env = "development"
	}

	if dsn == "" {
		fmt.Fprintln(os.Stderr, "[telemetry] SENTRY_DSN not set, Sentry disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		TracesSampleRate: 0.2,
		AttachStacktrace: true,
		Tags: map[string]string{
			"service": "perch",
		},
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrubSecrets(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	return nil
}

// CaptureError sends an error to Sentry with optional context tags.
// Safe to call when Sentry is disabled.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage sends a non-error event, e.g. a storage fallback transition.
func CaptureMessage(message string, level sentry.Level, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(message)
	})
}

// Flush waits for buffered events to be sent. Call with defer in main().
func Flush() {
	sentry.Flush(2 * time.Second)
}

// PanicRecoveryMiddleware catches handler panics, reports them to Sentry
// with request context, and answers 500.
func PanicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.Scope().SetTag("panic", "true")

				var err error
				switch v := rec.(type) {
				case error:
					err = v
				default:
					err = fmt.Errorf("panic: %v", v)
				}
				hub.CaptureException(err)
				hub.Flush(2 * time.Second)

				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// scrubSecrets strips credentials from events before transmission. The
// request path carries tenant keys in headers and the admin path carries
// session JWTs; none of them belong in an error tracker.
func scrubSecrets(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}

	event.User.Email = ""
	event.User.IPAddress = ""

	if event.Request != nil {
		headers := event.Request.Headers
		for k := range headers {
			switch http.CanonicalHeaderKey(k) {
			case "Authorization", "Cookie", "X-Api-Key", "X-Auth-Token":
				headers[k] = "[redacted]"
			}
		}
		event.Request.QueryString = ""
	}

	return event
}
