package tracing

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/noetl/noetl/internal/config"
)

// InitSentry initializes the global Sentry client used to capture
// orchestration-internal panics and unexpected broker errors. Returns a
// cleanup function that flushes buffered events; call it on shutdown.
// If Sentry is disabled, InitSentry is a no-op.
func InitSentry(cfg *config.ObservabilityConfig) (func(), error) {
	if !cfg.SentryEnabled {
		return func() {}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		SampleRate:       cfg.SentrySampleRate,
		AttachStacktrace: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	cleanup := func() {
		sentry.Flush(2 * time.Second)
	}
	return cleanup, nil
}

// CaptureError reports err to Sentry if a client was initialized. A
// disabled/uninitialized client is a safe no-op, so callers don't need
// to check cfg.SentryEnabled themselves.
func CaptureError(err error) {
	if hub := sentry.CurrentHub(); hub != nil && hub.Client() != nil {
		hub.CaptureException(err)
	}
}

// RecoverAndReport reports a recovered panic to Sentry and returns it
// as an error so the caller can log it through its normal error path.
// Call from a deferred function: `if r := recover(); r != nil { ... }`.
func RecoverAndReport(r interface{}) error {
	if hub := sentry.CurrentHub(); hub != nil && hub.Client() != nil {
		hub.Recover(r)
		sentry.Flush(2 * time.Second)
	}
	return fmt.Errorf("panic: %v", r)
}
