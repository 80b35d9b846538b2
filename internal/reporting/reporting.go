// Package reporting forwards server-side failures to Sentry when a DSN is
// configured. A Reporter without a DSN does nothing.
package reporting

import (
	"fmt"

	"github.com/getsentry/raven-go"
)

// Reporter captures errors to Sentry.
type Reporter struct {
	enabled bool
}

// New configures the Sentry client. An empty dsn returns a disabled Reporter.
func New(dsn, environment, release string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	if err := raven.SetDSN(dsn); err != nil {
		return nil, fmt.Errorf("reporting: invalid sentry dsn: %w", err)
	}
	raven.SetEnvironment(environment)
	if release != "" {
		raven.SetRelease(release)
	}
	return &Reporter{enabled: true}, nil
}

// Enabled reports whether errors are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// Capture sends err with tags. It does not block.
func (r *Reporter) Capture(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	raven.CaptureError(err, tags)
}

// Flush waits for queued events to be sent.
func (r *Reporter) Flush() {
	if r.Enabled() {
		raven.Wait()
	}
}
