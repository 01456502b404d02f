package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	ConnectTimeout = 5 * time.Second
	PollInterval   = 5 * time.Millisecond
)

// WithTimeout polls f until it returns an empty string, failing the test with
// the last returned message once the timeout elapses. The timeout defaults to
// ConnectTimeout.
func WithTimeout(t testing.TB, f func() string, timeout ...time.Duration) {
	t.Helper()

	d := ConnectTimeout
	if len(timeout) > 0 {
		d = timeout[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	lastErr := f()
	if lastErr == "" {
		return
	}
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("did not reach expected state after %v: %s", d, lastErr)
			return
		case <-time.After(PollInterval):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}

// Never fails the test if f returns a non-empty string at any point during d.
func Never(t testing.TB, f func() string, d time.Duration) {
	t.Helper()

	deadline := time.After(d)
	for {
		if msg := f(); msg != "" {
			t.Fatalf("unexpected state: %s", msg)
			return
		}
		select {
		case <-deadline:
			return
		case <-time.After(PollInterval):
		}
	}
}
