// Package upstream holds the HTTP clients for the pool engine's external
// collaborators: the domain-authority scorer, the content classifier, the
// site-ownership verifier, and the link-presence checker. Every failure mode
// (non-2xx, timeout, malformed payload) surfaces as apperr.ErrUpstream so the
// engine treats it as unknown/retry-later, never as an implicit success.
package upstream

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/starford/gebo/internal/apperr"
)

const defaultTimeout = 30 * time.Second

func newClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("user-agent", "gebo-pool/1.0")
	return client
}

func statusErr(op string, res *resty.Response) error {
	return fmt.Errorf("%s: unexpected status %d: %w", op, res.StatusCode(), apperr.ErrUpstream)
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrUpstream)
}
