// Package httpc builds HTTP clients with timeouts set. Outbound calls such
// as alert webhooks go through these instead of http.DefaultClient.
package httpc

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout = 10 * time.Second
	dialTimeout    = 5 * time.Second
	keepAlive      = 30 * time.Second
	idleTimeout    = 90 * time.Second
)

// UserAgent is sent on requests that do not set their own.
const UserAgent = "go-posture/1.0"

// Client is the shared client for outbound alerts.
var Client = NewClient(DefaultTimeout)

// NewClient returns a client whose requests time out after timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &agentTransport{base: newTransport()},
	}
}

// newTransport keeps a small idle pool; alerts go to one or two hosts.
func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   dialTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

type agentTransport struct {
	base http.RoundTripper
}

func (t *agentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") == "" {
		r = r.Clone(r.Context())
		r.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(r)
}
