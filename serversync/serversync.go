// Package serversync speaks the client half of the server-to-server
// synchronization protocol.
//
// A Client wraps the two upstream endpoints (the sync service and its DSS
// authentication sibling) and exposes one method per protocol operation.
// The Authenticator layers the three-leg token flow on top. Anchors, cookies
// and configuration are surfaced as plain serializable values so callers can
// persist them alongside their stores.
package serversync

import (
	"net/http"
	"net/url"
	"time"

	"github.com/quay/ussync/internal/soap"
)

// DefaultEndpoint is the Microsoft upstream sync service.
const DefaultEndpoint = `https://sws.update.microsoft.com/ServerSyncWebService/ServerSyncWebService.asmx`

// ProtocolVersion is the protocol version literal sent on GetCookie calls.
const ProtocolVersion = "1.7"

// Service namespaces.
const (
	nsServerSync = "http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService"
	nsDSSAuth    = "http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService"
)

// Client issues protocol calls against one upstream server.
type Client struct {
	endpoint *url.URL
	hc       *http.Client
	timeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the http.Client used for all calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New constructs a Client against the provided endpoint, or DefaultEndpoint
// when empty.
func New(endpoint string, opt ...Option) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	c := Client{
		endpoint: u,
		hc:       http.DefaultClient,
	}
	for _, o := range opt {
		o(&c)
	}
	return &c, nil
}

// Endpoint reports the sync service URL.
func (c *Client) Endpoint() string { return c.endpoint.String() }

func (c *Client) soapClient(u *url.URL) *soap.Client {
	return &soap.Client{
		Endpoint: u,
		HTTP:     c.hc,
		Timeout:  c.timeout,
	}
}

// Resolve turns a possibly-relative plug-in service URL into an absolute
// one, using the sync endpoint as base.
func (c *Client) resolve(service string) (*url.URL, error) {
	u, err := url.Parse(service)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	return c.endpoint.ResolveReference(u), nil
}

func action(ns, op string) string { return ns + "/" + op }
