// Package soap is a minimal SOAP 1.1 client used by the server-sync
// protocol.
//
// It covers exactly what the sync endpoints need: document-literal request
// envelopes, response body extraction, and fault translation into the ussync
// error domain. It is not a general SOAP implementation.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/ussync"
)

// DefaultTimeout bounds a single protocol round-trip.
const DefaultTimeout = 60 * time.Second

// Client issues SOAP calls against a single endpoint.
type Client struct {
	// Endpoint is the service URL.
	Endpoint *url.URL
	// HTTP is the underlying client. Nil means http.DefaultClient.
	HTTP *http.Client
	// Timeout is the per-call timeout; zero means DefaultTimeout.
	Timeout time.Duration
}

const envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

type requestEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	NS      string   `xml:"xmlns:soap,attr"`
	Body    requestBody
}

type requestBody struct {
	XMLName xml.Name `xml:"soap:Body"`
	Payload any
}

type responseEnvelope struct {
	XMLName xml.Name     `xml:"Envelope"`
	Body    responseBody `xml:"Body"`
}

type responseBody struct {
	Fault *Fault `xml:"Fault"`
	Inner []byte `xml:",innerxml"`
}

// Fault is a SOAP 1.1 fault, kept verbatim.
type Fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Actor  string `xml:"faultactor"`
	Detail string `xml:",innerxml"`
}

// Call performs one request/response round-trip.
//
// The req value is marshalled as the only child of the SOAP body and must
// carry its own namespaced XMLName; resp likewise names the expected response
// element. Transport-level failures come back as EndpointError, faults as
// UpstreamServerError, except the InvalidAuthorizationCookie signal which
// maps to its sentinel.
func (c *Client) Call(ctx context.Context, action string, req, resp any) error {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/soap/Client.Call")
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := requestEnvelope{
		NS: envelopeNS,
		Body: requestBody{
			Payload: req,
		},
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(&env); err != nil {
		return fmt.Errorf("soap: encoding request: %w", err)
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint.String(), bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("soap: constructing request: %w", err)
	}
	hr.Header.Set("Content-Type", `text/xml; charset=utf-8`)
	hr.Header.Set("SOAPAction", `"`+action+`"`)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	zlog.Debug(ctx).Str("action", action).Str("endpoint", c.Endpoint.String()).Msg("issuing call")
	res, err := hc.Do(hr)
	if err != nil {
		if isEndpointErr(err) {
			return &ussync.EndpointError{Endpoint: c.Endpoint.String(), Inner: err}
		}
		return fmt.Errorf("soap: %s: %w", action, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK, http.StatusInternalServerError:
		// 500 carries the fault envelope.
	default:
		limit, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("soap: %s: unexpected status %s (body starts: %q)", action, res.Status, limit)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("soap: reading response: %w", err)
	}
	var renv responseEnvelope
	if err := xml.Unmarshal(body, &renv); err != nil {
		return fmt.Errorf("soap: decoding envelope: %w", err)
	}
	if f := renv.Body.Fault; f != nil {
		return translateFault(f)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("soap: %s: unexpected status %s without fault", action, res.Status)
	}
	if resp == nil {
		return nil
	}
	if err := xml.Unmarshal(renv.Body.Inner, resp); err != nil {
		return fmt.Errorf("soap: decoding %s response: %w", action, err)
	}
	return nil
}

func translateFault(f *Fault) error {
	if strings.Contains(f.Detail, "InvalidAuthorizationCookie") ||
		strings.Contains(f.String, "InvalidAuthorizationCookie") {
		return ussync.ErrInvalidAuthorizationCookie
	}
	msg := f.String
	if f.Detail != "" {
		msg += ": " + strings.TrimSpace(f.Detail)
	}
	return &ussync.UpstreamServerError{Code: f.Code, Fault: msg}
}

func isEndpointErr(err error) bool {
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		// url.Error wrapping anything but a protocol-level error is a
		// connection problem; tls handshake failures land here too.
		return !errors.Is(ue.Err, context.Canceled) && !errors.Is(ue.Err, context.DeadlineExceeded)
	}
	return false
}
