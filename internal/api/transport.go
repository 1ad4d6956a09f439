package api

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cryptdrive/drivedl/internal/debug"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/peterbourgon/unixtransport"
	"golang.org/x/net/http2"
)

// TransportOptions collects various options which can be set for an HTTP based
// transport.
type TransportOptions struct {
	// contains filenames of PEM encoded root certificates to trust
	RootCertFilenames []string

	// Skip TLS certificate verification
	InsecureTLS bool

	// Specify Custom User-Agent for the http Client
	UserAgent string
}

// readRootCAs builds a certificate pool from PEM encoded files.
func readRootCAs(filenames []string) (*x509.CertPool, error) {
	p := x509.NewCertPool()
	for _, filename := range filenames {
		if filename == "" {
			return nil, errors.New("empty filename for root certificate supplied")
		}
		b, err := os.ReadFile(filename)
		if err != nil {
			return nil, errors.Errorf("unable to read root certificate: %v", err)
		}
		if ok := p.AppendCertsFromPEM(b); !ok {
			return nil, errors.Errorf("cannot parse root certificate from %q", filename)
		}
	}
	return p, nil
}

// Transport returns a new http.RoundTripper with default settings applied.
// Besides http and https it serves http+unix and https+unix URLs, which
// address an API listening on a unix socket.
func Transport(opts TransportOptions) (http.RoundTripper, error) {
	// copied from net/http
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{},
	}

	if opts.InsecureTLS {
		tr.TLSClientConfig.InsecureSkipVerify = true
	}

	if opts.RootCertFilenames != nil {
		pool, err := readRootCAs(opts.RootCertFilenames)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig.RootCAs = pool
	}

	// a custom TLS config disables the automatic HTTP/2 setup
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, errors.Wrap(err, "configure http2")
	}

	unixtransport.Register(tr)

	rt := http.RoundTripper(tr)
	if opts.UserAgent != "" {
		rt = newCustomUserAgentRoundTripper(rt, opts.UserAgent)
	}

	// wrap in the debug round tripper (if active)
	return debug.RoundTripper(rt), nil
}

// httpUserAgentRoundTripper is a custom http.RoundTripper that modifies the User-Agent header
// of outgoing HTTP requests.
type httpUserAgentRoundTripper struct {
	userAgent string
	rt        http.RoundTripper
}

func newCustomUserAgentRoundTripper(rt http.RoundTripper, userAgent string) *httpUserAgentRoundTripper {
	return &httpUserAgentRoundTripper{
		rt:        rt,
		userAgent: userAgent,
	}
}

// RoundTrip modifies the User-Agent header of the request and then delegates the request
// to the underlying RoundTripper.
func (c *httpUserAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", c.userAgent)
	return c.rt.RoundTrip(req)
}
