package dialer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/errkind"
)

// maxHeaderBytes bounds how much of a CONNECT response header is scanned.
const maxHeaderBytes = 64 << 10

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for proxyURL.
//
// If username or password is non-empty, Proxy-Authorization is set using
// HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	auth := ""
	if username != "" || password != "" {
		auth = basicAuth(username, password)
	}

	return &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
	}, nil
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.proxyURL.Host
}

// DialContext establishes a TCP connection to address via the configured
// HTTP/HTTPS proxy, returned as a net.Conn.
//
// For HTTPS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT. The response header is consumed one byte at a time so that any
// tunnelled bytes the proxy sends right after it stay unread.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}

	c, err := dialTCP(ctx, f.cfg, f.cfg.Family, f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		if f.proxyURL.Scheme == "https" {
			tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("%w: http proxy tls handshake: %w", errkind.ErrNegotiation, err)
			}
			c = tlsConn
		}

		if _, err := io.WriteString(c, connectRequest(address, f.auth, f.cfg.HTTP10)); err != nil {
			return fmt.Errorf("%w: http proxy connect write: %w", errkind.ErrNegotiation, err)
		}
		return readConnectResponse(c)
	})
	if err != nil {
		return nil, err
	}

	return conn.WithReadTimeout(c, f.cfg.ServerTimeout), nil
}

// connectRequest formats the CONNECT request for address. auth is the
// base64 credential, or empty for none.
func connectRequest(address, auth string, http10 bool) string {
	var b strings.Builder
	if http10 {
		b.WriteString("CONNECT " + address + " HTTP/1.0\r\n")
	} else {
		b.WriteString("CONNECT " + address + " HTTP/1.1\r\nHost: " + address + "\r\n")
	}
	if auth != "" {
		b.WriteString("Proxy-Authorization: Basic " + auth + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// readConnectResponse requires a 200 status line and then discards header
// bytes up to and including the blank line.
func readConnectResponse(r io.Reader) error {
	var status [12]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return fmt.Errorf("%w: http proxy connect read: %w", errkind.ErrNegotiation, err)
	}
	if s := string(status[:]); s != "HTTP/1.1 200" && s != "HTTP/1.0 200" {
		return fmt.Errorf("%w: http proxy connect failed: %q", errkind.ErrNegotiation, s)
	}

	var window [4]byte
	var b [1]byte
	for n := 0; string(window[:]) != "\r\n\r\n"; n++ {
		if n >= maxHeaderBytes {
			return fmt.Errorf("%w: http proxy connect response header too long", errkind.ErrNegotiation)
		}
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return fmt.Errorf("%w: http proxy connect read header: %w", errkind.ErrNegotiation, err)
		}
		copy(window[:], window[1:])
		window[3] = b[0]
	}
	return nil
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
