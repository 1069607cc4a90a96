// Package httpclient is the outbound HTTP client shared by the catalog and executor
// clients: scheme and redirect checks, optional private-network blocking, and a JSON
// request helper that classifies failures.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/version"
)

const defaultMaxRedirects = 10

// Options customizes a SaferClient
type Options struct {
	Timeout time.Duration
	// AllowPrivateNetwork permits loopback and RFC 1918 targets. The catalog and
	// executor usually live next to agentpulse, so callers opt in explicitly.
	AllowPrivateNetwork bool
	MaxRedirects        int      // 0 = 10
	AllowedSchemes      []string // nil = http, https
}

// SaferClient wraps http.Client with scheme, redirect and private-address checks
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// New creates a client from options
func New(opts Options) *SaferClient {
	c := &SaferClient{
		Client:         &http.Client{Timeout: opts.Timeout},
		allowedSchemes: opts.AllowedSchemes,
		blockPrivateIP: !opts.AllowPrivateNetwork,
		maxRedirects:   opts.MaxRedirects,
	}
	if c.allowedSchemes == nil {
		c.allowedSchemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = defaultMaxRedirects
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if c.blockPrivateIP {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				// Resolved addresses are checked too, hostnames can point anywhere
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.SecurityViolationf("private IP address blocked: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return c
}

// NewSaferClient creates a client that blocks private networks
func NewSaferClient(timeout time.Duration) *SaferClient {
	return New(Options{Timeout: timeout})
}

// WrapClient wraps an existing http.Client without private-network blocking.
// Only for tests talking to httptest servers on localhost.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		allowedSchemes: []string{"http", "https"},
		maxRedirects:   defaultMaxRedirects,
	}
}

func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.SecurityViolationf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	// http://evil.com@localhost/ style confusion
	if u.User != nil {
		return errors.SecurityViolationf("URL contains userinfo")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.Validationf("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.SecurityViolationf("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return errors.SecurityViolationf("private IP address blocked: %s", hostname)
		}
	}
	return nil
}

// ValidateURL parses and validates a URL before a request is built
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.MarkWrapf(err, errors.ErrValidation, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do executes a request after validating its URL
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// StatusError is returned by DoJSON for a non-2xx response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of a failed response ends up in an error message
const maxErrorBody = 512

// DoJSON sends body (nil for none) as JSON with an optional bearer token and decodes
// the response into out (nil to discard). Non-2xx responses return *StatusError;
// 5xx and transport failures are also marked ErrServiceUnavailable.
func (c *SaferClient) DoJSON(ctx context.Context, method, rawURL, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errors.MarkWrapf(err, errors.ErrValidation, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		if errors.IsSecurityViolation(err) || errors.IsValidationError(err) {
			return err
		}
		if ctx.Err() == context.DeadlineExceeded {
			return errors.MarkWrapf(err, errors.ErrTimeout, "%s %s", method, rawURL)
		}
		return errors.MarkWrapf(err, errors.ErrServiceUnavailable, "%s %s", method, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			Method:     method,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errors.Mark(statusErr, errors.ErrNotFound)
		case resp.StatusCode >= 500:
			return errors.Mark(statusErr, errors.ErrServiceUnavailable)
		default:
			return errors.Mark(statusErr, errors.ErrInvalidRequest)
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s %s", method, rawURL)
	}
	return nil
}

// isPrivateIP reports loopback, RFC 1918, link-local, multicast, unspecified and
// reserved ranges for both families
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and 240.0.0.0/4
		return ip4[0] == 0 || ip4[0] >= 240
	}
	// fec0::/10 site-local (deprecated) and 2001:db8::/32 documentation
	if ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 {
		return true
	}
	return ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
