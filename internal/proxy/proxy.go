// Package proxy routes requests for <subdomain>.<domain> to the static
// bundle stored under <basePath>/<subdomain>.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/slug"
)

// ErrInvalidHost is returned for Host headers without a usable subdomain.
var ErrInvalidHost = errors.New("invalid host")

type subdomainKey struct{}

// Proxy is a stateless subdomain router.
type Proxy struct {
	base    *url.URL
	rp      *httputil.ReverseProxy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.rp.Transport = rt }
}

// WithMetrics records per-status request counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// New creates a proxy forwarding to basePath, an absolute URL such as
// https://bucket.s3.amazonaws.com/__outputs.
func New(basePath string, opts ...Option) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(basePath, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base path: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base path %q must be an absolute URL", basePath)
	}

	p := &Proxy{base: base, logger: slog.Default()}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		ErrorHandler: p.upstreamError,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ServeHTTP resolves the subdomain and forwards the request. A malformed
// Host fails with 500 before anything is forwarded; an unreachable origin
// yields 502.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	defer func() {
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		p.metrics.ProxyRequest(status)
	}()

	sub, err := Subdomain(r.Host)
	if err != nil {
		p.logger.Warn("rejecting request", "host", r.Host, "error", err)
		http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	p.logger.Debug("proxying request", "subdomain", sub, "path", r.URL.Path)
	ctx := context.WithValue(r.Context(), subdomainKey{}, sub)
	p.rp.ServeHTTP(ww, r.WithContext(ctx))
}

// Origin returns the upstream URL of a request path for subdomain.
func (p *Proxy) Origin(subdomain, path string) *url.URL {
	if path == "" || path == "/" {
		path = "/index.html"
	}
	u := *p.base
	u.Path = p.base.Path + "/" + subdomain + path
	u.RawPath = ""
	return &u
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	sub, _ := pr.In.Context().Value(subdomainKey{}).(string)
	origin := p.Origin(sub, pr.In.URL.Path)

	pr.Out.URL.Scheme = origin.Scheme
	pr.Out.URL.Host = origin.Host
	pr.Out.URL.Path = origin.Path
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = origin.Host
	pr.SetXForwarded()
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads the response.
		w.WriteHeader(499)
		return
	}
	p.logger.Error("proxy error", "host", r.Host, "path", r.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

// Subdomain returns the lowercased first label of host, port stripped.
func Subdomain(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	label = strings.ToLower(label)
	if !slug.IsValidLabel(label) {
		return "", fmt.Errorf("%w: %q has no valid leading label", ErrInvalidHost, host)
	}
	return label, nil
}
