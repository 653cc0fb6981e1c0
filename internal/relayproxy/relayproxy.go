// Package relayproxy is the public-facing HTTP reverse proxy (spec.md
// §4.4): it extracts the leading subdomain label from the Host header
// (or X-Forwarded-Host when running behind another proxy, mirroring the
// teacher's internal/tunnel/http_proxy.go Host-header parsing), looks it
// up in the registry, and forwards via net/http/httputil.ReverseProxy to
// the loopback upstream the engine parked there.
package relayproxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/subwayhq/subway/internal/metrics"
	"github.com/subwayhq/subway/internal/registry"
)

// subdomainPattern is the fallback used when BehindProxy is set and the
// leading-label split doesn't look like a real hostname (spec.md §4.4:
// "regex fallback when running behind a load balancer that rewrites
// Host").
var subdomainPattern = regexp.MustCompile(`^([^.]+)\.[^.]+\.[^.]+(?:/.*)?$`)

// Lookup resolves a subdomain to its upstream. *registry.Registry
// satisfies this directly.
type Lookup interface {
	Lookup(subdomain string) (registry.Upstream, bool)
	Touch(subdomain string) bool
}

// Config configures the proxy's gin engine.
type Config struct {
	Domain        string
	BehindProxy   bool
	Registry      Lookup
	Metrics       *metrics.Collectors
	Logger        zerolog.Logger
	EnableMetrics bool
}

// New builds the gin engine that serves the public reverse proxy, a
// /healthz liveness route, and (optionally) a /metrics scrape endpoint.
func New(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if cfg.EnableMetrics {
		handler := promhttp.Handler()
		engine.GET("/metrics", gin.WrapH(handler))
	}

	p := &proxy{cfg: cfg}
	engine.NoRoute(p.handle)
	return engine
}

type proxy struct {
	cfg Config
}

func (p *proxy) handle(c *gin.Context) {
	host := c.Request.Host
	if p.cfg.BehindProxy {
		if fwd := c.Request.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}

	subdomain := p.extractSubdomain(host)
	if subdomain == "" {
		p.notFound(c, "could not determine subdomain from Host header")
		return
	}

	upstream, ok := p.cfg.Registry.Lookup(subdomain)
	if !ok {
		p.notFound(c, "no tunnel registered for this subdomain")
		return
	}
	p.cfg.Registry.Touch(subdomain)

	target := &url.URL{Scheme: "http", Host: upstream.Addr()}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.cfg.Logger.Warn().Err(err).Str("subdomain", subdomain).Msg("upstream proxy error")
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ProxyErrors.WithLabelValues("upstream").Inc()
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("Bad Gateway"))
	}
	director := rp.Director
	rp.Director = func(r *http.Request) {
		director(r)
		r.Host = host
		// Dropping Accept-Encoding lets http.Transport negotiate and
		// transparently decode gzip itself (it only does so when the
		// outgoing request doesn't set the header).
		r.Header.Del("Accept-Encoding")
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		// The transport already decoded the body per spec.md §4.4; strip
		// any Content-Encoding the upstream set so it doesn't claim an
		// encoding the body is no longer in.
		resp.Header.Del("Content-Encoding")
		return nil
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RequestsProxied.Inc()
	}
	rp.ServeHTTP(c.Writer, c.Request)
}

func (p *proxy) notFound(c *gin.Context, reason string) {
	p.cfg.Logger.Debug().Str("host", c.Request.Host).Str("reason", reason).Msg("proxy miss")
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProxyErrors.WithLabelValues("not_found").Inc()
	}
	c.String(http.StatusNotFound, "404 Not Found")
}

// extractSubdomain pulls the leading label off host, stripping any port
// and the configured domain suffix first. When host is not under Domain
// and BehindProxy is set, it falls back to a regex match; otherwise it
// returns "".
func (p *proxy) extractSubdomain(host string) string {
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	suffix := "." + strings.ToLower(p.cfg.Domain)
	if strings.HasSuffix(host, suffix) {
		label := strings.TrimSuffix(host, suffix)
		if label != "" && !strings.Contains(label, ".") {
			return label
		}
		// Multi-label prefix (e.g. map.happy-cat.example.com): take the
		// label directly preceding the domain suffix.
		parts := strings.Split(label, ".")
		return parts[len(parts)-1]
	}

	if p.cfg.BehindProxy {
		if m := subdomainPattern.FindStringSubmatch(host); m != nil {
			return m[1]
		}
	}
	return ""
}

func splitHostPort(host string) (string, string, error) {
	if !strings.Contains(host, ":") {
		return host, "", nil
	}
	return net.SplitHostPort(host)
}
