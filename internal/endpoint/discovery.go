package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshagent/internal/trust"
)

// Discovery response headers published by the master's agent listener.
const (
	HeaderAgentPort        = "X-Agent-Port"
	HeaderAgentHost        = "X-Agent-Host"
	HeaderInstanceIdentity = "X-Instance-Identity"
	HeaderAgentProtocols   = "X-Agent-Protocols"
)

// ListenerPath is appended to each candidate base URL for discovery.
const ListenerPath = "agentListener/"

// DiscoveryConfig configures a DiscoveryResolver.
type DiscoveryConfig struct {
	// URLs are candidate master base URLs, tried in order. srv:// URLs are
	// expanded through a DNS SRV lookup.
	URLs []string

	// Credentials are "user:password" for basic authentication.
	Credentials string

	// ProxyCredentials are "user:password" for the HTTP proxy.
	ProxyCredentials string

	// Tunnel overrides the advertised address: "HOST:PORT", "HOST:" or ":PORT".
	Tunnel string

	// Certificates, when set, are the only roots trusted for discovery.
	Certificates []*x509.Certificate

	// DisableHTTPSCertValidation skips certificate checks for discovery.
	DisableHTTPSCertValidation bool

	// RequestTimeout bounds each discovery request (default 30s).
	RequestTimeout time.Duration

	// MinReadyDelay and MaxReadyDelay bound the wait between reconnect
	// probes (defaults 10s and 60s).
	MinReadyDelay time.Duration
	MaxReadyDelay time.Duration

	// SRV resolves srv:// candidates. Defaults to the system resolver.
	SRV SRVLookup
}

// DiscoveryResolver finds the agent listener by querying candidate URLs.
type DiscoveryResolver struct {
	cfg    DiscoveryConfig
	client *http.Client

	mu      sync.Mutex
	backoff *backoff.Backoff
}

// NewDiscoveryResolver creates a resolver. It fails when no candidate URL is
// given.
func NewDiscoveryResolver(cfg DiscoveryConfig) (*DiscoveryResolver, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("no candidate URLs given")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MinReadyDelay <= 0 {
		cfg.MinReadyDelay = 10 * time.Second
	}
	if cfg.MaxReadyDelay < cfg.MinReadyDelay {
		cfg.MaxReadyDelay = 60 * time.Second
		if cfg.MaxReadyDelay < cfg.MinReadyDelay {
			cfg.MaxReadyDelay = cfg.MinReadyDelay
		}
	}
	if cfg.SRV == nil {
		cfg.SRV = SystemSRVLookup()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			RootCAs:            trust.CandidatePool(cfg.Certificates),
			InsecureSkipVerify: cfg.DisableHTTPSCertValidation, //nolint:gosec // operator opt-in
		},
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     30 * time.Second,
	}
	if cfg.ProxyCredentials != "" {
		transport.ProxyConnectHeader = http.Header{}
		transport.ProxyConnectHeader.Set("Proxy-Authorization", basicAuth(cfg.ProxyCredentials))
	}
	if cfg.DisableHTTPSCertValidation {
		log.Warn().Msg("HTTPS certificate validation is disabled for endpoint discovery")
	}

	return &DiscoveryResolver{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		backoff: &backoff.Backoff{
			Min:    cfg.MinReadyDelay,
			Max:    cfg.MaxReadyDelay,
			Factor: 2,
		},
	}, nil
}

// Resolve implements Resolver.
func (r *DiscoveryResolver) Resolve(ctx context.Context) (*Endpoint, error) {
	candidates, err := r.candidates(ctx)
	if err != nil {
		return nil, err
	}

	for _, base := range candidates {
		ep, err := r.discover(ctx, base)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("url", base.String()).Msg("candidate did not answer discovery")
			continue
		}
		log.Debug().
			Str("url", base.String()).
			Str("address", ep.Address()).
			Str("identity", ep.Fingerprint()).
			Strs("protocols", ep.ProtocolNames()).
			Msg("discovered agent listener")
		return ep, nil
	}
	return nil, nil
}

// WaitForReady implements Resolver. It waits at least the minimum delay and
// then until a candidate answers HTTP.
func (r *DiscoveryResolver) WaitForReady(ctx context.Context) error {
	for {
		if err := sleepContext(ctx, r.nextDelay()); err != nil {
			return err
		}
		candidates, err := r.candidates(ctx)
		if err != nil {
			return err
		}
		for _, base := range candidates {
			if r.ping(ctx, base) {
				r.mu.Lock()
				r.backoff.Reset()
				r.mu.Unlock()
				return nil
			}
		}
		log.Debug().Msg("no candidate ready yet")
	}
}

func (r *DiscoveryResolver) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff.Duration()
}

// candidates parses and expands the configured URLs. Unparseable URLs are a
// configuration error; failed SRV lookups only drop that candidate.
func (r *DiscoveryResolver) candidates(ctx context.Context) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(r.cfg.URLs))
	for _, raw := range r.cfg.URLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid candidate URL %q: %w", raw, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("invalid candidate URL %q: not absolute", raw)
		}

		if u.Scheme == "srv" {
			expanded, err := expandSRV(ctx, r.cfg.SRV, u)
			if err != nil {
				log.Warn().Err(err).Str("url", raw).Msg("SRV lookup failed")
				continue
			}
			out = append(out, expanded...)
			continue
		}

		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *DiscoveryResolver) newRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	target := base.ResolveReference(&url.URL{Path: ListenerPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if r.cfg.Credentials != "" {
		req.Header.Set("Authorization", basicAuth(r.cfg.Credentials))
	}
	if r.cfg.ProxyCredentials != "" {
		req.Header.Set("Proxy-Authorization", basicAuth(r.cfg.ProxyCredentials))
	}
	return req, nil
}

// discover queries one candidate for listener metadata.
func (r *DiscoveryResolver) discover(ctx context.Context, base *url.URL) (*Endpoint, error) {
	req, err := r.newRequest(ctx, base)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: HTTP %d", req.URL, resp.StatusCode)
	}

	portHeader := resp.Header.Get(HeaderAgentPort)
	if portHeader == "" {
		return nil, fmt.Errorf("%s does not publish %s", req.URL, HeaderAgentPort)
	}
	port, err := strconv.Atoi(strings.TrimSpace(portHeader))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %s %q", req.URL, HeaderAgentPort, portHeader)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%s: agent listener is disabled", req.URL)
	}

	host := strings.TrimSpace(resp.Header.Get(HeaderAgentHost))
	if host == "" {
		host = base.Hostname()
	}

	key, err := trust.ParsePublicKey(resp.Header.Get(HeaderInstanceIdentity))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.URL, err)
	}

	var protocols []string
	if raw, ok := resp.Header[http.CanonicalHeaderKey(HeaderAgentProtocols)]; ok {
		protocols = []string{}
		for _, v := range raw {
			protocols = append(protocols, strings.Split(v, ",")...)
		}
	}

	if r.cfg.Tunnel != "" {
		host, port, err = ApplyTunnel(r.cfg.Tunnel, host, port)
		if err != nil {
			return nil, err
		}
	}

	serviceURL := *base
	return New(host, port, &serviceURL, key, protocols), nil
}

// ping reports whether base answers HTTP at all.
func (r *DiscoveryResolver) ping(ctx context.Context, base *url.URL) bool {
	req, err := r.newRequest(ctx, base)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", base.String()).Msg("master not reachable")
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// ApplyTunnel overrides host and/or port with a tunnel string of the
// form "HOST:PORT", "HOST:" or ":PORT".
func ApplyTunnel(tunnel, host string, port int) (string, int, error) {
	idx := strings.LastIndex(tunnel, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid tunnel %q: expected HOST:PORT, HOST: or :PORT", tunnel)
	}
	tHost, tPort := tunnel[:idx], tunnel[idx+1:]
	if tHost == "" && tPort == "" {
		return "", 0, fmt.Errorf("invalid tunnel %q: empty host and port", tunnel)
	}
	if tHost != "" {
		host = strings.Trim(tHost, "[]")
	}
	if tPort != "" {
		p, err := strconv.Atoi(tPort)
		if err != nil || p <= 0 || p > 65535 {
			return "", 0, fmt.Errorf("invalid tunnel %q: bad port", tunnel)
		}
		port = p
	}
	return host, port, nil
}

func basicAuth(credentials string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
}
