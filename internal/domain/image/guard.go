package image

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"framecast-server-go/internal/platform/logging"
)

// Guard decides, before any network activity, whether a caller-supplied URL
// is safe to fetch. Literal IP hosts are classified without DNS; named hosts
// are rejected when any of their resolved addresses falls in a blocked range.
type Guard struct {
	allowPrivate bool
	logger       *logging.Logger
	lookupIPAddr func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// GuardOptions configures a Guard. Resolver overrides address resolution,
// which tests use to simulate DNS answers.
type GuardOptions struct {
	AllowPrivateNetworks bool
	Logger               *logging.Logger
	Resolver             func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Verdict is the outcome of validating one URL. Addrs carries the vetted
// addresses for a named host so the dialer can prefer them.
type Verdict struct {
	Allowed bool
	Reason  string
	Host    string
	Addrs   []net.IP
}

func mustParseCIDR(s string) *net.IPNet {
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		panic(fmt.Sprintf("invalid CIDR %q: %v", s, err))
	}
	return network
}

// blockedNets are the address ranges a fetch must never reach: loopback,
// RFC1918 private, link-local, "this network", IPv6 loopback, unique local
// and link-local.
var blockedNets = []*net.IPNet{
	mustParseCIDR("127.0.0.0/8"),
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
	mustParseCIDR("169.254.0.0/16"),
	mustParseCIDR("0.0.0.0/8"),
	mustParseCIDR("::1/128"),
	mustParseCIDR("fc00::/7"),
	mustParseCIDR("fe80::/10"),
}

// NewGuard builds a Guard using the system resolver unless overridden.
func NewGuard(opts GuardOptions) *Guard {
	g := &Guard{
		allowPrivate: opts.AllowPrivateNetworks,
		logger:       opts.Logger,
		lookupIPAddr: opts.Resolver,
	}
	if g.lookupIPAddr == nil {
		g.lookupIPAddr = net.DefaultResolver.LookupIPAddr
	}
	return g
}

// Validate classifies rawURL. A verdict with Allowed=false means the URL
// must not be fetched; Reason explains why in caller-facing terms.
func (g *Guard) Validate(ctx context.Context, rawURL string) Verdict {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Verdict{Reason: "invalid URL"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Verdict{Reason: fmt.Sprintf("unsupported URL scheme %q, only http and https are allowed", parsed.Scheme)}
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return Verdict{Reason: "URL has no host"}
	}

	// Names that always point at the local machine are rejected before any
	// classification or DNS work.
	if host == "localhost" {
		return g.deny(Verdict{Host: host, Reason: `host "localhost" is a loopback address`})
	}
	if host == "0.0.0.0" {
		return g.deny(Verdict{Host: host, Reason: `host "0.0.0.0" is an unspecified address`})
	}

	// Literal IPs classify without touching DNS. The IPv4 parse is strict:
	// exactly four decimal octets, no leading zeros. Looser forms that
	// net.ParseIP would still admit fall through to name resolution.
	if ip, ok := parseStrictIPv4(host); ok {
		if allowed, reason := classifyAddr(ip, false); !allowed {
			return g.deny(Verdict{Host: host, Reason: reason})
		}
		return Verdict{Allowed: true, Host: host, Addrs: []net.IP{ip}}
	}
	if strings.Contains(host, ":") {
		ip := net.ParseIP(host)
		if ip == nil {
			return g.deny(Verdict{Host: host, Reason: fmt.Sprintf("invalid IPv6 literal %q", host)})
		}
		if allowed, reason := classifyAddr(ip, true); !allowed {
			return g.deny(Verdict{Host: host, Reason: reason})
		}
		return Verdict{Allowed: true, Host: host, Addrs: []net.IP{ip}}
	}

	// Named host: every resolved address must be acceptable. A name is only
	// as safe as its least safe address.
	addrs, err := g.lookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return g.deny(Verdict{Host: host, Reason: fmt.Sprintf("host %q could not be resolved", host)})
	}

	vetted := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if allowed, reason := classifyAddr(addr.IP, false); !allowed {
			return g.deny(Verdict{
				Host:   host,
				Reason: fmt.Sprintf("host %q resolves to a disallowed address: %s", host, reason),
			})
		}
		vetted = append(vetted, addr.IP)
	}

	return Verdict{Allowed: true, Host: host, Addrs: vetted}
}

// deny downgrades a rejection to an allowance when private networks are
// explicitly permitted (development deployments and loopback-based tests).
func (g *Guard) deny(v Verdict) Verdict {
	if g.allowPrivate {
		return Verdict{Allowed: true, Host: v.Host}
	}
	g.logger.WarnTag("Guard", "blocked URL host %q: %s", v.Host, v.Reason)
	return v
}

// parseStrictIPv4 accepts exactly four dot-separated decimal octets in
// 0-255 with no leading zeros. Everything else is not an IPv4 literal.
func parseStrictIPv4(host string) (net.IP, bool) {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil, false
	}

	var octets [4]byte
	for i, part := range parts {
		if len(part) == 0 || len(part) > 3 {
			return nil, false
		}
		if len(part) > 1 && part[0] == '0' {
			return nil, false
		}
		value := 0
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, false
			}
			value = value*10 + int(c-'0')
		}
		if value > 255 {
			return nil, false
		}
		octets[i] = byte(value)
	}

	return net.IPv4(octets[0], octets[1], octets[2], octets[3]), true
}

// classifyAddr reports whether an address may be fetched and, when not, why.
// literalV6 marks addresses written as IPv6 literals, for which the
// IPv4-mapped form is rejected outright before range checks.
func classifyAddr(ip net.IP, literalV6 bool) (bool, string) {
	if ip == nil {
		return false, "unparseable address"
	}

	if literalV6 && ip.To4() != nil {
		return false, fmt.Sprintf("IPv4-mapped IPv6 address %q is not allowed", ip.String())
	}

	check := ip
	if v4 := ip.To4(); v4 != nil {
		check = v4
	}

	for _, network := range blockedNets {
		if network.Contains(check) {
			return false, fmt.Sprintf("address %q is in blocked range %s", ip.String(), network.String())
		}
	}

	return true, ""
}

// SafeTransport returns an HTTP transport whose dialer re-resolves and
// re-classifies every target before connecting, so a DNS answer that changes
// between validation and fetch cannot steer the request into a blocked
// range. Redirect hops go through the same dialer.
func (g *Guard) SafeTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			candidates, err := g.dialCandidates(ctx, host)
			if err != nil {
				return nil, err
			}

			var lastErr error
			for _, ip := range candidates {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no dialable address for host %q", host)
			}
			return nil, lastErr
		},
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// dialCandidates resolves host and filters the answers through the same
// classification Validate uses.
func (g *Guard) dialCandidates(ctx context.Context, host string) ([]net.IP, error) {
	lowered := strings.ToLower(host)

	if ip, ok := parseStrictIPv4(lowered); ok {
		if allowed, reason := classifyAddr(ip, false); !allowed && !g.allowPrivate {
			return nil, fmt.Errorf("refusing to dial %s", reason)
		}
		return []net.IP{ip}, nil
	}
	if ip := net.ParseIP(lowered); ip != nil {
		if allowed, reason := classifyAddr(ip, strings.Contains(lowered, ":")); !allowed && !g.allowPrivate {
			return nil, fmt.Errorf("refusing to dial %s", reason)
		}
		return []net.IP{ip}, nil
	}

	addrs, err := g.lookupIPAddr(ctx, lowered)
	if err != nil {
		return nil, err
	}

	candidates := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if allowed, _ := classifyAddr(addr.IP, false); allowed || g.allowPrivate {
			candidates = append(candidates, addr.IP)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("host %q has no allowed addresses", host)
	}
	return candidates, nil
}
