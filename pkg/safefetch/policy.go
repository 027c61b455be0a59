// Package safefetch is the single choke point for outbound network calls. Every destination is
// validated (name-based, TLS, allow-listed, publicly routable) before a connection is made, the
// connection is pinned to the vetted addresses, and responses are bounded in time and size.
package safefetch

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"taskengine/pkg/logx"
	"taskengine/pkg/taskerrors"
)

// Defaults for Options fields left zero.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 4 << 20
	DefaultMaxRequestBytes  = 1 << 20
)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Options configures the outbound policy. Options are copied into the Client at construction.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Options struct {
	AllowHosts             []string // Exact host names, or ".example.com" suffix rules
	AllowAll               bool     // Skip the allow-list (address checks still apply)
	AllowInsecureLocalhost bool     // Permit plain http to the literal host "localhost"
	MaxRequestBytes        int64
	MaxResponseBytes       int64
	Timeout                time.Duration
	Resolver               Resolver // Defaults to net.DefaultResolver
}

// Destination is a vetted outbound target.
type Destination struct {
	Host  string
	Port  string
	Addrs []netip.Addr
}

//nolint:gochecknoglobals // static range table
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),     // "this" network
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),  // IETF protocol assignments
	netip.MustParsePrefix("240.0.0.0/4"),   // reserved, includes broadcast
}

// IsBlockedAddr reports whether addr falls in a range outbound calls may never reach.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isIPLiteral recognizes IPv4 and IPv6 (with or without zone) literals, plus the shorthand
// forms resolvers accept: "127.1", "2130706433", "0x7f.1", "0177.0.0.1". Any host whose
// dot-separated labels are all decimal, octal or hex numbers counts. No valid DNS name has an
// all-numeric top-level label.
func isIPLiteral(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	if host == "" {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !isNumericLabel(label) {
			return false
		}
	}
	return true
}

func isNumericLabel(label string) bool {
	digits := label
	hex := false
	if len(label) >= 2 && label[0] == '0' && (label[1] == 'x' || label[1] == 'X') {
		digits = label[2:]
		hex = true
	}
	if digits == "" {
		return hex
	}
	for _, r := range digits {
		switch {
		case r >= '0' && r <= '9':
		case hex && (r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F'):
		default:
			return false
		}
	}
	return true
}

// hostAllowed matches host against exact names and leading-dot suffix rules.
// ".example.com" matches "api.example.com" but not "example.com".
func hostAllowed(host string, rules []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, rule := range rules {
		rule = strings.ToLower(strings.TrimSpace(rule))
		if rule == "" {
			continue
		}
		if strings.HasPrefix(rule, ".") {
			if strings.HasSuffix(host, rule) && len(host) > len(rule) {
				return true
			}
			continue
		}
		if host == rule {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	return strings.EqualFold(host, "localhost")
}

// checkStatic applies every rule that needs no network access, in order:
// IP literal, transport security, allow-list.
func (c *Client) checkStatic(u *url.URL) (host, port string, err error) {
	if u == nil || u.Host == "" {
		return "", "", taskerrors.New(taskerrors.CodeOutboundScheme, "destination URL has no host")
	}
	host = u.Hostname()
	if isIPLiteral(host) {
		return "", "", taskerrors.Newf(taskerrors.CodeOutboundIPLiteral, "IP literal destination %q is not allowed", host)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		port = "443"
	case "http":
		if !isLocalhost(host) || !c.opts.AllowInsecureLocalhost {
			return "", "", taskerrors.Newf(taskerrors.CodeOutboundScheme, "plain http to %q is not allowed", host)
		}
		port = "80"
	default:
		return "", "", taskerrors.Newf(taskerrors.CodeOutboundScheme, "scheme %q is not allowed", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port = p
	}

	if !c.opts.AllowAll {
		if len(c.opts.AllowHosts) == 0 {
			return "", "", taskerrors.New(taskerrors.CodeOutboundDisabled, "outbound calls are disabled: no allow-list configured")
		}
		if !hostAllowed(host, c.opts.AllowHosts) {
			return "", "", taskerrors.Newf(taskerrors.CodeOutboundHostNotAllowed, "host %q is not in the outbound allow-list", host)
		}
	}
	return host, port, nil
}

// Check validates a destination and resolves it to the addresses a connection may use.
// Resolution happens on every call; nothing is cached.
func (c *Client) Check(ctx context.Context, u *url.URL) (*Destination, error) {
	host, port, err := c.checkStatic(u)
	if err != nil {
		return nil, err
	}

	ipAddrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, taskerrors.Wrap(taskerrors.CodeProviderTimeout, ctx.Err(), "resolving "+host)
		}
		return nil, taskerrors.Wrap(taskerrors.CodeOutboundDNSEmpty, err, "resolving "+host)
	}
	if len(ipAddrs) == 0 {
		return nil, taskerrors.Newf(taskerrors.CodeOutboundDNSEmpty, "host %q resolved to no addresses", host)
	}

	// localhost over plain http is the one sanctioned loopback destination.
	loopbackOK := isLocalhost(host) && c.opts.AllowInsecureLocalhost

	addrs := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			return nil, taskerrors.Newf(taskerrors.CodeOutboundPrivateAddress, "host %q resolved to an unparseable address", host)
		}
		addr = addr.Unmap()
		if loopbackOK && addr.IsLoopback() {
			addrs = append(addrs, addr)
			continue
		}
		if IsBlockedAddr(addr) {
			return nil, taskerrors.Newf(taskerrors.CodeOutboundPrivateAddress, "host %q resolves to blocked address %s", host, addr)
		}
		addrs = append(addrs, addr)
	}

	logx.Debug(ctx, "safefetch", "vetted %s:%s -> %v", host, port, addrs)
	return &Destination{Host: host, Port: port, Addrs: addrs}, nil
}
