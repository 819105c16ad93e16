package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nexa/internal/domain"
)

// privateRanges lists private and reserved blocks that tenant-supplied
// URLs may not reach.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var parsedRanges []*net.IPNet

func init() {
	for _, cidr := range privateRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		parsedRanges = append(parsedRanges, ipnet)
	}
}

// IsPrivateIP checks if an IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range parsedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// EgressGuard vets outbound URLs taken from connector settings.
// The zero value blocks private addresses and uses net.DefaultResolver.
type EgressGuard struct {
	// AllowPrivate disables the address check. Scheme checks still apply.
	AllowPrivate bool
	// LookupIP overrides DNS resolution, mainly for tests.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

func (g *EgressGuard) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if g != nil && g.LookupIP != nil {
		return g.LookupIP(ctx, host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

func (g *EgressGuard) allowPrivate() bool { return g != nil && g.AllowPrivate }

// ValidateURL checks that rawURL is http(s) and does not resolve to a
// private or reserved address.
func (g *EgressGuard) ValidateURL(ctx context.Context, rawURL string) error {
	const op = "EgressGuard.ValidateURL"

	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrEgressBlocked, fmt.Sprintf("invalid URL: %v", err))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return domain.NewDomainError(op, domain.ErrEgressBlocked, "missing URL scheme, only http/https allowed")
	default:
		return domain.NewDomainError(op, domain.ErrEgressBlocked,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError(op, domain.ErrEgressBlocked, "empty hostname")
	}
	if g.allowPrivate() {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return domain.NewDomainError(op, domain.ErrEgressBlocked,
				fmt.Sprintf("IP %s is private/reserved", ip))
		}
		return nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrEgressBlocked, fmt.Sprintf("DNS lookup failed: %v", err))
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return domain.NewDomainError(op, domain.ErrEgressBlocked,
				fmt.Sprintf("host %s resolves to private IP %s", host, ip))
		}
	}
	return nil
}

// Transport returns an HTTP transport that resolves once at dial time,
// rejects private addresses, and connects to the vetted IP directly so a
// DNS change between validation and connect cannot redirect the request.
func (g *EgressGuard) Transport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if g.allowPrivate() {
				return dialer.DialContext(ctx, network, addr)
			}

			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			ips, err := g.lookup(ctx, host)
			if err != nil {
				return nil, domain.NewDomainError("EgressGuard.Dial", domain.ErrEgressBlocked,
					fmt.Sprintf("DNS lookup failed for %s: %v", host, err))
			}
			if len(ips) == 0 {
				return nil, domain.NewDomainError("EgressGuard.Dial", domain.ErrEgressBlocked, "no IPs resolved for "+host)
			}
			for _, ip := range ips {
				if IsPrivateIP(ip) {
					return nil, domain.NewDomainError("EgressGuard.Dial", domain.ErrEgressBlocked,
						fmt.Sprintf("%s resolves to private IP %s", host, ip))
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
