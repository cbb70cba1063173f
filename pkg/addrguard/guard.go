package addrguard

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/OllieNilsen/pexi/pkg/errs"
)

// ResolvedAddress is one address the system resolver returned for a host,
// together with its classification.
type ResolvedAddress struct {
	IP             net.IP
	Classification Classification
}

// ResolvedEndpoint is the full set of addresses a host resolved to. Per
// spec.md's Data Model, if any address is non-public the whole endpoint is
// forbidden — a single well-behaved address does not excuse the others.
type ResolvedEndpoint struct {
	Host      string
	Addresses []ResolvedAddress
}

// Forbidden reports the first forbidden address found, if any.
func (e *ResolvedEndpoint) Forbidden() (ResolvedAddress, bool) {
	for _, a := range e.Addresses {
		if a.Classification.IsForbidden() {
			return a, true
		}
	}
	return ResolvedAddress{}, false
}

// PublicAddresses returns only the addresses classified public, in
// resolution order.
func (e *ResolvedEndpoint) PublicAddresses() []net.IP {
	out := make([]net.IP, 0, len(e.Addresses))
	for _, a := range e.Addresses {
		if a.Classification == ClassPublic {
			out = append(out, a.IP)
		}
	}
	return out
}

// Guard resolves hosts with a bounded timeout and classifies every address
// returned. It never trusts a cached resolution across connect attempts:
// every call to Resolve hits the resolver fresh.
type Guard struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

// New builds a Guard with the given resolution timeout.
func New(timeout time.Duration) *Guard {
	return &Guard{Resolver: net.DefaultResolver, Timeout: timeout}
}

// Resolve classifies host. A literal IP host is classified directly with no
// DNS lookup (spec.md §4.2 "Literal IP hosts receive the same
// classification").
func (g *Guard) Resolve(ctx context.Context, host string) (*ResolvedEndpoint, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &ResolvedEndpoint{
			Host:      host,
			Addresses: []ResolvedAddress{{IP: ip, Classification: Classify(ip)}},
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	ipAddrs, err := g.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUpstreamIO, "dns lookup failed", err)
	}
	if len(ipAddrs) == 0 {
		return nil, errs.New(errs.CodeUpstreamIO, "dns lookup returned no addresses")
	}

	endpoint := &ResolvedEndpoint{Host: host, Addresses: make([]ResolvedAddress, 0, len(ipAddrs))}
	for _, addr := range ipAddrs {
		endpoint.Addresses = append(endpoint.Addresses, ResolvedAddress{
			IP:             addr.IP,
			Classification: Classify(addr.IP),
		})
	}
	return endpoint, nil
}

// CheckHost resolves host and returns ssrf_blocked if any resolved address
// is non-public. Called on the initial request and on every redirect hop
// (spec.md §4.2 — rebinding-safe).
func (g *Guard) CheckHost(ctx context.Context, host string) (*ResolvedEndpoint, error) {
	endpoint, err := g.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if bad, forbidden := endpoint.Forbidden(); forbidden {
		return nil, errs.New(errs.CodeSSRFBlocked,
			fmt.Sprintf("resolved address %s classified %s", bad.IP, bad.Classification))
	}
	return endpoint, nil
}

// DialContext resolves and classifies the host in addr (host:port), then
// dials the address it just approved directly — it does not hand the
// hostname back to a generic dialer, which would re-resolve and reopen the
// DNS-rebinding window between check and connect (spec.md §4.2).
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "invalid dial address", err)
	}

	endpoint, err := g.CheckHost(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{}
	var lastErr error
	for _, ip := range endpoint.PublicAddresses() {
		target := net.JoinHostPort(ip.String(), port)
		conn, err := dialer.DialContext(ctx, network, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no public addresses to dial")
	}
	return nil, errs.Wrap(errs.CodeUpstreamIO, "connect failed", lastErr)
}
