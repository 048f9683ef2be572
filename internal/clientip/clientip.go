// Package clientip resolves the client address of an HTTP request, honouring
// forwarding headers only when they come from a trusted proxy.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Normalize returns the canonical form of an address, dropping any port and
// IPv6 zone. IPv4-mapped IPv6 addresses collapse to IPv4.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address %q", addr)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), nil
	}
	return ip.String(), nil
}

// ParseTrusted parses IP/CIDR strings into networks. Single IPs become /32 or
// /128 networks; empty entries are skipped.
func ParseTrusted(entries []string) ([]*net.IPNet, error) {
	result := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}

// Resolver extracts client addresses from requests.
type Resolver struct {
	trusted []*net.IPNet
}

// NewResolver returns a Resolver that believes forwarding headers only from
// peers inside trusted.
func NewResolver(trusted []*net.IPNet) *Resolver {
	return &Resolver{trusted: trusted}
}

// FromRequest returns the normalised client address of r. When the direct
// peer is a trusted proxy, X-Forwarded-For is walked right to left and the
// first untrusted hop wins; X-Real-IP is the fallback. Unparseable peers are
// returned verbatim.
func (res *Resolver) FromRequest(r *http.Request) string {
	peer, err := Normalize(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if !res.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := Normalize(hops[i])
			if err != nil {
				break
			}
			if !res.isTrusted(hop) {
				return hop
			}
		}
	}
	if realIP, err := Normalize(r.Header.Get("X-Real-IP")); err == nil {
		return realIP
	}
	return peer
}

func (res *Resolver) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range res.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
