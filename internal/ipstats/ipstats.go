// Package ipstats tracks per-IP connection counts and the set of all
// IPs ever seen, normalizing private/loopback/link-local addresses to
// a single sentinel so that NAT and dev-box traffic don't pollute
// distinct-IP accounting.
package ipstats

import (
	"net"
	"strings"
	"sync"
)

// Local is the sentinel normalized IP for RFC-1918, loopback, IPv4 and
// IPv6 link-local, and IPv6 unique-local ranges.
const Local = "local"

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// Normalize collapses every address in privateBlocks (RFC-1918 ranges,
// loopback, IPv4 and IPv6 link-local, IPv6 unique-local) to Local;
// every other address is returned unchanged.
func Normalize(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	for _, n := range privateBlocks {
		if n.Contains(parsed) {
			return Local
		}
	}
	return ip
}

// FirstForwardedIP returns the first comma-separated entry of a
// forwarded-IP header value (X-Forwarded-For, CF-Connecting-IP), trimmed.
func FirstForwardedIP(header string) string {
	if idx := strings.IndexByte(header, ','); idx >= 0 {
		header = header[:idx]
	}
	return strings.TrimSpace(header)
}

// Stats is the process-wide mapping from normalized IP to current
// connection count, plus the set of all IPs ever seen. Mutated under
// a dedicated mutex on connection establish, forwarded-IP header
// parsing, and close.
type Stats struct {
	mu       sync.Mutex
	counts   map[string]int
	everSeen map[string]struct{}
}

// New constructs an empty Stats.
func New() *Stats {
	return &Stats{
		counts:   make(map[string]int),
		everSeen: make(map[string]struct{}),
	}
}

// Connect records a new connection from ip (already normalized).
func (s *Stats) Connect(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[ip]++
	s.everSeen[ip] = struct{}{}
}

// Disconnect decrements ip's connection count, removing the key
// entirely once it reaches zero.
func (s *Stats) Disconnect(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[ip]--
	if s.counts[ip] <= 0 {
		delete(s.counts, ip)
	}
}

// Rebind moves a connection's accounting from oldIP to newIP, used
// when a forwarded-IP header updates the peer's normalized address
// after the connection was already counted under its socket peer IP.
func (s *Stats) Rebind(oldIP, newIP string) {
	if oldIP == newIP {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[oldIP]--
	if s.counts[oldIP] <= 0 {
		delete(s.counts, oldIP)
	}
	s.counts[newIP]++
	s.everSeen[newIP] = struct{}{}
}

// CurrentConnections returns the sum of all live per-IP counts — the
// total number of live connections.
func (s *Stats) CurrentConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.counts {
		total += c
	}
	return total
}

// CurrentIPCount returns the number of distinct IPs with at least one
// live connection.
func (s *Stats) CurrentIPCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counts)
}

// HistoricalIPCount returns the number of distinct IPs ever seen.
func (s *Stats) HistoricalIPCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.everSeen)
}
