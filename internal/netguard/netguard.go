// Package netguard classifies hostnames and URLs as safe or blocked for
// SSRF purposes. The sandbox's network permissions are validated here before
// any execution starts. Classification is purely syntactic: no DNS lookups,
// so results are deterministic and cannot be skewed by a resolver.
package netguard

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidURL is returned by ValidateURL for syntactically bad input.
var ErrInvalidURL = errors.New("invalid URL")

// Result is the outcome of a URL safety check.
type Result struct {
	Allowed bool
	Reason  string
}

// Hostnames of cloud metadata services.
var metadataHostnames = map[string]struct{}{
	"metadata.google.internal":   {},
	"instance-data.ec2.internal": {},
}

// Known metadata service addresses. The range checks below would catch
// these anyway; listing them keeps the reason specific.
var metadataAddrs = map[string]struct{}{
	"169.254.169.254": {},
	"169.254.169.253": {},
	"fd00:ec2::254":   {},
}

// IPv6 ranges that tunnel or embed other addresses, plus documentation
// space. Tunneled traffic can reach internal networks, so all are blocked.
var blockedV6Prefixes = []netip.Prefix{
	netip.MustParsePrefix("fc00::/7"),      // unique-local
	netip.MustParsePrefix("2001::/32"),     // teredo
	netip.MustParsePrefix("2002::/16"),     // 6to4
	netip.MustParsePrefix("2001:db8::/32"), // documentation
}

// IsBlockedHost reports whether host points at a blocked destination.
// The host may carry a port and may use any of the numeric IPv4 encodings
// (decimal, hex, octal, shorthand). Never panics, never errors: anything
// unparseable is treated as a plain hostname.
func IsBlockedHost(host string) bool {
	blocked, _ := classifyHost(host)
	return blocked
}

// ValidateURL checks a full URL. Syntactically invalid input fails with
// ErrInvalidURL; everything else yields an allow/deny Result.
func ValidateURL(raw string) (Result, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Result{Allowed: false, Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}, nil
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return Result{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if blocked, reason := classifyHost(hostname); blocked {
		return Result{Allowed: false, Reason: reason}, nil
	}
	return Result{Allowed: true}, nil
}

// ValidateNetworkPermissions checks a requested host list. Loopback self
// references (localhost, 127.0.0.1) are stripped before evaluation and
// reported as warnings, never blockers: the proxy the sandbox talks to
// listens on loopback, so those entries are redundant rather than unsafe.
func ValidateNetworkPermissions(hosts []string) (valid bool, blockedHosts []string, warnings []string) {
	for _, host := range hosts {
		stripped := stripPort(strings.TrimSpace(host))
		if stripped == "" {
			continue
		}
		lower := strings.ToLower(strings.TrimSuffix(stripped, "."))
		if lower == "localhost" || lower == "127.0.0.1" {
			warnings = append(warnings,
				fmt.Sprintf("%q is the proxy loopback and is always reachable; remove it from networkPermissions", host))
			continue
		}
		if IsBlockedHost(host) {
			blockedHosts = append(blockedHosts, host)
		}
	}
	return len(blockedHosts) == 0, blockedHosts, warnings
}

// classifyHost strips ports and zones, normalizes numeric IPv4 encodings,
// and checks the result against the blocked names and ranges.
func classifyHost(host string) (bool, string) {
	host = strings.TrimSpace(host)
	if host == "" {
		return false, ""
	}

	host = stripPort(host)
	host = strings.TrimSuffix(host, ".")

	// Zone identifiers (fe80::1%eth0) never change the range.
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}

	lower := strings.ToLower(host)
	if lower == "localhost" {
		return true, "loopback address"
	}
	if _, found := metadataHostnames[lower]; found {
		return true, "cloud metadata endpoint"
	}
	if _, found := metadataAddrs[lower]; found {
		return true, "cloud metadata endpoint"
	}

	addr, ok := parseAddr(host)
	if !ok {
		// A plain hostname. No resolution here: discovery-time DNS checks
		// belong to the egress dialer, not the permission validator.
		return false, ""
	}

	return blockedAddr(addr)
}

// blockedAddr applies the range checks. IPv4-mapped IPv6 addresses are
// unwrapped and re-evaluated as IPv4.
func blockedAddr(addr netip.Addr) (bool, string) {
	if addr.Is4In6() {
		return blockedAddr(addr.Unmap())
	}

	if _, found := metadataAddrs[addr.String()]; found {
		return true, "cloud metadata endpoint"
	}

	switch {
	case addr.IsLoopback():
		return true, "loopback address"
	case addr.IsUnspecified():
		return true, "unspecified address"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return true, "link-local address"
	case addr.IsMulticast():
		return true, "multicast address"
	case addr.IsPrivate():
		return true, "private address range"
	}

	if addr.Is4() && addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true, "broadcast address"
	}

	if addr.Is6() {
		for _, prefix := range blockedV6Prefixes {
			if prefix.Contains(addr) {
				return true, "reserved IPv6 range"
			}
		}
	}

	return false, ""
}

// stripPort removes an optional trailing port. Handles bracketed IPv6
// ([::1]:8080), plain host:port, and the bare-IPv6-with-port heuristic:
// a trailing :NNNN(N) in 1000..65535 is treated as a port when the prefix
// still parses as an IPv6 address, so internal "::" groups survive.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			return host[1:end]
		}
		return strings.Trim(host, "[]")
	}

	colons := strings.Count(host, ":")
	if colons == 0 {
		return host
	}

	if colons == 1 {
		idx := strings.LastIndexByte(host, ':')
		if isPortDigits(host[idx+1:], 1, 65535) {
			return host[:idx]
		}
		return host
	}

	// Multiple colons: IPv6 territory. A full parse wins over the
	// port heuristic so addresses like 2001:db8::1428 stay intact.
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}

	idx := strings.LastIndexByte(host, ':')
	tail := host[idx+1:]
	if len(tail) >= 4 && len(tail) <= 5 && isPortDigits(tail, 1000, 65535) {
		prefix := host[:idx]
		if _, err := netip.ParseAddr(prefix); err == nil {
			return prefix
		}
	}

	return host
}

func isPortDigits(s string, lo, hi int) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return n >= lo && n <= hi
}

// parseAddr turns host into an address, accepting the legacy inet_aton
// IPv4 encodings alongside the canonical forms.
func parseAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	if addr, ok := parseLegacyIPv4(host); ok {
		return addr, true
	}
	return netip.Addr{}, false
}

// parseLegacyIPv4 implements inet_aton semantics: 1..4 dot-separated parts,
// each decimal, octal (leading 0), or hex (0x); the final part fills the
// remaining bytes. "127.1" is 127.0.0.1, "2130706433" is 127.0.0.1,
// "0x7f.0.0.1" and "0177.0.0.1" are 127.0.0.1.
func parseLegacyIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}

	vals := make([]uint64, len(parts))
	for i, part := range parts {
		v, ok := parseIPv4Part(part)
		if !ok {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	n := len(vals)
	var u32 uint64
	for i := 0; i < n-1; i++ {
		if vals[i] > 0xFF {
			return netip.Addr{}, false
		}
		u32 = u32<<8 | vals[i]
	}

	remaining := 4 - (n - 1)
	limit := uint64(1) << (8 * remaining)
	if vals[n-1] >= limit {
		return netip.Addr{}, false
	}
	u32 = u32<<(8*remaining) | vals[n-1]

	return netip.AddrFrom4([4]byte{
		byte(u32 >> 24), byte(u32 >> 16), byte(u32 >> 8), byte(u32),
	}), true
}

func parseIPv4Part(part string) (uint64, bool) {
	if part == "" {
		return 0, false
	}
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(part, "0x") || strings.HasPrefix(part, "0X"):
		if len(part) == 2 {
			return 0, false
		}
		v, err = strconv.ParseUint(part[2:], 16, 64)
	case len(part) > 1 && part[0] == '0':
		v, err = strconv.ParseUint(part[1:], 8, 64)
	default:
		v, err = strconv.ParseUint(part, 10, 64)
	}
	if err != nil || v > 0xFFFFFFFF {
		return 0, false
	}
	return v, true
}
