// Package safety implements the gateway's outbound-request and
// model-input guardrails: URL validation against SSRF, prompt-injection
// heuristics, and credential-leak scanning, combined behind a single
// Policy decision.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"golang.org/x/text/unicode/norm"
)

// metadataAddress is the cloud provider instance-metadata address; it
// must always be blocked regardless of the private-range checks below,
// since it is routable but never a legitimate fetch target.
const metadataAddress = "169.254.169.254"

// Validator checks outbound URLs for SSRF risk before the gateway lets a
// tool or provider call reach them.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator. A nil logger falls back to slog's
// default logger.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger.With("component", "safety.validator")}
}

// ValidateURL checks u against the SSRF rule set: scheme must be
// http/https, the host must be plain ASCII (homographs rejected), DNS
// must resolve, and none of the resolved addresses may fall in a
// blocked range. DNS is resolved twice; a changed result set between
// the two passes is logged as a TOCTOU indicator but only rejected if
// one of the new addresses is itself blocked.
func (v *Validator) ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("blocked: scheme %q is not http/https", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("blocked: empty host")
	}
	if err := rejectHomograph(host); err != nil {
		return err
	}

	first, err := resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if err := checkBlocked(first); err != nil {
		return err
	}

	second, err := resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if err := checkBlocked(second); err != nil {
		return err
	}
	if changed := setDiff(first, second); len(changed) > 0 {
		v.logger.Warn("resolved address set changed between validation passes",
			"host", host, "added", changed)
	}

	return nil
}

// rejectHomograph rejects hostnames containing non-ASCII runes after
// NFKC normalization, which flattens the confusable-script tricks (full-
// width Latin, Cyrillic lookalikes) used in homograph attacks while
// still passing through plain punycode (xn--) labels unscathed.
func rejectHomograph(host string) error {
	normalized := norm.NFKC.String(host)
	for _, r := range normalized {
		if r > 0x7f {
			return fmt.Errorf("blocked: suspected homograph in host %q", host)
		}
	}
	return nil
}

func resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

func checkBlocked(ips []net.IP) error {
	for _, ip := range ips {
		if ip.String() == metadataAddress {
			return fmt.Errorf("blocked: cloud metadata address %s", metadataAddress)
		}
		if isBlockedRange(ip) {
			return fmt.Errorf("blocked: %s resolves to a private/internal address", ip)
		}
	}
	return nil
}

// isBlockedRange reports whether ip falls in a private, loopback,
// link-local, carrier-grade-NAT, multicast, or broadcast range.
func isBlockedRange(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 100.64.0.0/10, carrier-grade NAT (RFC 6598).
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		// 255.255.255.255, limited broadcast.
		if ip4[0] == 255 && ip4[1] == 255 && ip4[2] == 255 && ip4[3] == 255 {
			return true
		}
	}
	return false
}

func setDiff(a, b []net.IP) []string {
	seen := make(map[string]bool, len(a))
	for _, ip := range a {
		seen[ip.String()] = true
	}
	var added []string
	for _, ip := range b {
		s := ip.String()
		if !seen[s] {
			added = append(added, s)
		}
	}
	return added
}

