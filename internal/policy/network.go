// Package policy holds the outbound network policy applied to tools that
// reach the network on a planner's behalf.
package policy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDenied is returned, wrapped, for every URL the policy rejects.
var ErrDenied = errors.New("blocked by network policy")

// File is the on-disk policy layout.
type File struct {
	Network NetworkPolicy `yaml:"network"`
}

// NetworkPolicy restricts which hosts may be fetched. A non-empty allowlist
// admits only the listed hosts and their subdomains; the denylist always wins.
type NetworkPolicy struct {
	Allowlist    []string `yaml:"allowlist"`
	Denylist     []string `yaml:"denylist"`
	BlockPrivate bool     `yaml:"block_private"`
}

// Default blocks loopback, link-local and private address literals.
func Default() NetworkPolicy {
	return NetworkPolicy{BlockPrivate: true}
}

// LoadNetworkPolicy reads the policy YAML at path. An empty path yields
// Default.
func LoadNetworkPolicy(path string) (NetworkPolicy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return NetworkPolicy{}, fmt.Errorf("read policy: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return NetworkPolicy{}, fmt.Errorf("parse policy: %w", err)
	}
	p := f.Network
	p.Allowlist = sanitizeHosts(p.Allowlist)
	p.Denylist = sanitizeHosts(p.Denylist)
	if err := p.Validate(); err != nil {
		return NetworkPolicy{}, err
	}
	return p, nil
}

// Validate rejects entries that can never match a host.
func (p NetworkPolicy) Validate() error {
	for _, list := range [][]string{p.Allowlist, p.Denylist} {
		for _, h := range list {
			if strings.ContainsAny(h, "/ ") {
				return fmt.Errorf("network policy host %q is not a host name", h)
			}
		}
	}
	return nil
}

// Check reports whether rawURL may be fetched.
func (p NetworkPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return fmt.Errorf("%w: %q has no host", ErrDenied, rawURL)
	}
	if p.BlockPrivate && isPrivateHost(host) {
		return fmt.Errorf("%w: private address %s", ErrDenied, host)
	}
	for _, d := range p.Denylist {
		if matchHost(host, d) {
			return fmt.Errorf("%w: %s is denied", ErrDenied, host)
		}
	}
	if len(p.Allowlist) == 0 {
		return nil
	}
	for _, a := range p.Allowlist {
		if matchHost(host, a) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not allowlisted", ErrDenied, host)
}

func matchHost(host, pattern string) bool {
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// isPrivateHost only inspects literals and localhost names; it does not
// resolve DNS.
func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func sanitizeHosts(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	var out []string
	seen := make(map[string]struct{}, len(items))
	for _, raw := range items {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Hostname()
		}
	}
	value = strings.TrimPrefix(value, "www.")
	return value
}
