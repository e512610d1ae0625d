// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package egress renders the host nftables ruleset that pins sandbox
// traffic to the package index, the webhook host, and the allowed DNS
// resolvers. It only produces text; applying the ruleset is left to the
// deployment.
package egress

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
)

// Resolver maps a hostname to its IPv4 addresses.
type Resolver func(host string) ([]string, error)

// ResolveIPv4 is the default Resolver, backed by the system resolver.
func ResolveIPv4(host string) ([]string, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("egress: resolve %s: %w", host, err)
	}
	seen := map[string]bool{}
	var out []string
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		s := v4.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RenderRules produces the nftables ruleset allowing TLS to pypi.org,
// files.pythonhosted.org and the webhook host, plus DNS to the resolver
// allowlist. Everything else on the output hook is dropped.
func RenderRules(webhookHost string, dnsResolvers []string, resolver Resolver) (string, error) {
	allowedHosts := []string{"pypi.org", "files.pythonhosted.org", webhookHost}
	var ipSet []string
	seen := map[string]bool{}
	for _, host := range allowedHosts {
		ips, err := resolver(host)
		if err != nil {
			return "", err
		}
		for _, ip := range ips {
			if !seen[ip] {
				seen[ip] = true
				ipSet = append(ipSet, ip)
			}
		}
	}

	ipLines := strings.Join(ipSet, ", ")
	dnsLines := strings.Join(dnsResolvers, ", ")
	return fmt.Sprintf(`table inet snakehook {
  set allowed_tls_ips {
    type ipv4_addr
    elements = { %s }
  }
  set dns_resolvers {
    type ipv4_addr
    elements = { %s }
  }

  chain output {
    type filter hook output priority 0;
    policy drop;

    oifname "lo" accept
    ct state established,related accept

    ip daddr @dns_resolvers udp dport 53 accept
    ip daddr @dns_resolvers tcp dport 53 accept

    ip daddr @allowed_tls_ips tcp dport 443 accept
  }
}
`, ipLines, dnsLines), nil
}

// RenderRulesForWebhook resolves the webhook host out of its URL and
// renders the ruleset with the system resolver.
func RenderRulesForWebhook(webhookURL string, dnsResolvers []string) (string, error) {
	parsed, err := url.Parse(webhookURL)
	if err != nil || parsed.Hostname() == "" {
		return "", fmt.Errorf("DISCORD_WEBHOOK_URL must include a hostname")
	}
	return RenderRules(parsed.Hostname(), dnsResolvers, ResolveIPv4)
}

// WriteRulesFile renders the ruleset and writes it to path.
func WriteRulesFile(webhookURL, path string, dnsResolvers []string) error {
	rules, err := RenderRulesForWebhook(webhookURL, dnsResolvers)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		return fmt.Errorf("egress: write rules file: %w", err)
	}
	return nil
}

// ReadSystemIPv4Resolvers pulls the IPv4 nameserver entries out of a
// resolv.conf style file. Missing or unreadable files yield nothing.
func ReadSystemIPv4Resolvers(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var resolvers []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		if !strings.HasPrefix(stripped, "nameserver") {
			continue
		}
		fields := strings.Fields(stripped)
		if len(fields) < 2 {
			continue
		}
		candidate := fields[1]
		ip := net.ParseIP(candidate)
		if ip == nil || ip.To4() == nil {
			continue
		}
		if !seen[candidate] {
			seen[candidate] = true
			resolvers = append(resolvers, candidate)
		}
	}
	return resolvers
}

// BuildDNSResolverAllowlist merges the configured resolvers with the
// system's IPv4 resolvers, configured entries first.
func BuildDNSResolverAllowlist(configured []string, resolvConfPath string) []string {
	merged := append([]string(nil), configured...)
	seen := map[string]bool{}
	for _, r := range merged {
		seen[r] = true
	}
	for _, r := range ReadSystemIPv4Resolvers(resolvConfPath) {
		if !seen[r] {
			seen[r] = true
			merged = append(merged, r)
		}
	}
	return merged
}
