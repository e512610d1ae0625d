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

package egress

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func fakeResolver(mapping map[string][]string) Resolver {
	return func(host string) ([]string, error) {
		return mapping[host], nil
	}
}

func TestRenderRulesDefaultDropAndAllowlist(t *testing.T) {
	rules, err := RenderRules("discord.example", []string{"1.1.1.1", "8.8.8.8"}, fakeResolver(map[string][]string{
		"pypi.org":               {"151.101.0.223"},
		"files.pythonhosted.org": {"146.75.76.223"},
		"discord.example":        {"162.159.128.233"},
	}))
	if err != nil {
		t.Fatalf("RenderRules: %v", err)
	}

	for _, want := range []string{
		"policy drop",
		"151.101.0.223",
		"146.75.76.223",
		"162.159.128.233",
		"tcp dport 443 accept",
		"ip daddr @dns_resolvers udp dport 53 accept",
		"ip daddr @dns_resolvers tcp dport 53 accept",
	} {
		if !strings.Contains(rules, want) {
			t.Errorf("rules missing %q", want)
		}
	}
}

func TestRenderRulesDedupesSharedAddresses(t *testing.T) {
	rules, err := RenderRules("discord.example", []string{"1.1.1.1"}, fakeResolver(map[string][]string{
		"pypi.org":               {"151.101.0.223"},
		"files.pythonhosted.org": {"151.101.0.223"},
		"discord.example":        {"162.159.128.233"},
	}))
	if err != nil {
		t.Fatalf("RenderRules: %v", err)
	}
	if got := strings.Count(rules, "151.101.0.223"); got != 1 {
		t.Errorf("shared address listed %d times, want once", got)
	}
}

func TestRenderRulesForWebhookRequiresHostname(t *testing.T) {
	if _, err := RenderRulesForWebhook("not-a-url", []string{"1.1.1.1"}); err == nil {
		t.Fatal("expected error for URL without hostname")
	}
}

func TestReadSystemIPv4Resolvers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	content := strings.Join([]string{
		"# generated by systemd-resolved",
		"nameserver 10.0.0.53",
		"nameserver fe80::1",
		"nameserver 10.0.0.53",
		"search example.com",
		"nameserver",
		"nameserver not-an-ip",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got := ReadSystemIPv4Resolvers(path)
	if !reflect.DeepEqual(got, []string{"10.0.0.53"}) {
		t.Errorf("resolvers = %v", got)
	}

	if got := ReadSystemIPv4Resolvers(filepath.Join(t.TempDir(), "missing")); got != nil {
		t.Errorf("missing file should yield nil, got %v", got)
	}
}

func TestBuildDNSResolverAllowlistMergesSystem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(path, []byte("nameserver 10.0.0.53\nnameserver 1.1.1.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := BuildDNSResolverAllowlist([]string{"1.1.1.1", "8.8.8.8"}, path)
	want := []string{"1.1.1.1", "8.8.8.8", "10.0.0.53"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("allowlist = %v, want %v", got, want)
	}
}
