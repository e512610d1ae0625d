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

package config

import (
	"reflect"
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/webhook")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxConcurrency != 2 || cfg.QueueLimit != 20 {
		t.Errorf("pool settings = %d/%d", cfg.MaxConcurrency, cfg.QueueLimit)
	}
	if cfg.PerIPRateLimit != 30 || cfg.PerIPRateWindowSec != 60 {
		t.Errorf("rate settings = %d/%d", cfg.PerIPRateLimit, cfg.PerIPRateWindowSec)
	}
	if cfg.RunTimeoutSec != 45 {
		t.Errorf("RunTimeoutSec = %d", cfg.RunTimeoutSec)
	}
	if cfg.RlimitCPUSec != 30 || cfg.RlimitASMB != 1024 || cfg.CgroupPidsMax != 128 || cfg.RlimitNoFile != 1024 {
		t.Errorf("rlimits = %+v", cfg)
	}
	if !cfg.EnableCgroupPidsLimit {
		t.Error("EnableCgroupPidsLimit must default to true")
	}
	if cfg.PipCacheDir != "/var/cache/pip" {
		t.Errorf("PipCacheDir = %q", cfg.PipCacheDir)
	}
	if cfg.MaxDownloadBytes != 300_000_000 {
		t.Errorf("MaxDownloadBytes = %d", cfg.MaxDownloadBytes)
	}
	if !reflect.DeepEqual(cfg.PackageDenylist, []string{"torch", "tensorflow", "jaxlib"}) {
		t.Errorf("PackageDenylist = %v", cfg.PackageDenylist)
	}
	if !reflect.DeepEqual(cfg.DNSResolvers, []string{"1.1.1.1", "8.8.8.8"}) {
		t.Errorf("DNSResolvers = %v", cfg.DNSResolvers)
	}
	if cfg.DBPath != "" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestFromEnvRequiresToken(t *testing.T) {
	t.Setenv("API_TOKEN", "")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/webhook")

	_, err := FromEnv()
	if err == nil || !strings.Contains(err.Error(), "API_TOKEN") {
		t.Fatalf("err = %v", err)
	}
}

func TestFromEnvRequiresWebhook(t *testing.T) {
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("DISCORD_WEBHOOK_URL", "")

	_, err := FromEnv()
	if err == nil || !strings.Contains(err.Error(), "DISCORD_WEBHOOK_URL") {
		t.Fatalf("err = %v", err)
	}
}

func TestFromEnvRejectsOutOfRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_CONCURRENCY", "0")

	if _, err := FromEnv(); err == nil {
		t.Fatal("MAX_CONCURRENCY=0 must be rejected")
	}
}

func TestFromEnvRejectsNonNumeric(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("QUEUE_LIMIT", "many")

	if _, err := FromEnv(); err == nil {
		t.Fatal("non-numeric QUEUE_LIMIT must be rejected")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_CONCURRENCY", "8")
	t.Setenv("PACKAGE_DENYLIST", "Evil-Pkg, other ,")
	t.Setenv("ENABLE_CGROUP_PIDS_LIMIT", "0")
	t.Setenv("TRIAGE_DB", "/var/lib/snakehook/runs.db")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d", cfg.MaxConcurrency)
	}
	if !reflect.DeepEqual(cfg.PackageDenylist, []string{"evil-pkg", "other"}) {
		t.Errorf("PackageDenylist = %v", cfg.PackageDenylist)
	}
	if cfg.EnableCgroupPidsLimit {
		t.Error("ENABLE_CGROUP_PIDS_LIMIT=0 must disable the pids cap")
	}
	if cfg.DBPath != "/var/lib/snakehook/runs.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestParseDNSResolvers(t *testing.T) {
	got, err := ParseDNSResolvers("1.1.1.1, 8.8.8.8 ,1.1.1.1,")
	if err != nil {
		t.Fatalf("ParseDNSResolvers: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"1.1.1.1", "8.8.8.8"}) {
		t.Errorf("resolvers = %v", got)
	}

	if _, err := ParseDNSResolvers("not-an-ip"); err == nil {
		t.Error("invalid address must be rejected")
	}
	if _, err := ParseDNSResolvers("2606:4700::1111"); err == nil {
		t.Error("IPv6 address must be rejected")
	}
	if _, err := ParseDNSResolvers(" , "); err == nil {
		t.Error("empty list must be rejected")
	}
}
