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

// Package config loads service settings from the environment. Every
// variable is validated individually; invalid settings are fatal before
// the server starts listening.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Settings is the complete runtime configuration of the triage service.
type Settings struct {
	// APIToken is the static bearer token checked on POST /v1/triage.
	APIToken string

	// DiscordWebhookURL receives run summaries and attachments.
	DiscordWebhookURL string

	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	MaxConcurrency     int
	QueueLimit         int
	PerIPRateLimit     int
	PerIPRateWindowSec int
	RunTimeoutSec      int

	// Per-child resource caps handed to the sandbox.
	RlimitCPUSec  int
	RlimitASMB    int
	RlimitNoFile  int
	CgroupPidsMax int

	// EnableCgroupPidsLimit gates the pids cgroup cap; hosts without
	// cgroup namespace support need it off.
	EnableCgroupPidsLimit bool

	PipCacheDir      string
	MaxDownloadBytes int64

	// PackageDenylist entries are matched after package-name normalization.
	PackageDenylist []string

	// DNSResolvers is the IPv4 resolver allowlist for egress rules.
	DNSResolvers []string

	// DBPath enables the optional run-history store when non-empty.
	DBPath string

	// LogLevel selects the slog level (debug, info, warn, error).
	LogLevel string
}

// FromEnv builds Settings from environment variables, applying defaults
// and rejecting out-of-range values.
func FromEnv() (Settings, error) {
	var cfg Settings
	var err error

	cfg.APIToken = os.Getenv("API_TOKEN")
	if cfg.APIToken == "" {
		return cfg, fmt.Errorf("missing required environment variable: API_TOKEN")
	}
	cfg.DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	if cfg.DiscordWebhookURL == "" {
		return cfg, fmt.Errorf("missing required environment variable: DISCORD_WEBHOOK_URL")
	}

	cfg.ListenAddr = os.Getenv("LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	if cfg.MaxConcurrency, err = intEnv("MAX_CONCURRENCY", 2, 1); err != nil {
		return cfg, err
	}
	if cfg.QueueLimit, err = intEnv("QUEUE_LIMIT", 20, 1); err != nil {
		return cfg, err
	}
	if cfg.PerIPRateLimit, err = intEnv("PER_IP_RATE_LIMIT", 30, 1); err != nil {
		return cfg, err
	}
	if cfg.PerIPRateWindowSec, err = intEnv("PER_IP_RATE_WINDOW_SEC", 60, 1); err != nil {
		return cfg, err
	}
	if cfg.RunTimeoutSec, err = intEnv("RUN_TIMEOUT_SEC", 45, 1); err != nil {
		return cfg, err
	}
	if cfg.RlimitCPUSec, err = intEnv("RLIMIT_CPU_SEC", 30, 1); err != nil {
		return cfg, err
	}
	if cfg.RlimitASMB, err = intEnv("RLIMIT_AS_MB", 1024, 128); err != nil {
		return cfg, err
	}
	if cfg.CgroupPidsMax, err = intEnv("CGROUP_PIDS_MAX", 128, 8); err != nil {
		return cfg, err
	}
	if cfg.RlimitNoFile, err = intEnv("RLIMIT_NOFILE", 1024, 64); err != nil {
		return cfg, err
	}
	cfg.EnableCgroupPidsLimit = boolEnv("ENABLE_CGROUP_PIDS_LIMIT", true)

	cfg.PipCacheDir = os.Getenv("PIP_CACHE_DIR")
	if cfg.PipCacheDir == "" {
		cfg.PipCacheDir = "/var/cache/pip"
	}

	maxDownload, err := intEnv("MAX_DOWNLOAD_BYTES", 300_000_000, 1)
	if err != nil {
		return cfg, err
	}
	cfg.MaxDownloadBytes = int64(maxDownload)

	cfg.PackageDenylist = splitList(envOrDefault("PACKAGE_DENYLIST", "torch,tensorflow,jaxlib"))
	for i, entry := range cfg.PackageDenylist {
		cfg.PackageDenylist[i] = strings.ToLower(entry)
	}

	cfg.DNSResolvers, err = ParseDNSResolvers(envOrDefault("DNS_RESOLVERS", "1.1.1.1,8.8.8.8"))
	if err != nil {
		return cfg, err
	}

	cfg.DBPath = os.Getenv("TRIAGE_DB")
	cfg.LogLevel = envOrDefault("LOG_LEVEL", "info")

	return cfg, nil
}

// ParseDNSResolvers validates a comma-separated list of IPv4 resolver
// addresses. IPv6 entries are rejected.
func ParseDNSResolvers(raw string) ([]string, error) {
	var resolvers []string
	for _, part := range strings.Split(raw, ",") {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		ip := net.ParseIP(value)
		if ip == nil {
			return nil, fmt.Errorf("invalid DNS_RESOLVERS entry: %q", value)
		}
		if ip.To4() == nil {
			return nil, fmt.Errorf("DNS_RESOLVERS currently supports IPv4 addresses only")
		}
		if !contains(resolvers, value) {
			resolvers = append(resolvers, value)
		}
	}
	if len(resolvers) == 0 {
		return nil, fmt.Errorf("DNS_RESOLVERS must contain at least one IP")
	}
	return resolvers, nil
}

func intEnv(name string, def, minimum int) (int, error) {
	raw := os.Getenv(name)
	value := def
	if raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value: %w", name, err)
		}
		value = parsed
	}
	if value < minimum {
		return 0, fmt.Errorf("%s must be >= %d", name, minimum)
	}
	return value, nil
}

func boolEnv(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		value := strings.TrimSpace(part)
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
