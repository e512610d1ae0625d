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

package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/config"
)

const (
	nsjailConfigPathDefault = "/etc/nsjail.cfg"
	pythonEnvBin            = "/usr/bin/env"
	pythonNameDefault       = "/usr/local/bin/python3"
	nsjailUserDefault       = "65534"
	nsjailGroupDefault      = "65534"
)

// Read-only paths the jailed interpreter needs; missing ones are
// skipped so the same binary runs on trimmed-down images.
var runtimeBindmountsRO = [][2]string{
	{"/usr", "/usr"},
	{"/usr/local", "/usr/local"},
	{"/bin", "/bin"},
	{"/lib", "/lib"},
	{"/lib64", "/lib64"},
	{"/etc/ssl/certs", "/etc/ssl/certs"},
	{"/etc/resolv.conf", "/etc/resolv.conf"},
	{"/etc/hosts", "/etc/hosts"},
}

var runtimeBindmountsRW = [][2]string{
	{"/tmp", "/tmp"},
	{JailWorkDir, JailWorkDir},
}

// BuildNsjailPrefix assembles the nsjail argv prefix carrying the
// resource caps and bind mounts. The caller appends "--" plus the
// jailed command.
func BuildNsjailPrefix(cfg config.Settings, jailedEnv map[string]string) []string {
	configPath := envDefault("NSJAIL_CONFIG_PATH", nsjailConfigPathDefault)
	chrootPath := strings.TrimSpace(os.Getenv("NSJAIL_CHROOT_PATH"))
	jailUser := envDefault("NSJAIL_USER", nsjailUserDefault)
	jailGroup := envDefault("NSJAIL_GROUP", nsjailGroupDefault)
	disableCloneNewuser := boolFromEnv("NSJAIL_DISABLE_CLONE_NEWUSER", true)

	command := []string{
		"nsjail",
		"--config", configPath,
		"--user", jailUser,
		"--group", jailGroup,
		"--time_limit", strconv.Itoa(cfg.RunTimeoutSec),
		"--rlimit_cpu", strconv.Itoa(cfg.RlimitCPUSec),
		"--rlimit_as", strconv.Itoa(cfg.RlimitASMB),
		"--rlimit_nofile", strconv.Itoa(cfg.RlimitNoFile),
	}
	for _, mount := range existingBindmounts(runtimeBindmountsRO) {
		command = append(command, "--bindmount_ro", mount[0]+":"+mount[1])
	}
	for _, mount := range existingBindmounts(runtimeBindmountsRW) {
		command = append(command, "--bindmount", mount[0]+":"+mount[1])
	}
	command = append(command, "--bindmount_ro", cfg.PipCacheDir+":"+cfg.PipCacheDir)
	if cfg.EnableCgroupPidsLimit {
		command = append(command, "--cgroup_pids_max", strconv.Itoa(cfg.CgroupPidsMax))
	}
	if disableCloneNewuser {
		command = append(command, "--disable_clone_newuser")
	}
	if chrootPath != "" {
		command = append(command, "--chroot", chrootPath)
	}
	for _, key := range sortedKeys(jailedEnv) {
		command = append(command, "--env", key+"="+jailedEnv[key])
	}
	return command
}

// JailedPythonCommand resolves the interpreter to run inside the jail.
// A bare name goes through env so PATH resolution happens in-jail.
func JailedPythonCommand() []string {
	pythonName := envDefault("JAIL_PYTHON_NAME", pythonNameDefault)
	if strings.Contains(pythonName, "/") {
		return []string{pythonName}
	}
	return []string{pythonEnvBin, pythonName}
}

// MinimalProcessEnv returns the reduced environment handed to jailed
// children: interpreter essentials only, plus the given extras.
func MinimalProcessEnv(extra map[string]string) map[string]string {
	env := map[string]string{
		"PATH":            envDefault("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"),
		"LD_LIBRARY_PATH": envDefault("LD_LIBRARY_PATH", "/usr/local/lib:/usr/local/lib64:/usr/lib:/lib"),
		"HOME":            "/tmp",
		"TMPDIR":          "/tmp",
	}
	for key, value := range extra {
		env[key] = value
	}
	return env
}

// FlattenEnv renders an environment map into the KEY=VALUE form the
// process runner takes, sorted for stable argv in logs and tests.
func FlattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, key := range sortedKeys(env) {
		out = append(out, key+"="+env[key])
	}
	return out
}

func existingBindmounts(entries [][2]string) [][2]string {
	var out [][2]string
	for _, entry := range entries {
		if _, err := os.Stat(entry[0]); err == nil {
			out = append(out, entry)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func envDefault(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func boolFromEnv(name string, def bool) bool {
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

// pyStr renders a Go string as a Python string literal. Go quoting is a
// compatible subset for the characters run parameters may contain.
func pyStr(value string) string {
	return fmt.Sprintf("%q", value)
}
