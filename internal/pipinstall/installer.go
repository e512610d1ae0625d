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

// Package pipinstall installs the package under triage into a run-scoped
// site directory via a jailed pip, with an audit bootstrap and a
// post-hoc cap on download cache growth.
package pipinstall

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/config"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/runner"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/sandbox"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

// MaxPipAuditBytes caps the install-stage audit stream.
const MaxPipAuditBytes = 5_000_000

// Installer runs jailed pip installs.
type Installer struct {
	runner runner.Runner
	cfg    config.Settings
	logger *slog.Logger
}

// New constructs an Installer.
func New(r runner.Runner, cfg config.Settings, logger *slog.Logger) *Installer {
	return &Installer{runner: r, cfg: cfg, logger: logger}
}

// Install installs package==version into its site directory. The
// returned result reports the install audit stream only when the file
// exists. Download cache growth past the configured cap fails the
// install after the fact.
func (i *Installer) Install(ctx context.Context, packageName, version string) (triage.InstallResult, error) {
	beforeSize := dirSize(i.cfg.PipCacheDir)
	installTarget := sandbox.SitePackagesDir(packageName, version)
	auditPath := filepath.Join("/tmp", fmt.Sprintf("pip-audit-%s.jsonl", uuid.NewString()))

	bootstrapDir, err := writeAuditBootstrap()
	if err != nil {
		return triage.InstallResult{}, err
	}
	defer os.RemoveAll(bootstrapDir)

	if i.logger != nil {
		i.logger.Info("pip install start",
			"package", packageName,
			"version", version,
			"target", installTarget,
			"audit_path", auditPath)
	}

	// A leftover site dir from an earlier run of the same version must
	// not leak into this run.
	os.RemoveAll(installTarget)

	env := sandbox.MinimalProcessEnv(map[string]string{
		"PIP_CACHE_DIR":         i.cfg.PipCacheDir,
		"PYTHONPATH":            bootstrapDir + string(os.PathListSeparator) + installTarget,
		"SNAKEHOOK_AUDIT_PATH":  auditPath,
		"SNAKEHOOK_AUDIT_LIMIT": strconv.Itoa(MaxPipAuditBytes),
	})
	argv := sandbox.BuildNsjailPrefix(i.cfg, env)
	argv = append(argv, "--")
	argv = append(argv, sandbox.JailedPythonCommand()...)
	argv = append(argv,
		"-m", "pip", "install",
		fmt.Sprintf("%s==%s", packageName, version),
		"--disable-pip-version-check",
		"--no-input",
		"--upgrade",
		"--target", installTarget,
		"--cache-dir", i.cfg.PipCacheDir,
	)

	result, err := i.runner.Run(ctx, runner.Spec{
		Argv:    argv,
		Env:     sandbox.FlattenEnv(env),
		Timeout: time.Duration(i.cfg.RunTimeoutSec) * time.Second,
	})
	if err != nil {
		return triage.InstallResult{}, err
	}

	createdAuditPath := ""
	if _, statErr := os.Stat(auditPath); statErr == nil {
		createdAuditPath = auditPath
	} else if i.logger != nil {
		i.logger.Warn("pip install finished without audit file",
			"package", packageName, "version", version, "path", auditPath)
	}

	if result.TimedOut || result.ExitCode != 0 {
		if i.logger != nil {
			i.logger.Warn("pip install failed",
				"package", packageName,
				"version", version,
				"timed_out", result.TimedOut,
				"returncode", result.ExitCode)
		}
		return triage.InstallResult{
			OK:             false,
			Stdout:         result.Stdout,
			Stderr:         result.Stderr,
			AuditJSONLPath: createdAuditPath,
		}, nil
	}

	afterSize := dirSize(i.cfg.PipCacheDir)
	delta := afterSize - beforeSize
	if delta < 0 {
		delta = 0
	}
	if delta > i.cfg.MaxDownloadBytes {
		if i.logger != nil {
			i.logger.Warn("pip download cap exceeded",
				"package", packageName,
				"version", version,
				"wrote_bytes", delta,
				"cap_bytes", i.cfg.MaxDownloadBytes)
		}
		return triage.InstallResult{
			OK:     false,
			Stdout: result.Stdout,
			Stderr: fmt.Sprintf("download byte cap exceeded: wrote %d bytes, cap is %d",
				delta, i.cfg.MaxDownloadBytes),
			AuditJSONLPath: createdAuditPath,
		}, nil
	}

	if i.logger != nil {
		i.logger.Info("pip install complete",
			"package", packageName,
			"version", version,
			"cache_delta_bytes", delta,
			"audit_path", createdAuditPath)
	}
	return triage.InstallResult{
		OK:             true,
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		AuditJSONLPath: createdAuditPath,
	}, nil
}

// writeAuditBootstrap provisions a world-readable dir holding the
// sitecustomize hook pip picks up from PYTHONPATH.
func writeAuditBootstrap() (string, error) {
	dir, err := os.MkdirTemp("/tmp", "snakehook-pip-audit-")
	if err != nil {
		return "", fmt.Errorf("pipinstall: bootstrap dir: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("pipinstall: bootstrap chmod: %w", err)
	}
	path := filepath.Join(dir, "sitecustomize.py")
	if err := os.WriteFile(path, []byte(auditSitecustomize()), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("pipinstall: write sitecustomize: %w", err)
	}
	return dir, nil
}

// auditSitecustomize is the hook injected into the pip process. It
// appends JSONL audit records until the byte limit is reached.
func auditSitecustomize() string {
	return "import json\n" +
		"import os\n" +
		"import sys\n" +
		"\n" +
		"path=os.getenv('SNAKEHOOK_AUDIT_PATH','').strip()\n" +
		"if path:\n" +
		"    limit_raw=os.getenv('SNAKEHOOK_AUDIT_LIMIT','5000000').strip()\n" +
		"    try:\n" +
		"        limit=max(0,int(limit_raw))\n" +
		"    except ValueError:\n" +
		"        limit=5000000\n" +
		"    written=0\n" +
		"    f=open(path,'a',encoding='utf-8')\n" +
		"    def _hook(event,args):\n" +
		"        global written\n" +
		"        if written >= limit:\n" +
		"            return\n" +
		"        try:\n" +
		"            line=json.dumps({'event':event,'args':repr(args)})+'\\n'\n" +
		"        except Exception:\n" +
		"            return\n" +
		"        remaining=limit-written\n" +
		"        chunk=line[:remaining]\n" +
		"        f.write(chunk)\n" +
		"        f.flush()\n" +
		"        written += len(chunk)\n" +
		"    sys.addaudithook(_hook)\n"
}

// dirSize sums file sizes under root. Files vanishing mid-walk are
// skipped; pip prunes its cache concurrently.
func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
