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

package pipinstall

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/config"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/runner"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/sandbox"
)

// fakeRunner records the command spec and can side-effect the filesystem the
// way the jailed pip would.
type fakeRunner struct {
	spec   runner.Spec
	result runner.Result
	onRun  func(spec runner.Spec)
	runErr error
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	f.spec = spec
	if f.onRun != nil {
		f.onRun(spec)
	}
	return f.result, f.runErr
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	return config.Settings{
		RunTimeoutSec:    45,
		RlimitCPUSec:     30,
		RlimitASMB:       1024,
		RlimitNoFile:     1024,
		CgroupPidsMax:    128,
		PipCacheDir:      t.TempDir(),
		MaxDownloadBytes: 1 << 20,
	}
}

func envValue(spec runner.Spec, key string) string {
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	return ""
}

func TestInstallBuildsJailedPipCommand(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{ExitCode: 0}}
	inst := New(fr, testSettings(t), nil)

	res, err := inst.Install(context.Background(), "requests", "2.31.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}

	joined := strings.Join(fr.spec.Argv, " ")
	if !strings.HasPrefix(joined, "nsjail ") {
		t.Errorf("argv must start with nsjail: %q", joined)
	}
	for _, want := range []string{
		"-m pip install requests==2.31.0",
		"--disable-pip-version-check",
		"--no-input",
		"--upgrade",
		"--target " + sandbox.SitePackagesDir("requests", "2.31.0"),
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q", want)
		}
	}
	if got := envValue(fr.spec, "SNAKEHOOK_AUDIT_LIMIT"); got != "5000000" {
		t.Errorf("audit limit env = %q", got)
	}
	pythonPath := envValue(fr.spec, "PYTHONPATH")
	if !strings.Contains(pythonPath, "snakehook-pip-audit-") {
		t.Errorf("PYTHONPATH must lead with the audit bootstrap dir: %q", pythonPath)
	}
}

func TestInstallReportsAuditPathOnlyWhenFileExists(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{ExitCode: 0}}
	fr.onRun = func(spec runner.Spec) {
		path := envValue(spec, "SNAKEHOOK_AUDIT_PATH")
		if path == "" {
			t.Error("audit path env missing")
			return
		}
		os.WriteFile(path, []byte(`{"event":"open","args":"()"}`+"\n"), 0o600)
	}
	inst := New(fr, testSettings(t), nil)

	res, err := inst.Install(context.Background(), "requests", "2.31.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.AuditJSONLPath == "" {
		t.Fatal("audit path must be reported when the file exists")
	}
	t.Cleanup(func() { os.Remove(res.AuditJSONLPath) })

	fr2 := &fakeRunner{result: runner.Result{ExitCode: 0}}
	res2, err := New(fr2, testSettings(t), nil).Install(context.Background(), "requests", "2.31.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res2.AuditJSONLPath != "" {
		t.Fatalf("audit path reported for a missing file: %q", res2.AuditJSONLPath)
	}
}

func TestInstallFailurePropagatesOutput(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{
		ExitCode: 1,
		Stdout:   "Collecting requests",
		Stderr:   "ERROR: No matching distribution found",
	}}
	res, err := New(fr, testSettings(t), nil).Install(context.Background(), "requests", "0.0.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.OK {
		t.Fatal("nonzero exit must fail the install")
	}
	if !strings.Contains(res.Stderr, "No matching distribution") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestInstallTimeoutFails(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{ExitCode: runner.TimeoutExitCode, TimedOut: true}}
	res, err := New(fr, testSettings(t), nil).Install(context.Background(), "requests", "2.31.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.OK {
		t.Fatal("timed-out install must fail")
	}
}

func TestInstallDownloadCapExceeded(t *testing.T) {
	cfg := testSettings(t)
	cfg.MaxDownloadBytes = 16
	fr := &fakeRunner{result: runner.Result{ExitCode: 0}}
	fr.onRun = func(spec runner.Spec) {
		// Simulate pip writing past the cap into the shared cache.
		os.WriteFile(cfg.PipCacheDir+"/wheel.whl", make([]byte, 64), 0o600)
	}
	res, err := New(fr, cfg, nil).Install(context.Background(), "requests", "2.31.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.OK {
		t.Fatal("cache growth past the cap must fail the install")
	}
	if !strings.Contains(res.Stderr, "download byte cap exceeded") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}
