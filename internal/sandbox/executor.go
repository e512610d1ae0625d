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

// Package sandbox runs the installed package inside an nsjail-confined
// Python interpreter with an audit hook recording sensitive events.
package sandbox

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/config"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/runner"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

// MaxAuditBytes caps the sandbox-stage audit stream.
const MaxAuditBytes = 5_000_000

// NsjailExecutor executes run jobs through the process runner under an
// nsjail prefix.
type NsjailExecutor struct {
	runner runner.Runner
	cfg    config.Settings
	logger *slog.Logger
}

// NewNsjailExecutor constructs an executor.
func NewNsjailExecutor(r runner.Runner, cfg config.Settings, logger *slog.Logger) *NsjailExecutor {
	return &NsjailExecutor{runner: r, cfg: cfg, logger: logger}
}

// Run generates the audited driver program for the job's mode and
// executes it in the jail. The audit path is reported even when the
// child failed; the orchestrator checks existence.
func (e *NsjailExecutor) Run(ctx context.Context, job triage.RunJob) (triage.SandboxResult, error) {
	auditPath := AuditPath(job.RunID)
	if e.logger != nil {
		e.logger.Info("sandbox run start",
			"run_id", job.RunID,
			"package", job.PackageName,
			"version", job.Version,
			"mode", job.Mode,
			"audit_path", auditPath)
	}

	env := MinimalProcessEnv(map[string]string{
		"PYTHONPATH": SitePackagesDir(job.PackageName, job.Version),
	})
	argv := BuildNsjailPrefix(e.cfg, env)
	argv = append(argv, "--")
	argv = append(argv, JailedPythonCommand()...)
	argv = append(argv, "-c", buildAuditCode(job, auditPath))

	result, err := e.runner.Run(ctx, runner.Spec{
		Argv:    argv,
		Env:     FlattenEnv(env),
		Timeout: time.Duration(e.cfg.RunTimeoutSec) * time.Second,
	})
	if err != nil {
		return triage.SandboxResult{}, err
	}

	ok := !result.TimedOut && result.ExitCode == 0
	if e.logger != nil {
		e.logger.Info("sandbox run complete",
			"run_id", job.RunID,
			"timed_out", result.TimedOut,
			"return_ok", result.ExitCode == 0,
			"stdout_bytes", len(result.Stdout),
			"stderr_bytes", len(result.Stderr))
	}
	return triage.SandboxResult{
		OK:             ok,
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		TimedOut:       result.TimedOut,
		AuditJSONLPath: auditPath,
	}, nil
}

// buildAuditCode renders the Python driver that installs the audit hook
// and then resolves and runs the job's target. Audit records are JSONL
// objects with event and args fields; args holds the repr of the
// argument tuple.
func buildAuditCode(job triage.RunJob, auditPath string) string {
	var b strings.Builder
	b.WriteString("import importlib\n")
	b.WriteString("import importlib.metadata\n")
	b.WriteString("import importlib.util\n")
	b.WriteString("import json\n")
	b.WriteString("import runpy\n")
	b.WriteString("import sys\n")
	b.WriteString("mode=" + pyStr(string(job.Mode)) + "\n")
	b.WriteString("package_name=" + pyStr(job.PackageName) + "\n")
	b.WriteString("file_path=" + pyStr(job.FilePath) + "\n")
	b.WriteString("entrypoint=" + pyStr(job.Entrypoint) + "\n")
	b.WriteString("module_name=" + pyStr(job.ModuleName) + "\n")
	b.WriteString("limit=" + strconv.Itoa(MaxAuditBytes) + "\n")
	b.WriteString("written=0\n")
	b.WriteString("f=open(" + pyStr(auditPath) + ",'w',encoding='utf-8')\n")
	b.WriteString("def _hook(e,a):\n" +
		"    global written\n" +
		"    if written >= limit:\n" +
		"        return\n" +
		"    try:\n" +
		"        line=json.dumps({'event':e,'args':repr(a)})+'\\n'\n" +
		"    except Exception:\n" +
		"        return\n" +
		"    remaining=limit-written\n" +
		"    chunk=line[:remaining]\n" +
		"    f.write(chunk)\n" +
		"    written += len(chunk)\n" +
		"sys.addaudithook(_hook)\n" +
		"\n" +
		"def _normalize_name(value):\n" +
		"    return value.replace('-', '_').lower()\n" +
		"\n" +
		"def _resolve_attr(value, attr_path):\n" +
		"    current=value\n" +
		"    for name in attr_path.split('.'):\n" +
		"        current=getattr(current,name)\n" +
		"    return current\n" +
		"\n" +
		"def _call_entrypoint(spec):\n" +
		"    if ':' in spec:\n" +
		"        module_name,attr_path=spec.split(':',1)\n" +
		"        fn=_resolve_attr(importlib.import_module(module_name),attr_path)\n" +
		"        result=fn()\n" +
		"        if isinstance(result,int):\n" +
		"            raise SystemExit(result)\n" +
		"        return\n" +
		"    for candidate in importlib.metadata.entry_points(group='console_scripts'):\n" +
		"        if candidate.name == spec:\n" +
		"            _call_entrypoint(candidate.value)\n" +
		"            return\n" +
		"    raise RuntimeError('console entrypoint not found: '+spec)\n" +
		"\n" +
		"def _auto_console_entrypoint(package):\n" +
		"    package_norm=_normalize_name(package)\n" +
		"    candidates=[]\n" +
		"    for item in importlib.metadata.entry_points(group='console_scripts'):\n" +
		"        if _normalize_name(item.name) == package_norm:\n" +
		"            return item.value\n" +
		"        if _normalize_name(item.name).startswith(package_norm):\n" +
		"            candidates.append(item.value)\n" +
		"    if candidates:\n" +
		"        return candidates[0]\n" +
		"    return None\n" +
		"\n" +
		"def _run_module_default(package, requested_module):\n" +
		"    if requested_module:\n" +
		"        runpy.run_module(requested_module,run_name='__main__',alter_sys=True)\n" +
		"        return\n" +
		"    base=package.replace('-','_')\n" +
		"    runpy.run_module(base,run_name='__main__',alter_sys=True)\n" +
		"\n" +
		"if mode == 'execute':\n" +
		"    if file_path:\n" +
		"        runpy.run_path(file_path,run_name='__main__')\n" +
		"    elif entrypoint:\n" +
		"        _call_entrypoint(entrypoint)\n" +
		"    else:\n" +
		"        auto_spec=_auto_console_entrypoint(package_name)\n" +
		"        if auto_spec is None:\n" +
		"            raise RuntimeError('no console script entrypoint found for package')\n" +
		"        _call_entrypoint(auto_spec)\n" +
		"elif mode == 'execute_module':\n" +
		"    if file_path:\n" +
		"        runpy.run_path(file_path,run_name='__main__')\n" +
		"    elif entrypoint:\n" +
		"        _call_entrypoint(entrypoint)\n" +
		"    else:\n" +
		"        _run_module_default(package_name,module_name)\n" +
		"else:\n" +
		"    __import__(package_name)\n")
	return b.String()
}
