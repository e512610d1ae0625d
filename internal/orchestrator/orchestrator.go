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

// Package orchestrator drives one triage run end to end: install,
// optional sandbox execution, audit ingestion, report rendering,
// webhook dispatch, and unconditional temp cleanup.
package orchestrator

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/audit"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/metrics"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/report"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

const (
	installErrorMaxChars = 350
	installErrorMaxLines = 6
)

// RunRecorder persists run history. Optional; a nil recorder disables
// persistence.
type RunRecorder interface {
	RecordStart(ctx context.Context, job triage.RunJob) error
	RecordResult(ctx context.Context, runID string, ok bool, message string) error
}

// Orchestrator owns the per-run pipeline.
type Orchestrator struct {
	installer triage.Installer
	executor  triage.SandboxExecutor
	webhook   triage.WebhookClient
	recorder  RunRecorder
	logger    *slog.Logger
}

// New constructs an Orchestrator. recorder may be nil.
func New(
	installer triage.Installer,
	executor triage.SandboxExecutor,
	webhook triage.WebhookClient,
	recorder RunRecorder,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		installer: installer,
		executor:  executor,
		webhook:   webhook,
		recorder:  recorder,
		logger:    logger,
	}
}

// Execute runs the whole pipeline for one job and returns its terminal
// summary. All failure modes end in a dispatched summary; nothing
// propagates to the worker.
func (o *Orchestrator) Execute(ctx context.Context, job triage.RunJob) triage.ExecutionSummary {
	o.logInfo("triage start",
		"run_id", job.RunID,
		"package", job.PackageName,
		"version", job.Version,
		"mode", job.Mode)
	o.recordStart(ctx, job)

	installStart := time.Now()
	install, err := o.installer.Install(ctx, job.PackageName, job.Version)
	metrics.ObservePhase(metrics.PhasePipInstall, time.Since(installStart))
	if err != nil {
		// Spawn-level failure; fold into the install result so the
		// normal failure path applies.
		install = triage.InstallResult{OK: false, Stderr: err.Error()}
	}
	installAuditPath := o.existingPath(install.AuditJSONLPath)

	if !install.OK {
		summary := triage.ExecutionSummary{
			RunID:   job.RunID,
			OK:      false,
			Message: "pip install failed: " + summarizeInstallFailure(install),
		}
		o.logWarn("triage install failed", "run_id", job.RunID)
		summary.AttachmentPath = o.finishRun(ctx, job, summary, finishInputs{
			installAuditPath: installAuditPath,
			timedOut:         false,
			stdoutBytes:      len(install.Stdout),
			stderrBytes:      len(install.Stderr),
		})
		return summary
	}

	if job.Mode == triage.ModeInstall {
		summary := triage.ExecutionSummary{
			RunID:   job.RunID,
			OK:      true,
			Message: "install ok",
		}
		o.logInfo("triage install-only run complete", "run_id", job.RunID)
		summary.AttachmentPath = o.finishRun(ctx, job, summary, finishInputs{
			installAuditPath: installAuditPath,
			timedOut:         false,
			stdoutBytes:      len(install.Stdout),
			stderrBytes:      len(install.Stderr),
		})
		return summary
	}

	o.logInfo("triage sandbox execution starting", "run_id", job.RunID)
	sandboxStart := time.Now()
	sandboxResult, err := o.executor.Run(ctx, job)
	metrics.ObservePhase(metrics.PhaseSandboxRun, time.Since(sandboxStart))
	if err != nil {
		sandboxResult = triage.SandboxResult{OK: false, Stderr: err.Error()}
	}
	sandboxAuditPath := o.existingPath(sandboxResult.AuditJSONLPath)

	outcome := "ok"
	if !sandboxResult.OK {
		outcome = "failed"
	}
	timeoutNote := ""
	if sandboxResult.TimedOut {
		timeoutNote = " (timed out)"
	}
	summary := triage.ExecutionSummary{
		RunID: job.RunID,
		OK:    sandboxResult.OK,
		Message: fmt.Sprintf("run %s%s; stdout=%dB stderr=%dB",
			outcome, timeoutNote, len(sandboxResult.Stdout), len(sandboxResult.Stderr)),
	}
	summary.AttachmentPath = o.finishRun(ctx, job, summary, finishInputs{
		installAuditPath: installAuditPath,
		sandboxAuditPath: sandboxAuditPath,
		timedOut:         sandboxResult.TimedOut,
		stdoutBytes:      len(sandboxResult.Stdout),
		stderrBytes:      len(sandboxResult.Stderr),
	})
	o.logInfo("triage complete", "run_id", job.RunID, "ok", summary.OK)
	return summary
}

type finishInputs struct {
	installAuditPath string
	sandboxAuditPath string
	timedOut         bool
	stdoutBytes      int
	stderrBytes      int
}

// finishRun handles the shared tail of every run: collect highlights,
// merge and compress audit telemetry, render the report, dispatch, and
// unconditionally delete every attachment. It returns the telemetry
// attachment path ("" when no audit stream existed); the file itself
// is gone by the time finishRun returns.
func (o *Orchestrator) finishRun(ctx context.Context, job triage.RunJob, summary triage.ExecutionSummary, in finishInputs) string {
	collectStart := time.Now()
	var stageSources []audit.StageSource
	if in.installAuditPath != "" {
		stageSources = append(stageSources, audit.StageSource{Stage: "install", Path: in.installAuditPath})
	}
	if in.sandboxAuditPath != "" {
		stageSources = append(stageSources, audit.StageSource{Stage: "sandbox", Path: in.sandboxAuditPath})
	}
	highlights := audit.CollectHighlights(o.logger, stageSources...)

	telemetryPath := o.compressAuditSources(job.RunID, in.installAuditPath, in.sandboxAuditPath)
	htmlPath := o.writeReport(job, summary, highlights)
	metrics.ObservePhase(metrics.PhaseAuditCollect, time.Since(collectStart))

	var attachments []string
	if telemetryPath != "" {
		attachments = append(attachments, telemetryPath)
	}
	if htmlPath != "" {
		attachments = append(attachments, htmlPath)
	}

	defer o.cleanupAttachments(job.RunID, attachments)

	sendStart := time.Now()
	err := o.webhook.SendSummary(ctx, triage.WebhookSummary{
		RunID:              job.RunID,
		PackageName:        job.PackageName,
		Version:            job.Version,
		Mode:               job.Mode,
		OK:                 summary.OK,
		Summary:            summary.Message,
		TimedOut:           in.timedOut,
		StdoutBytes:        in.stdoutBytes,
		StderrBytes:        in.stderrBytes,
		FilePath:           job.FilePath,
		Entrypoint:         job.Entrypoint,
		ModuleName:         job.ModuleName,
		FilesWritten:       highlights.FilesWritten,
		NetworkConnections: highlights.NetworkConnections,
	}, attachments)
	metrics.ObservePhase(metrics.PhaseWebhookSend, time.Since(sendStart))
	if err != nil {
		o.logWarn("triage webhook dispatch failed", "run_id", job.RunID, "error", err)
	}

	status := "ok"
	if !summary.OK {
		status = "failed"
	}
	if in.timedOut {
		status = "timed_out"
	}
	metrics.IncRun(string(job.Mode), status)
	o.recordResult(ctx, job.RunID, summary.OK, summary.Message)
	return telemetryPath
}

// MergedAuditPath is where install and sandbox streams are merged
// before compression. Distinct from the sandbox audit path so the merge
// never truncates one of its own sources.
func MergedAuditPath(runID string) string {
	return fmt.Sprintf("/tmp/audit-%s.merged.jsonl", runID)
}

// compressAuditSources merges whatever audit streams exist, gzips the
// result, and deletes the raw sources. Returns the attachment path or
// empty when there was no telemetry.
func (o *Orchestrator) compressAuditSources(runID, installPath, sandboxPath string) string {
	switch {
	case installPath != "" && sandboxPath != "":
		mergedPath := MergedAuditPath(runID)
		if err := mergeAuditLogs(mergedPath,
			audit.StageSource{Stage: "install", Path: installPath},
			audit.StageSource{Stage: "sandbox", Path: sandboxPath},
		); err != nil {
			o.logWarn("triage audit merge failed", "run_id", runID, "error", err)
			return ""
		}
		attachment, err := gzipFile(mergedPath)
		if err != nil {
			o.logWarn("triage audit compression failed", "run_id", runID, "error", err)
			os.Remove(mergedPath)
			return ""
		}
		os.Remove(installPath)
		os.Remove(sandboxPath)
		o.logInfo("triage combined and compressed install+sandbox audit", "run_id", runID)
		return attachment
	case installPath != "":
		attachment, err := gzipFile(installPath)
		if err != nil {
			o.logWarn("triage audit compression failed", "run_id", runID, "error", err)
			return ""
		}
		o.logInfo("triage compressed install audit", "run_id", runID, "path", attachment)
		return attachment
	case sandboxPath != "":
		attachment, err := gzipFile(sandboxPath)
		if err != nil {
			o.logWarn("triage audit compression failed", "run_id", runID, "error", err)
			return ""
		}
		o.logInfo("triage compressed sandbox audit", "run_id", runID, "path", attachment)
		return attachment
	}
	return ""
}

// mergeAuditLogs writes every source line prefixed with its stage
// marker into outputPath.
func mergeAuditLogs(outputPath string, sources ...audit.StageSource) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("orchestrator: create merged audit: %w", err)
	}
	defer out.Close()
	for _, src := range sources {
		if err := appendStagePrefixed(out, src); err != nil {
			return err
		}
	}
	return nil
}

func appendStagePrefixed(out io.Writer, src audit.StageSource) error {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return fmt.Errorf("orchestrator: read audit source %s: %w", src.Path, err)
	}
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if _, err := io.WriteString(out, src.Stage+":"+line); err != nil {
			return fmt.Errorf("orchestrator: write merged audit: %w", err)
		}
	}
	return nil
}

// gzipFile compresses path to path.gz and deletes the source.
func gzipFile(path string) (string, error) {
	source, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer source.Close()

	destPath := path + ".gz"
	dest, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	zw := gzip.NewWriter(dest)
	if _, err := io.Copy(zw, source); err != nil {
		zw.Close()
		dest.Close()
		os.Remove(destPath)
		return "", err
	}
	if err := zw.Close(); err != nil {
		dest.Close()
		os.Remove(destPath)
		return "", err
	}
	if err := dest.Close(); err != nil {
		os.Remove(destPath)
		return "", err
	}
	os.Remove(path)
	return destPath, nil
}

func (o *Orchestrator) writeReport(job triage.RunJob, summary triage.ExecutionSummary, highlights triage.AuditHighlights) string {
	path, err := report.Write(report.Input{
		Job:        job,
		OK:         summary.OK,
		Message:    summary.Message,
		Highlights: highlights,
	})
	if err != nil {
		o.logWarn("triage report rendering failed", "run_id", job.RunID, "error", err)
		return ""
	}
	return path
}

func (o *Orchestrator) cleanupAttachments(runID string, attachments []string) {
	for _, path := range attachments {
		os.Remove(path)
	}
	if len(attachments) > 0 {
		o.logInfo("triage removed temporary telemetry attachments",
			"run_id", runID, "count", len(attachments))
	}
}

// existingPath returns path only when the file is present; a reported
// but missing audit stream is treated as absent telemetry.
func (o *Orchestrator) existingPath(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		o.logWarn("triage audit telemetry not found", "path", path)
		return ""
	}
	return path
}

func summarizeInstallFailure(install triage.InstallResult) string {
	raw := strings.TrimSpace(install.Stderr)
	if raw == "" {
		raw = strings.TrimSpace(install.Stdout)
	}
	if raw == "" {
		return "no process output captured"
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) == 0 {
		return "no process output captured"
	}
	if len(lines) > installErrorMaxLines {
		lines = lines[len(lines)-installErrorMaxLines:]
	}
	summary := truncateMiddle(strings.Join(lines, " | "), installErrorMaxChars)

	switch {
	case looksLikeNsjailClonePermissionError(raw):
		return summary + " | hint: nsjail namespace clone blocked by container runtime; " +
			"allow nsjail-required isolation capabilities and seccomp profile"
	case looksLikeNsjailCgroupNamespaceError(raw):
		return summary + " | hint: nsjail cgroup namespace init failed; " +
			"disable clone_newcgroup in nsjail config or run with cgroup namespace support"
	case looksLikeNsjailExecveFailure(raw):
		return summary + " | hint: nsjail could not exec the requested binary; " +
			"ensure nsjail exposes runtime filesystem paths (e.g. chroot/mounts include " +
			"/usr, /bin, /lib, /lib64) and use an absolute executable path"
	}
	return summary
}

func looksLikeNsjailClonePermissionError(output string) bool {
	lowered := strings.ToLower(output)
	return strings.Contains(output, "clone(") &&
		strings.Contains(lowered, "operation not permitted") &&
		strings.Contains(lowered, "couldn't launch the child process")
}

func looksLikeNsjailCgroupNamespaceError(output string) bool {
	lowered := strings.ToLower(output)
	return strings.Contains(lowered, "couldn't initialize cgroup user namespace") &&
		strings.Contains(lowered, "launching child process failed")
}

func looksLikeNsjailExecveFailure(output string) bool {
	lowered := strings.ToLower(output)
	return strings.Contains(lowered, "execve(") &&
		strings.Contains(lowered, "no such file or directory") &&
		strings.Contains(lowered, "couldn't launch the child process")
}

func truncateMiddle(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 5 {
		return text[:maxChars]
	}
	head := (maxChars - 5) / 2
	tail := maxChars - 5 - head
	return text[:head] + " ... " + text[len(text)-tail:]
}

func (o *Orchestrator) recordStart(ctx context.Context, job triage.RunJob) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordStart(ctx, job); err != nil {
		o.logWarn("triage run history write failed", "run_id", job.RunID, "error", err)
	}
}

func (o *Orchestrator) recordResult(ctx context.Context, runID string, ok bool, message string) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordResult(ctx, runID, ok, message); err != nil {
		o.logWarn("triage run history write failed", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}

func (o *Orchestrator) logWarn(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}

// WorkerHandler adapts the orchestrator to the worker pool contract.
// Errors never escape; a failed run is its own terminal state.
func (o *Orchestrator) WorkerHandler() func(ctx context.Context, job triage.RunJob) {
	return func(ctx context.Context, job triage.RunJob) {
		o.Execute(ctx, job)
	}
}
