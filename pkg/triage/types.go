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

// Package triage defines the shared domain types exchanged between the
// submission service, the worker pool, the orchestrator, and the webhook
// dispatcher.
package triage

import "context"

// RunMode selects what the sandbox does with the package after install.
type RunMode string

const (
	// ModeInstall installs the package and stops; the sandbox executor is
	// never invoked for this mode.
	ModeInstall RunMode = "install"

	// ModeExecute runs a file path, a named console entrypoint, or an
	// auto-discovered console script matching the package name.
	ModeExecute RunMode = "execute"

	// ModeExecuteModule runs a file path, a named entrypoint, a named
	// module, or the package's default module as __main__.
	ModeExecuteModule RunMode = "execute_module"
)

// Valid reports whether m is one of the three supported run modes.
func (m RunMode) Valid() bool {
	switch m {
	case ModeInstall, ModeExecute, ModeExecuteModule:
		return true
	}
	return false
}

// RunJob is the immutable unit of work produced by the submission service
// and consumed by exactly one worker.
type RunJob struct {
	RunID       string
	PackageName string
	Version     string
	Mode        RunMode

	// Optional run targets for the execute modes.
	FilePath   string
	Entrypoint string
	ModuleName string
}

// InstallResult is the outcome reported by the installer.
type InstallResult struct {
	OK     bool
	Stdout string
	Stderr string

	// AuditJSONLPath points at the install-stage audit stream, or is empty
	// when the installer could not produce one.
	AuditJSONLPath string
}

// SandboxResult is the outcome reported by the sandbox executor.
type SandboxResult struct {
	OK       bool
	Stdout   string
	Stderr   string
	TimedOut bool

	AuditJSONLPath string
}

// ExecutionSummary is the terminal record of one orchestrated run,
// surfaced for logging and tests.
type ExecutionSummary struct {
	RunID   string
	OK      bool
	Message string

	// AttachmentPath names the gzipped audit telemetry dispatched with
	// the run, empty when no audit stream existed. The file itself is
	// deleted after dispatch.
	AttachmentPath string
}

// AuditHighlights carries the semantically extracted, insertion-ordered,
// deduplicated views over one or more audit streams. Every entry is
// prefixed with its stage ("install: " or "sandbox: ").
type AuditHighlights struct {
	FilesWritten       []string
	FilesRead          []string
	NetworkConnections []string
	Subprocesses       []string
	TopEvents          []string
}

// Empty reports whether no highlight set captured anything.
func (h AuditHighlights) Empty() bool {
	return len(h.FilesWritten) == 0 &&
		len(h.FilesRead) == 0 &&
		len(h.NetworkConnections) == 0 &&
		len(h.Subprocesses) == 0 &&
		len(h.TopEvents) == 0
}

// WebhookSummary is the dispatch record sent to the chat webhook.
type WebhookSummary struct {
	RunID       string
	PackageName string
	Version     string
	Mode        RunMode

	OK       bool
	Summary  string
	TimedOut bool

	StdoutBytes int
	StderrBytes int

	FilePath   string
	Entrypoint string
	ModuleName string

	FilesWritten       []string
	NetworkConnections []string
}

// QueueSnapshot describes worker pool occupancy. Observability only.
type QueueSnapshot struct {
	Queued     int
	QueueLimit int
	Workers    int
}

// Installer installs a package at a version into a run-scoped site
// directory and reports the install-stage audit stream.
type Installer interface {
	Install(ctx context.Context, packageName, version string) (InstallResult, error)
}

// SandboxExecutor executes the already-installed package under the job's
// run mode and reports the sandbox-stage audit stream.
type SandboxExecutor interface {
	Run(ctx context.Context, job RunJob) (SandboxResult, error)
}

// WebhookClient delivers a summary plus attachment files. Delivery is best
// effort; implementations log failures rather than propagate them.
type WebhookClient interface {
	SendSummary(ctx context.Context, summary WebhookSummary, attachmentPaths []string) error
}
