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

// Package service implements admission control: denylist, then rate
// limit, then queue submission. The run ID is minted only after both
// policy gates pass.
package service

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/metrics"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/policy"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

// SubmitStatus is the admission outcome for one triage request.
type SubmitStatus string

const (
	StatusAccepted      SubmitStatus = "accepted"
	StatusRateLimited   SubmitStatus = "rate_limited"
	StatusOverloaded    SubmitStatus = "overloaded"
	StatusDeniedPackage SubmitStatus = "denied_package"
)

// SubmitResult carries the admission outcome. RunID is set only for
// StatusAccepted.
type SubmitResult struct {
	Status SubmitStatus
	RunID  string
}

// RateLimiter gates submissions per client key.
type RateLimiter interface {
	Allow(key string) bool
}

// QueueGate offers a job to the worker pool without blocking.
type QueueGate interface {
	Submit(job triage.RunJob) bool
	Snapshot() triage.QueueSnapshot
}

// SubmissionRequest is the validated request handed to Submit.
type SubmissionRequest struct {
	PackageName string
	Version     string
	Mode        triage.RunMode
	FilePath    string
	Entrypoint  string
	ModuleName  string
	ClientIP    string
}

// SubmissionService performs the synchronous admission sequence.
type SubmissionService struct {
	rateLimiter RateLimiter
	queueGate   QueueGate
	denylist    []string
	logger      *slog.Logger
}

// New constructs a SubmissionService.
func New(rateLimiter RateLimiter, queueGate QueueGate, denylist []string, logger *slog.Logger) *SubmissionService {
	return &SubmissionService{
		rateLimiter: rateLimiter,
		queueGate:   queueGate,
		denylist:    denylist,
		logger:      logger,
	}
}

// Submit applies the admission sequence in order, short-circuiting on
// the first failure: denylist, rate limit, queue capacity.
func (s *SubmissionService) Submit(req SubmissionRequest) SubmitResult {
	if policy.IsDeniedPackage(req.PackageName, s.denylist) {
		metrics.IncSubmission(string(StatusDeniedPackage))
		return SubmitResult{Status: StatusDeniedPackage}
	}

	if !s.rateLimiter.Allow(req.ClientIP) {
		metrics.IncSubmission(string(StatusRateLimited))
		return SubmitResult{Status: StatusRateLimited}
	}

	mode := req.Mode
	if mode == "" {
		mode = triage.ModeInstall
	}

	runID := NewRunID()
	accepted := s.queueGate.Submit(triage.RunJob{
		RunID:       runID,
		PackageName: req.PackageName,
		Version:     req.Version,
		Mode:        mode,
		FilePath:    req.FilePath,
		Entrypoint:  req.Entrypoint,
		ModuleName:  req.ModuleName,
	})
	if !accepted {
		if s.logger != nil {
			s.logger.Warn("queue full; rejected run", "client_ip", req.ClientIP)
		}
		metrics.IncSubmission(string(StatusOverloaded))
		return SubmitResult{Status: StatusOverloaded}
	}

	snap := s.queueGate.Snapshot()
	metrics.SetQueueDepth(snap.Queued)
	metrics.IncSubmission(string(StatusAccepted))
	return SubmitResult{Status: StatusAccepted, RunID: runID}
}

// NewRunID mints an opaque 128-bit run identifier as 32 hex characters.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
