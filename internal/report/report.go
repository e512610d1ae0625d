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

// Package report renders the single-file HTML audit report attached to
// webhook dispatches.
package report

import (
	_ "embed"
	"fmt"
	"html"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

const (
	// ListMaxItems caps how many rows one card renders.
	ListMaxItems = 400

	// ListPreviewItems rows are visible up front; the rest hide behind
	// the toggle.
	ListPreviewItems = 16
)

//go:embed audit_report.html
var reportHTML string

var reportTemplate = template.Must(template.New("audit_report").Parse(reportHTML))

// Input carries everything the report needs about one finished run.
type Input struct {
	Job        triage.RunJob
	OK         bool
	Message    string
	Highlights triage.AuditHighlights
}

// Path returns where the report for a run is written.
func Path(runID string) string {
	return filepath.Join("/tmp", fmt.Sprintf("audit-report-%s.html", runID))
}

// Write renders the report to Path(run_id) and returns that path. When
// the highlights captured nothing there is no report to render and the
// returned path is empty.
func Write(in Input) (string, error) {
	if in.Highlights.Empty() {
		return "", nil
	}
	outputPath := Path(in.Job.RunID)
	payload, err := render(in)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(outputPath, []byte(payload), 0o600); err != nil {
		return "", fmt.Errorf("report: write %s: %w", outputPath, err)
	}
	return outputPath, nil
}

func render(in Input) (string, error) {
	subtitle := fmt.Sprintf("%s==%s | mode=%s | run_id=%s",
		in.Job.PackageName, in.Job.Version, in.Job.Mode, in.Job.RunID)
	cards := strings.Join([]string{
		renderCard("Files Written", in.Highlights.FilesWritten),
		renderCard("Files Opened/Read", in.Highlights.FilesRead),
		renderCard("Network Activity", in.Highlights.NetworkConnections),
		renderCard("Subprocess Activity", in.Highlights.Subprocesses),
		renderCard("Top Audit Events", in.Highlights.TopEvents),
	}, "")

	var b strings.Builder
	err := reportTemplate.Execute(&b, struct {
		Subtitle       string
		StatusBadge    template.HTML
		SummaryMessage string
		Cards          template.HTML
	}{
		Subtitle:       subtitle,
		StatusBadge:    template.HTML(renderStatusBadge(in.OK, in.Message)),
		SummaryMessage: in.Message,
		Cards:          template.HTML(cards),
	})
	if err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	return b.String(), nil
}

func renderStatusBadge(ok bool, message string) string {
	klass, label := "fail", "failed"
	switch {
	case ok:
		klass, label = "ok", "ok"
	case strings.Contains(strings.ToLower(message), "timed out"):
		klass, label = "timeout", "timed out"
	}
	return fmt.Sprintf("<span class='status %s'>%s</span>", klass, html.EscapeString(label))
}

func renderCard(title string, items []string) string {
	if len(items) == 0 {
		return "<article class='card'>" +
			"<h2>" + html.EscapeString(title) + "</h2>" +
			"<div class='empty'>No events captured.</div>" +
			"</article>"
	}
	capped := items
	if len(capped) > ListMaxItems {
		capped = capped[:ListMaxItems]
	}
	var rows strings.Builder
	for idx, item := range capped {
		hidden := ""
		if idx >= ListPreviewItems {
			hidden = " row--hidden"
		}
		fmt.Fprintf(&rows, "<li class='row%s'>%s</li>", hidden, html.EscapeString(item))
	}
	if omitted := len(items) - ListMaxItems; omitted > 0 {
		fmt.Fprintf(&rows, "<li class='row row--meta'>... +%d more omitted due to report cap</li>", omitted)
	}
	toggle := ""
	if hiddenCount := len(capped) - ListPreviewItems; hiddenCount > 0 {
		toggle = fmt.Sprintf(
			"<button class='toggle' type='button' data-toggle='rows' "+
				"data-more='Show %d more' data-less='Show less'>Show %d more</button>",
			hiddenCount, hiddenCount)
	}
	return "<article class='card'>" +
		"<h2>" + html.EscapeString(title) + "</h2>" +
		"<div class='list-wrap'><ul class='list'>" + rows.String() + "</ul></div>" +
		toggle +
		"</article>"
}
