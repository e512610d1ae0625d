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

package report

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

func sampleJob() triage.RunJob {
	return triage.RunJob{
		RunID:       "abc123",
		PackageName: "requests",
		Version:     "2.31.0",
		Mode:        triage.ModeExecute,
	}
}

func TestWriteSkipsEmptyHighlights(t *testing.T) {
	path, err := Write(Input{Job: sampleJob(), OK: true, Message: "install ok"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != "" {
		t.Fatalf("empty highlights must produce no report, got %q", path)
	}
}

func TestRenderIncludesCardsAndBadge(t *testing.T) {
	out, err := render(Input{
		Job:     sampleJob(),
		OK:      true,
		Message: "run ok; stdout=10B stderr=0B",
		Highlights: triage.AuditHighlights{
			FilesWritten:       []string{"sandbox: /tmp/x"},
			NetworkConnections: []string{"sandbox: connect evil.example:443"},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"requests==2.31.0 | mode=execute | run_id=abc123",
		"<span class='status ok'>ok</span>",
		"Files Written",
		"sandbox: /tmp/x",
		"connect evil.example:443",
		"No events captured.", // empty cards still render
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestRenderStatusBadge(t *testing.T) {
	if got := renderStatusBadge(true, "run ok"); !strings.Contains(got, "status ok") {
		t.Errorf("ok badge = %q", got)
	}
	if got := renderStatusBadge(false, "run failed"); !strings.Contains(got, "status fail") {
		t.Errorf("fail badge = %q", got)
	}
	got := renderStatusBadge(false, "run failed (timed out); stdout=0B stderr=0B")
	if !strings.Contains(got, "status timeout") || !strings.Contains(got, "timed out") {
		t.Errorf("timeout badge = %q", got)
	}
}

func TestRenderCardEscapesItems(t *testing.T) {
	out := renderCard("Files Written", []string{"sandbox: <script>alert(1)</script>"})
	if strings.Contains(out, "<script>") {
		t.Fatal("card items must be HTML-escaped")
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Fatal("escaped form missing")
	}
}

func TestRenderCardPreviewAndToggle(t *testing.T) {
	items := make([]string, 30)
	for i := range items {
		items[i] = fmt.Sprintf("item-%02d", i)
	}
	out := renderCard("Network Activity", items)
	if got := strings.Count(out, "row--hidden"); got != 30-ListPreviewItems {
		t.Errorf("hidden rows = %d, want %d", got, 30-ListPreviewItems)
	}
	if !strings.Contains(out, "Show 14 more") {
		t.Error("toggle label missing")
	}
}

func TestRenderCardCapsList(t *testing.T) {
	items := make([]string, ListMaxItems+25)
	for i := range items {
		items[i] = fmt.Sprintf("row-%03d", i)
	}
	out := renderCard("Top Audit Events", items)
	if !strings.Contains(out, "+25 more omitted due to report cap") {
		t.Error("overflow note missing")
	}
	if strings.Contains(out, fmt.Sprintf("row-%03d", ListMaxItems)) {
		t.Error("rows beyond the cap must not render")
	}
}

func TestWriteProducesFile(t *testing.T) {
	job := sampleJob()
	job.RunID = "reporttest" + strings.Repeat("0", 6)
	path, err := Write(Input{
		Job:        job,
		OK:         false,
		Message:    "pip install failed: boom",
		Highlights: triage.AuditHighlights{TopEvents: []string{"open: 3"}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != Path(job.RunID) {
		t.Fatalf("path = %q, want %q", path, Path(job.RunID))
	}
	t.Cleanup(func() { os.Remove(path) })
}
