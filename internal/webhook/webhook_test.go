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

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/metrics"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

func sampleSummary() triage.WebhookSummary {
	return triage.WebhookSummary{
		RunID:       "abc123",
		PackageName: "requests",
		Version:     "2.31.0",
		Mode:        triage.ModeExecute,
		OK:          true,
		Summary:     "run ok; stdout=10B stderr=0B",
		StdoutBytes: 10,
		FilesWritten: []string{
			"sandbox: /tmp/x",
		},
		NetworkConnections: []string{
			"sandbox: connect evil.example:443",
		},
	}
}

type capturedUpload struct {
	payload     webhookPayload
	filenames   []string
	contentType map[string]string
}

func captureServer(t *testing.T, status int, got *capturedUpload) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(16 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if raw := r.FormValue("payload_json"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &got.payload); err != nil {
				t.Errorf("decode payload_json: %v", err)
			}
		}
		got.contentType = map[string]string{}
		for i := 0; ; i++ {
			parts, ok := r.MultipartForm.File[fmt.Sprintf("files[%d]", i)]
			if !ok {
				break
			}
			for _, part := range parts {
				got.filenames = append(got.filenames, part.Filename)
				got.contentType[part.Filename] = part.Header.Get("Content-Type")
			}
		}
		w.WriteHeader(status)
	}))
}

func TestSendSummaryUploadsPayloadAndAttachments(t *testing.T) {
	metrics.Reset()
	dir := t.TempDir()
	gzPath := filepath.Join(dir, "audit-abc123.merged.jsonl.gz")
	htmlPath := filepath.Join(dir, "audit-report-abc123.html")
	if err := os.WriteFile(gzPath, []byte("gzdata"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(htmlPath, []byte("<html></html>"), 0o600); err != nil {
		t.Fatal(err)
	}

	var got capturedUpload
	srv := captureServer(t, http.StatusOK, &got)
	defer srv.Close()

	client := NewDiscordClient(srv.URL, time.Second, nil)
	err := client.SendSummary(context.Background(), sampleSummary(), []string{gzPath, htmlPath})
	if err != nil {
		t.Fatalf("SendSummary: %v", err)
	}

	if len(got.payload.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(got.payload.Embeds))
	}
	e := got.payload.Embeds[0]
	if e.Title != "Snakehook Triage Result" {
		t.Errorf("title = %q", e.Title)
	}
	if e.Color != colorGreen {
		t.Errorf("color = %#x, want green", e.Color)
	}
	fieldValues := map[string]string{}
	for _, f := range e.Fields {
		fieldValues[f.Name] = f.Value
	}
	if fieldValues["run_id"] != "abc123" || fieldValues["status"] != "ok" {
		t.Errorf("identity fields wrong: %v", fieldValues)
	}
	if !strings.Contains(fieldValues["network connections"], "evil.example:443") {
		t.Errorf("network field = %q", fieldValues["network connections"])
	}

	wantFiles := []string{filepath.Base(gzPath), filepath.Base(htmlPath)}
	if len(got.filenames) != 2 || got.filenames[0] != wantFiles[0] || got.filenames[1] != wantFiles[1] {
		t.Fatalf("filenames = %v, want %v", got.filenames, wantFiles)
	}
	if ct := got.contentType[wantFiles[0]]; ct != "application/gzip" {
		t.Errorf("gz content type = %q", ct)
	}
	if ct := got.contentType[wantFiles[1]]; ct != "text/html" {
		t.Errorf("html content type = %q", ct)
	}
}

func TestSendSummarySkipsMissingAttachments(t *testing.T) {
	metrics.Reset()
	var got capturedUpload
	srv := captureServer(t, http.StatusOK, &got)
	defer srv.Close()

	client := NewDiscordClient(srv.URL, time.Second, nil)
	err := client.SendSummary(context.Background(), sampleSummary(), []string{"/nonexistent/audit.gz"})
	if err != nil {
		t.Fatalf("SendSummary: %v", err)
	}
	if len(got.filenames) != 0 {
		t.Fatalf("missing attachment uploaded: %v", got.filenames)
	}
}

func TestSendSummaryHTTPErrorIsReturnedNotFatal(t *testing.T) {
	metrics.Reset()
	var got capturedUpload
	srv := captureServer(t, http.StatusBadRequest, &got)
	defer srv.Close()

	client := NewDiscordClient(srv.URL, time.Second, nil)
	if err := client.SendSummary(context.Background(), sampleSummary(), nil); err == nil {
		t.Fatal("HTTP error status must surface as an error")
	}
}

func TestPayloadColors(t *testing.T) {
	s := sampleSummary()

	s.OK, s.TimedOut = true, false
	if c := buildPayload(s).Embeds[0].Color; c != colorGreen {
		t.Errorf("ok color = %#x", c)
	}
	s.OK, s.TimedOut = false, false
	if c := buildPayload(s).Embeds[0].Color; c != colorRed {
		t.Errorf("fail color = %#x", c)
	}
	s.OK, s.TimedOut = false, true
	if c := buildPayload(s).Embeds[0].Color; c != colorAmber {
		t.Errorf("timeout color = %#x", c)
	}
}

func TestCapListLimitsItems(t *testing.T) {
	items := make([]string, 14)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	got := capList(items)
	if strings.Count(got, "\n") != MaxListItems {
		t.Errorf("list rows = %d, want %d items plus overflow note", strings.Count(got, "\n"), MaxListItems)
	}
	if !strings.Contains(got, "+4 more") {
		t.Errorf("overflow note missing: %q", got)
	}
}

func TestCapFieldLimitsLength(t *testing.T) {
	long := strings.Repeat("z", MaxFieldChars+50)
	got := capField(long)
	if len(got) != MaxFieldChars {
		t.Fatalf("capped length = %d, want %d", len(got), MaxFieldChars)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatal("capped field must end with ellipsis")
	}
}

func TestRunTargetRendering(t *testing.T) {
	s := sampleSummary()
	s.FilePath = "demo.py"
	s.Entrypoint = "pkg:main"
	payload := buildPayload(s)
	var target string
	for _, f := range payload.Embeds[0].Fields {
		if f.Name == "target" {
			target = f.Value
		}
	}
	if target != "file=demo.py entrypoint=pkg:main" {
		t.Fatalf("target = %q", target)
	}
}
