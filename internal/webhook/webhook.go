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

// Package webhook dispatches run summaries to a Discord-compatible
// webhook as a multipart upload: one payload_json embed plus the audit
// attachments. Dispatch is best effort.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/metrics"
	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

const (
	// MaxFieldChars caps each embed field value.
	MaxFieldChars = 1000

	// MaxListItems caps list fields such as files written.
	MaxListItems = 10

	defaultTimeout = 5 * time.Second
)

// Embed bar colors by outcome.
const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorAmber = 0xf39c12
)

// DiscordClient posts summaries to one webhook URL.
type DiscordClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDiscordClient constructs a client. A zero timeout falls back to
// five seconds.
func NewDiscordClient(url string, timeout time.Duration, logger *slog.Logger) *DiscordClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DiscordClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SendSummary uploads the summary embed plus every attachment that
// exists on disk. HTTP failures are logged and counted, never fatal to
// the triage run; the returned error exists for tests and callers that
// want to log it themselves.
func (c *DiscordClient) SendSummary(ctx context.Context, summary triage.WebhookSummary, attachmentPaths []string) error {
	body, contentType, err := buildMultipartBody(summary, attachmentPaths)
	if err != nil {
		c.fail(summary.RunID, err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		c.fail(summary.RunID, err)
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.fail(summary.RunID, err)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
		c.fail(summary.RunID, err)
		return err
	}
	if c.logger != nil {
		c.logger.Info("webhook summary dispatched", "run_id", summary.RunID, "attachments", len(attachmentPaths))
	}
	return nil
}

func (c *DiscordClient) fail(runID string, err error) {
	metrics.IncWebhookFailure()
	if c.logger != nil {
		c.logger.Warn("webhook dispatch failed", "run_id", runID, "error", err)
	}
}

func buildMultipartBody(summary triage.WebhookSummary, attachmentPaths []string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	payload, err := json.Marshal(buildPayload(summary))
	if err != nil {
		return nil, "", fmt.Errorf("webhook: marshal payload: %w", err)
	}
	if err := writer.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", fmt.Errorf("webhook: payload field: %w", err)
	}

	idx := 0
	for _, path := range attachmentPaths {
		if path == "" {
			continue
		}
		if err := appendAttachment(writer, idx, path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", err
		}
		idx++
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("webhook: finalize body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// appendAttachment streams one file into a files[<i>] part. The handle
// is closed before return on every path.
func appendAttachment(writer *multipart.Writer, idx int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(
		`form-data; name="files[%d]"; filename="%s"`, idx, filepath.Base(path)))
	header.Set("Content-Type", attachmentContentType(path))
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("webhook: attachment part %s: %w", path, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("webhook: attachment copy %s: %w", path, err)
	}
	return nil
}

func attachmentContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return "application/gzip"
	case ".html":
		return "text/html"
	}
	return "application/octet-stream"
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

func buildPayload(summary triage.WebhookSummary) webhookPayload {
	status := "ok"
	color := colorGreen
	if !summary.OK {
		status = "failed"
		color = colorRed
	}
	if summary.TimedOut {
		color = colorAmber
	}

	fields := []embedField{
		{Name: "run_id", Value: capField(summary.RunID), Inline: true},
		{Name: "status", Value: status, Inline: true},
		{Name: "mode", Value: capField(string(summary.Mode)), Inline: true},
		{Name: "package", Value: capField(summary.PackageName), Inline: true},
		{Name: "version", Value: capField(summary.Version), Inline: true},
		{Name: "timed_out", Value: strconv.FormatBool(summary.TimedOut), Inline: true},
		{Name: "output", Value: fmt.Sprintf("stdout=%dB stderr=%dB", summary.StdoutBytes, summary.StderrBytes), Inline: true},
	}
	if target := runTarget(summary); target != "" {
		fields = append(fields, embedField{Name: "target", Value: capField(target)})
	}
	if len(summary.FilesWritten) > 0 {
		fields = append(fields, embedField{Name: "files written", Value: capList(summary.FilesWritten)})
	}
	if len(summary.NetworkConnections) > 0 {
		fields = append(fields, embedField{Name: "network connections", Value: capList(summary.NetworkConnections)})
	}

	return webhookPayload{Embeds: []embed{{
		Title:       "Snakehook Triage Result",
		Description: capField(summary.Summary),
		Color:       color,
		Fields:      fields,
	}}}
}

func runTarget(summary triage.WebhookSummary) string {
	var parts []string
	if summary.FilePath != "" {
		parts = append(parts, "file="+summary.FilePath)
	}
	if summary.Entrypoint != "" {
		parts = append(parts, "entrypoint="+summary.Entrypoint)
	}
	if summary.ModuleName != "" {
		parts = append(parts, "module="+summary.ModuleName)
	}
	return strings.Join(parts, " ")
}

func capList(items []string) string {
	if len(items) > MaxListItems {
		omitted := len(items) - MaxListItems
		items = append(items[:MaxListItems:MaxListItems], fmt.Sprintf("... +%d more", omitted))
	}
	return capField(strings.Join(items, "\n"))
}

func capField(value string) string {
	if len(value) <= MaxFieldChars {
		return value
	}
	return value[:MaxFieldChars-3] + "..."
}
