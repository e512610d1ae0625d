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

// Package audit ingests sandbox audit JSONL streams and distills them
// into deduplicated highlight sets: files written, files read, network
// endpoints, subprocess launches, and an event histogram.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

const (
	// HighlightMaxItems caps each highlight set; the oldest entry is
	// evicted when a new one would exceed the cap.
	HighlightMaxItems = 200

	// TopEventLimit bounds the event histogram surfaced in reports.
	TopEventLimit = 25

	subprocessMaxChars = 120
)

var networkEventPrefixes = []string{"socket.", "ssl.", "http.client."}

// Audit hook flag constants for os.open. The producing interpreter runs
// on Linux, so these are the Linux open(2) flag values.
const (
	linuxOWronly = 0x1
	linuxORdwr   = 0x2
	linuxOCreat  = 0x40
	linuxOTrunc  = 0x200
	linuxOAppend = 0x400

	writeFlagMask = linuxOWronly | linuxORdwr | linuxOCreat | linuxOTrunc | linuxOAppend
)

// StageSource names one audit stream and the stage that produced it.
// An empty Path is skipped.
type StageSource struct {
	Stage string
	Path  string
}

// CollectHighlights reads the given audit streams in order and returns
// their combined highlights. Unreadable files and unparsable lines are
// skipped; ingestion is best effort by design.
func CollectHighlights(logger *slog.Logger, sources ...StageSource) triage.AuditHighlights {
	filesWritten := newOrderedSet(HighlightMaxItems)
	filesRead := newOrderedSet(HighlightMaxItems)
	network := newOrderedSet(HighlightMaxItems)
	subprocesses := newOrderedSet(HighlightMaxItems)
	eventCounts := map[string]int{}

	for _, src := range sources {
		if src.Path == "" {
			continue
		}
		f, err := os.Open(src.Path)
		if err != nil {
			if logger != nil {
				logger.Warn("audit stream unreadable", "path", src.Path, "error", err)
			}
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 6*1024*1024)
		for scanner.Scan() {
			rec, ok := parseRecord(scanner.Text())
			if !ok {
				continue
			}
			if rec.Event != "" {
				eventCounts[rec.Event]++
			}
			if path := extractWrittenFile(rec.Event, rec.Args); path != "" {
				filesWritten.Add(src.Stage + ": " + path)
			}
			if path := extractReadFile(rec.Event, rec.Args); path != "" {
				filesRead.Add(src.Stage + ": " + path)
			}
			for _, row := range extractNetworkConnections(rec.Event, rec.Args) {
				network.Add(src.Stage + ": " + row)
			}
			if cmd := extractSubprocess(rec.Event, rec.Args); cmd != "" {
				subprocesses.Add(src.Stage + ": " + cmd)
			}
		}
		f.Close()
	}

	return triage.AuditHighlights{
		FilesWritten:       filesWritten.Items(),
		FilesRead:          filesRead.Items(),
		NetworkConnections: network.Items(),
		Subprocesses:       subprocesses.Items(),
		TopEvents:          topEvents(eventCounts),
	}
}

// record is one decoded audit line.
type record struct {
	Event string
	Args  string
}

// parseRecord accepts a bare JSON object or one prefixed with a stage
// marker ("install:" or "sandbox:"). Anything else is skipped.
func parseRecord(rawLine string) (record, bool) {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return record{}, false
	}
	payload := line
	if !strings.HasPrefix(payload, "{") {
		prefix, tail, found := strings.Cut(payload, ":")
		if found && (prefix == "install" || prefix == "sandbox") && strings.HasPrefix(tail, "{") {
			payload = tail
		}
	}
	if !strings.HasPrefix(payload, "{") {
		return record{}, false
	}
	var loaded map[string]any
	if err := json.Unmarshal([]byte(payload), &loaded); err != nil {
		return record{}, false
	}
	return record{
		Event: fieldText(loaded["event"]),
		Args:  fieldText(loaded["args"]),
	}, true
}

func fieldText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func extractWrittenFile(event, argsText string) string {
	parsed, ok := ParseLiteral(argsText)
	if !ok || parsed.Kind != KindTuple {
		return ""
	}
	switch event {
	case "open":
		if len(parsed.Items) == 0 || parsed.Items[0].Kind != KindStr {
			return ""
		}
		mode := "r"
		if len(parsed.Items) > 1 {
			mode = valueText(parsed.Items[1])
		}
		if isWriteMode(mode) {
			return parsed.Items[0].Str
		}
	case "os.open":
		if len(parsed.Items) >= 2 &&
			parsed.Items[0].Kind == KindStr &&
			parsed.Items[1].Kind == KindInt &&
			parsed.Items[1].Int&writeFlagMask != 0 {
			return parsed.Items[0].Str
		}
	}
	return ""
}

func extractReadFile(event, argsText string) string {
	parsed, ok := ParseLiteral(argsText)
	if !ok || parsed.Kind != KindTuple {
		return ""
	}
	switch event {
	case "open":
		if len(parsed.Items) == 0 || parsed.Items[0].Kind != KindStr {
			return ""
		}
		mode := "r"
		if len(parsed.Items) > 1 {
			mode = valueText(parsed.Items[1])
		}
		if !isWriteMode(mode) {
			return parsed.Items[0].Str
		}
	case "os.open":
		if len(parsed.Items) >= 2 &&
			parsed.Items[0].Kind == KindStr &&
			parsed.Items[1].Kind == KindInt &&
			parsed.Items[1].Int&writeFlagMask == 0 {
			return parsed.Items[0].Str
		}
	}
	return ""
}

// valueText renders a parsed value the way Python's str() would for the
// common cases the mode argument can take.
func valueText(v Value) string {
	switch v.Kind {
	case KindStr:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	default:
		return v.Raw
	}
}

func isWriteMode(mode string) bool {
	return strings.ContainsAny(mode, "wax+")
}

func extractNetworkConnections(event, argsText string) []string {
	eventName := strings.TrimSpace(event)
	if eventName == "" {
		return nil
	}
	parsed, parsedOK := ParseLiteral(argsText)

	if eventName == "socket.getaddrinfo" || eventName == "socket.getnameinfo" {
		var rows []string
		for _, host := range extractHostnames(parsed, parsedOK, argsText) {
			rows = append(rows, "dns "+host)
		}
		return dedupeRows(rows)
	}

	if !isNetworkEvent(eventName) {
		return nil
	}
	action := networkActionForEvent(eventName)
	var rows []string
	for _, endpoint := range extractEndpoints(parsed, parsedOK, argsText) {
		rows = append(rows, action+" "+endpoint)
	}
	return dedupeRows(rows)
}

func networkActionForEvent(event string) string {
	lowered := strings.ToLower(event)
	switch {
	case strings.Contains(lowered, "connect"):
		return "connect"
	case strings.Contains(lowered, "sendto"), strings.Contains(lowered, "sendmsg"):
		return "sendto"
	case strings.Contains(lowered, "bind"):
		return "bind"
	case strings.Contains(lowered, "listen"):
		return "listen"
	case strings.Contains(lowered, "ssl"), strings.Contains(lowered, "tls"):
		return "tls"
	}
	return "network"
}

func isNetworkEvent(event string) bool {
	for _, prefix := range networkEventPrefixes {
		if strings.HasPrefix(event, prefix) {
			return true
		}
	}
	lowered := strings.ToLower(event)
	if strings.Contains(lowered, "socket") {
		return true
	}
	for _, token := range []string{"connect", "sendto", "sendmsg", "bind", "listen", "urlopen"} {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func extractEndpoints(parsed Value, parsedOK bool, argsText string) []string {
	var endpoints []string
	if parsedOK {
		endpoints = append(endpoints, findEndpointsInValue(parsed)...)
	}
	if argsText != "" {
		endpoints = append(endpoints, findEndpointsInText(argsText)...)
		endpoints = append(endpoints, findURLEndpointsInText(argsText)...)
	}
	return dedupeRows(endpoints)
}

func extractHostnames(parsed Value, parsedOK bool, argsText string) []string {
	var hosts []string
	if parsedOK {
		hosts = append(hosts, findHostnamesInValue(parsed)...)
	}
	if argsText != "" {
		hosts = append(hosts, findHostnamesInText(argsText)...)
	}
	var cleaned []string
	for _, host := range hosts {
		if isLikelyHostname(host) {
			cleaned = append(cleaned, host)
		}
	}
	return dedupeRows(cleaned)
}

func findEndpointsInValue(v Value) []string {
	var found []string
	switch v.Kind {
	case KindTuple:
		if len(v.Items) >= 2 &&
			v.Items[0].Kind == KindStr && isLikelyHostname(v.Items[0].Str) &&
			v.Items[1].Kind == KindInt {
			if endpoint := formatEndpoint(v.Items[0].Str, int(v.Items[1].Int)); endpoint != "" {
				found = append(found, endpoint)
			}
		}
		for _, child := range v.Items {
			found = append(found, findEndpointsInValue(child)...)
		}
	case KindDict:
		for _, child := range v.Items {
			found = append(found, findEndpointsInValue(child)...)
		}
	}
	return found
}

func findHostnamesInValue(v Value) []string {
	var found []string
	switch v.Kind {
	case KindTuple:
		if len(v.Items) > 0 && v.Items[0].Kind == KindStr && isLikelyHostname(v.Items[0].Str) {
			found = append(found, v.Items[0].Str)
		}
		for _, child := range v.Items {
			found = append(found, findHostnamesInValue(child)...)
		}
	case KindDict:
		for _, child := range v.Items {
			found = append(found, findHostnamesInValue(child)...)
		}
	case KindStr:
		if isLikelyHostname(v.Str) {
			found = append(found, v.Str)
		}
	}
	return found
}

var (
	endpointTupleRe = regexp.MustCompile(`\(\s*['"]?([a-zA-Z0-9_.:\-]+)['"]?\s*,\s*(\d{1,5})(?:\s*,\s*\d+\s*,\s*\d+)?\s*\)`)
	urlRe           = regexp.MustCompile(`(?:https?|wss?)://[^\s"'<>]+`)
	quotedHostRe    = regexp.MustCompile(`['"]([a-zA-Z0-9_.\-]+)['"]\s*,\s*\d{1,5}`)
	urlHostRe       = regexp.MustCompile(`(?:https?|wss?)://([a-zA-Z0-9_.\-]+)`)
)

func findEndpointsInText(text string) []string {
	var found []string
	for _, m := range endpointTupleRe.FindAllStringSubmatch(text, -1) {
		port, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if endpoint := formatEndpoint(m[1], port); endpoint != "" {
			found = append(found, endpoint)
		}
	}
	return found
}

func findURLEndpointsInText(text string) []string {
	var found []string
	for _, raw := range urlRe.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		port := 0
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				continue
			}
		} else {
			switch u.Scheme {
			case "https", "wss":
				port = 443
			case "http":
				port = 80
			}
		}
		if port == 0 {
			continue
		}
		if endpoint := formatEndpoint(strings.ToLower(u.Hostname()), port); endpoint != "" {
			found = append(found, endpoint)
		}
	}
	return found
}

func findHostnamesInText(text string) []string {
	var found []string
	for _, m := range quotedHostRe.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	for _, m := range urlHostRe.FindAllStringSubmatch(text, -1) {
		found = append(found, m[1])
	}
	return found
}

func formatEndpoint(host string, port int) string {
	host = strings.Trim(strings.TrimSpace(host), `"'`)
	if host == "" || port <= 0 || port >= 65536 {
		return ""
	}
	if !isLikelyHostname(host) {
		return ""
	}
	return host + ":" + strconv.Itoa(port)
}

// isLikelyHostname filters out filesystem paths, reprs of socket
// objects, and address-family enum names that the audit stream mixes
// into positional args.
func isLikelyHostname(value string) bool {
	host := strings.Trim(strings.TrimSpace(value), `"'`)
	if host == "" {
		return false
	}
	if strings.HasPrefix(host, "/") || strings.HasPrefix(host, "<") || strings.HasPrefix(host, "{") {
		return false
	}
	if strings.ContainsAny(host, " \t\n\r") {
		return false
	}
	if host == "AF_INET" || host == "AF_INET6" {
		return false
	}
	return true
}

func dedupeRows(rows []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, row := range rows {
		if row == "" {
			continue
		}
		if _, dup := seen[row]; dup {
			continue
		}
		seen[row] = struct{}{}
		out = append(out, row)
	}
	return out
}

func extractSubprocess(event, argsText string) string {
	parsed, parsedOK := ParseLiteral(argsText)
	tupleWithArgs := parsedOK && parsed.Kind == KindTuple && len(parsed.Items) > 0
	switch event {
	case "subprocess.Popen", "subprocess.run", "os.system":
		if tupleWithArgs {
			return normalizeCommand(parsed.Items[0])
		}
		if event == "os.system" {
			return truncateMiddle(argsText, subprocessMaxChars)
		}
	case "os.exec", "os.execve", "os.posix_spawn", "os.spawn":
		if tupleWithArgs {
			return normalizeCommand(parsed.Items[0])
		}
	}
	return ""
}

func normalizeCommand(v Value) string {
	switch v.Kind {
	case KindStr:
		return truncateMiddle(v.Str, subprocessMaxChars)
	case KindTuple:
		items := v.Items
		if len(items) > 8 {
			items = items[:8]
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, normalizeCommand(item))
		}
		return truncateMiddle(strings.Join(parts, " "), subprocessMaxChars)
	default:
		return truncateMiddle(v.Raw, subprocessMaxChars)
	}
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

func topEvents(counts map[string]int) []string {
	type entry struct {
		name  string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > TopEventLimit {
		entries = entries[:TopEventLimit]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.name+": "+strconv.Itoa(e.count))
	}
	return out
}

// orderedSet is an insertion-ordered, deduplicated, capped set. When
// the cap is exceeded, the oldest entry is evicted.
type orderedSet struct {
	limit int
	keys  []string
	seen  map[string]struct{}
}

func newOrderedSet(limit int) *orderedSet {
	return &orderedSet{limit: limit, seen: map[string]struct{}{}}
}

func (s *orderedSet) Add(key string) {
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.keys = append(s.keys, key)
	if len(s.keys) > s.limit {
		delete(s.seen, s.keys[0])
		s.keys = s.keys[1:]
	}
}

func (s *orderedSet) Items() []string {
	if len(s.keys) == 0 {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}
