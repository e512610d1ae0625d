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

package sandbox

import (
	"fmt"
	"regexp"
)

// Filesystem layout shared between the installer and the executor. The
// work dir is bind-mounted read-write into the jail.
const (
	JailWorkDir  = "/opt/snakehook/work"
	JailSiteRoot = JailWorkDir + "/site"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SitePackagesDir returns the per-run site directory a package version
// is installed into.
func SitePackagesDir(packageName, version string) string {
	return fmt.Sprintf("%s/%s-%s", JailSiteRoot,
		sanitizePathComponent(packageName), sanitizePathComponent(version))
}

func sanitizePathComponent(value string) string {
	return unsafePathChars.ReplaceAllString(value, "_")
}

// AuditPath returns where the sandbox-stage audit stream for a run is
// written.
func AuditPath(runID string) string {
	return fmt.Sprintf("/tmp/audit-%s.jsonl", runID)
}
