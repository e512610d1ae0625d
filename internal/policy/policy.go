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

// Package policy implements package-name normalization and the denylist
// membership test.
package policy

import (
	"regexp"
	"strings"
)

var separatorRuns = regexp.MustCompile(`[-_.]+`)

// NormalizePackageName lowercases the name and collapses every run of
// '-', '_', and '.' into a single '-'.
func NormalizePackageName(packageName string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(packageName)), "-")
}

// IsDeniedPackage reports whether the normalized package name equals a
// denylist entry or begins with "<entry>-". A denied prefix requires the
// '-' separator: "torch_cpu" is denied by "torch", "torchserve" is not.
func IsDeniedPackage(packageName string, denylist []string) bool {
	candidate := NormalizePackageName(packageName)
	for _, denied := range denylist {
		blocked := NormalizePackageName(denied)
		if blocked == "" {
			continue
		}
		if candidate == blocked || strings.HasPrefix(candidate, blocked+"-") {
			return true
		}
	}
	return false
}
