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

//go:build ignore

/*
Snakehook Build Automation

Usage:
    go run build.go              # Run full build and test pipeline
    go run build.go test         # Run tests only
    go run build.go coverage     # Run tests with coverage
    go run build.go build        # Build the service and egress-rules binaries
    go run build.go clean        # Clean build artifacts
    go run build.go fmt          # Format Go code
    go run build.go vet          # Run go vet
    go run build.go deps         # Download and verify dependencies
*/

package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[91m"
	colorGreen = "\033[92m"
	colorCyan  = "\033[96m"
)

var binaries = []string{"./cmd/snakehook", "./cmd/egress-rules"}

// BuildRunner manages the build process
type BuildRunner struct {
	rootDir   string
	buildDir  string
	startTime time.Time
}

func NewBuildRunner() (*BuildRunner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return &BuildRunner{
		rootDir:   wd,
		buildDir:  filepath.Join(wd, "build"),
		startTime: time.Now(),
	}, nil
}

func (br *BuildRunner) printStep(step string) {
	fmt.Printf("%s%s→%s %s\n", colorBold, colorCyan, colorReset, step)
}

func (br *BuildRunner) printSuccess(message string) {
	fmt.Printf("%s%s✓%s %s\n", colorBold, colorGreen, colorReset, message)
}

func (br *BuildRunner) printError(message string) {
	fmt.Printf("%s%s✗%s %s\n", colorBold, colorRed, colorReset, message)
}

// runCommand executes a command and returns exit code, stdout, and stderr
func (br *BuildRunner) runCommand(name string, args ...string) (int, string, string) {
	cmd := exec.Command(name, args...)
	cmd.Dir = br.rootDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			br.printError(fmt.Sprintf("command failed to start: %v", err))
			return 1, stdout.String(), stderr.String()
		}
	}

	if exitCode != 0 {
		br.printError(fmt.Sprintf("Command failed: %s %s", name, strings.Join(args, " ")))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
	}
	return exitCode, stdout.String(), stderr.String()
}

func (br *BuildRunner) Clean() bool {
	br.printStep("Cleaning build artifacts")
	if err := os.RemoveAll(br.buildDir); err != nil && !os.IsNotExist(err) {
		br.printError(fmt.Sprintf("Failed to remove build directory: %v", err))
		return false
	}
	os.Remove(filepath.Join(br.rootDir, "coverage.out"))
	br.printSuccess("Clean complete")
	return true
}

func (br *BuildRunner) Deps() bool {
	br.printStep("Downloading dependencies")
	if code, _, _ := br.runCommand("go", "mod", "download"); code != 0 {
		return false
	}
	if code, _, _ := br.runCommand("go", "mod", "verify"); code != 0 {
		return false
	}
	br.printSuccess("Dependencies OK")
	return true
}

func (br *BuildRunner) Format() bool {
	br.printStep("Formatting code")
	code, stdout, _ := br.runCommand("gofmt", "-l", "-w", ".")
	if code != 0 {
		return false
	}
	if files := strings.TrimSpace(stdout); files != "" {
		fmt.Printf("reformatted:\n%s\n", files)
	}
	br.printSuccess("Format complete")
	return true
}

func (br *BuildRunner) Vet() bool {
	br.printStep("Running go vet")
	if code, _, _ := br.runCommand("go", "vet", "./..."); code != 0 {
		return false
	}
	br.printSuccess("Vet clean")
	return true
}

func (br *BuildRunner) Test(withCoverage bool) bool {
	br.printStep("Running tests")
	args := []string{"test", "-race"}
	if withCoverage {
		args = append(args, "-coverprofile=coverage.out", "-covermode=atomic")
	}
	args = append(args, "./...")
	if code, _, _ := br.runCommand("go", args...); code != 0 {
		return false
	}
	if withCoverage {
		_, stdout, _ := br.runCommand("go", "tool", "cover", "-func=coverage.out")
		for _, line := range strings.Split(stdout, "\n") {
			if strings.Contains(line, "total:") {
				fmt.Println(line)
			}
		}
	}
	br.printSuccess("Tests passed")
	return true
}

func (br *BuildRunner) Build() bool {
	br.printStep("Building binaries")
	if err := os.MkdirAll(br.buildDir, 0o755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}
	for _, pkg := range binaries {
		out := filepath.Join(br.buildDir, filepath.Base(pkg))
		if code, _, _ := br.runCommand("go", "build", "-trimpath", "-o", out, pkg); code != 0 {
			return false
		}
		br.printSuccess(fmt.Sprintf("Built %s", out))
	}
	return true
}

func (br *BuildRunner) Pipeline() bool {
	steps := []func() bool{
		br.Deps,
		br.Format,
		br.Vet,
		func() bool { return br.Test(false) },
		br.Build,
	}
	for _, step := range steps {
		if !step() {
			return false
		}
	}
	fmt.Printf("\n%s%s✓ Pipeline complete in %s%s\n",
		colorBold, colorGreen, time.Since(br.startTime).Round(time.Millisecond), colorReset)
	return true
}

func main() {
	br, err := NewBuildRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		os.Exit(1)
	}

	command := ""
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	ok := false
	switch command {
	case "":
		ok = br.Pipeline()
	case "clean":
		ok = br.Clean()
	case "deps":
		ok = br.Deps()
	case "fmt":
		ok = br.Format()
	case "vet":
		ok = br.Vet()
	case "test":
		ok = br.Test(false)
	case "coverage":
		ok = br.Test(true)
	case "build":
		ok = br.Build()
	default:
		fmt.Fprintf(os.Stderr, "build: unknown command %q\n", command)
		os.Exit(2)
	}
	if !ok {
		os.Exit(1)
	}
}
