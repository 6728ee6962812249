// Clipdrop is a chat-driven short-video download service.
// Copyright (C) 2026 1204al
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

/*
Clipdrop Build Automation

Builds and tests the clipdrop binaries (supervisor, job service, bot,
worker).

Usage:
    go run build.go                    # Run full build and test pipeline
    go run build.go test              # Run tests only
    go run build.go build             # Build all binaries
    go run build.go clean             # Clean build artifacts
    go run build.go fmt               # Format Go code
    go run build.go lint              # Run linting (if available)
    go run build.go coverage          # Run tests with coverage
    go run build.go deps              # Check and download dependencies
    go run build.go validate          # Full validation pipeline
    go run build.go build-all         # Build for all platforms
    go run build.go install-tools     # Install golangci-lint
    go run build.go --platform linux/arm64 build  # Build for specific platform
*/

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[91m"
	colorGreen  = "\033[92m"
	colorYellow = "\033[93m"
	colorBlue   = "\033[94m"
	colorCyan   = "\033[96m"
)

// binaries lists every cmd/ entry point, supervisor first.
var binaries = []string{
	"clipdrop",
	"clipdrop-api",
	"clipdrop-bot",
	"clipdrop-worker",
}

// SupportedPlatform represents a target build platform
type SupportedPlatform struct {
	GOOS   string
	GOARCH string
}

var allPlatforms = []SupportedPlatform{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "amd64"},
	{"darwin", "arm64"},
}

// BuildInfo contains metadata about a build
type BuildInfo struct {
	Timestamp    string `json:"timestamp"`
	GoVersion    string `json:"go_version"`
	GitCommit    string `json:"git_commit"`
	GitBranch    string `json:"git_branch"`
	GitDirty     bool   `json:"git_dirty"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
}

// BuildRunner drives the build pipeline from the module root.
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

// Print helpers
func (br *BuildRunner) printHeader(title string) {
	fmt.Printf("\n%s%s%s%s\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
	fmt.Printf("%s%s %s%s\n", colorBold, colorBlue, title, colorReset)
	fmt.Printf("%s%s%s%s\n\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
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

func (br *BuildRunner) printWarning(message string) {
	fmt.Printf("%s%s⚠%s %s\n", colorBold, colorYellow, colorReset, message)
}

// runCommand executes a command and returns exit code, stdout, and stderr
func (br *BuildRunner) runCommand(name string, args []string, env []string, check bool) (int, string, string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = br.rootDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return 1, "", "", fmt.Errorf("command failed: %w", err)
		}
	}

	if check && exitCode != 0 {
		br.printError(fmt.Sprintf("Command failed: %s %s", name, strings.Join(args, " ")))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
	}

	return exitCode, stdout.String(), stderr.String(), nil
}

// CheckPrerequisites verifies required tools are available
func (br *BuildRunner) CheckPrerequisites() bool {
	br.printStep("Checking prerequisites")

	exitCode, stdout, _, err := br.runCommand("go", []string{"version"}, nil, false)
	if err != nil || exitCode != 0 {
		br.printError("Go is not installed or not in PATH")
		return false
	}
	br.printSuccess(fmt.Sprintf("Found %s", strings.TrimSpace(stdout)))

	if _, err := os.Stat(filepath.Join(br.rootDir, "go.mod")); os.IsNotExist(err) {
		br.printError("go.mod not found - not in a Go module directory")
		return false
	}

	// yt-dlp and ffmpeg are runtime dependencies, not build ones;
	// warn so a fresh machine is not surprised at first run.
	for _, tool := range []string{"yt-dlp", "ffmpeg"} {
		if _, err := exec.LookPath(tool); err != nil {
			br.printWarning(fmt.Sprintf("%s not found in PATH (needed at runtime)", tool))
		}
	}

	br.printSuccess("All prerequisites met")
	return true
}

// Clean removes build artifacts
func (br *BuildRunner) Clean() bool {
	br.printStep("Cleaning build artifacts")

	if err := os.RemoveAll(br.buildDir); err != nil {
		if !os.IsNotExist(err) {
			br.printError(fmt.Sprintf("Failed to remove build directory: %v", err))
			return false
		}
	} else {
		br.printSuccess("Removed build directory")
	}

	testArtifacts := []string{
		"coverage.out",
		"coverage.html",
		"coverage.txt",
	}
	for _, artifact := range testArtifacts {
		if err := os.Remove(filepath.Join(br.rootDir, artifact)); err == nil {
			br.printSuccess(fmt.Sprintf("Removed %s", artifact))
		}
	}

	// Local run state: queue logs, locks, and downloads.
	patterns := []string{"*.test", "*.jsonl", "*.lock", ".queue.lock", ".telegram_*.lock"}
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(filepath.Join(br.rootDir, pattern))
		for _, match := range matches {
			os.Remove(match)
		}
	}

	br.printSuccess("Cleaned test artifacts")
	return true
}

// DownloadDependencies fetches and verifies Go module dependencies
func (br *BuildRunner) DownloadDependencies() bool {
	br.printStep("Downloading dependencies")

	exitCode, _, _, _ := br.runCommand("go", []string{"mod", "download"}, nil, true)
	if exitCode != 0 {
		return false
	}

	exitCode, _, _, _ = br.runCommand("go", []string{"mod", "verify"}, nil, true)
	if exitCode != 0 {
		br.printError("Dependency verification failed")
		return false
	}

	br.printSuccess("Dependencies downloaded and verified")
	return true
}

// FormatCode formats Go code
func (br *BuildRunner) FormatCode() bool {
	br.printStep("Formatting Go code")

	exitCode, _, _, _ := br.runCommand("go", []string{"fmt", "./..."}, nil, true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("Code formatted")
	return true
}

// LintCode runs static analysis on Go code
func (br *BuildRunner) LintCode() bool {
	br.printStep("Linting code")

	exitCode, _, _, err := br.runCommand("golangci-lint", []string{"--version"}, nil, false)
	if err == nil && exitCode == 0 {
		exitCode, _, _, _ := br.runCommand("golangci-lint", []string{"run"}, nil, true)
		if exitCode != 0 {
			br.printWarning("golangci-lint found issues (not failing build)")
		} else {
			br.printSuccess("Linting passed (golangci-lint)")
		}
	}

	// go vet is the actual quality gate.
	exitCode, _, _, _ = br.runCommand("go", []string{"vet", "./..."}, nil, true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("Static analysis passed (go vet)")
	return true
}

// RunTests executes Go tests
func (br *BuildRunner) RunTests(withCoverage bool) bool {
	br.printStep("Running tests")

	args := []string{"test"}
	if withCoverage {
		args = append(args, "-coverprofile=coverage.out")
	}
	args = append(args, "-v", "./...")

	exitCode, _, _, _ := br.runCommand("go", args, nil, true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("All tests passed")

	if withCoverage {
		coverageFile := filepath.Join(br.rootDir, "coverage.out")
		if _, err := os.Stat(coverageFile); err == nil {
			exitCode, stdout, _, _ := br.runCommand("go", []string{"tool", "cover", "-func=coverage.out"}, nil, false)
			if exitCode == 0 {
				for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
					if strings.Contains(line, "total:") {
						parts := strings.Fields(line)
						if len(parts) > 0 {
							br.printSuccess(fmt.Sprintf("Test coverage: %s", parts[len(parts)-1]))
						}
						break
					}
				}
				_, _, _, _ = br.runCommand("go", []string{"tool", "cover", "-html=coverage.out", "-o", "coverage.html"}, nil, false)
				if _, err := os.Stat(filepath.Join(br.rootDir, "coverage.html")); err == nil {
					br.printSuccess("Coverage report generated: coverage.html")
				}
			}
		}
	}

	return true
}

// version returns the version string stamped into binaries.
func (br *BuildRunner) version() string {
	exitCode, stdout, _, err := br.runCommand("git", []string{"describe", "--tags", "--always", "--dirty"}, nil, false)
	if err != nil || exitCode != 0 {
		return "dev"
	}
	if v := strings.TrimSpace(stdout); v != "" {
		return v
	}
	return "dev"
}

func binaryName(name, goos string) string {
	if goos == "windows" {
		return name + ".exe"
	}
	return name
}

// BuildBinaries builds every cmd/ entry point for the given platform.
// Empty goos/goarch means the host platform.
func (br *BuildRunner) BuildBinaries(goos, goarch string) bool {
	target := "host platform"
	outDir := filepath.Join(br.buildDir, "bin")
	var env []string
	if goos != "" {
		target = goos + "/" + goarch
		outDir = filepath.Join(br.buildDir, goos+"-"+goarch)
		env = []string{"GOOS=" + goos, "GOARCH=" + goarch, "CGO_ENABLED=0"}
	}
	br.printStep(fmt.Sprintf("Building binaries for %s", target))

	if err := os.MkdirAll(outDir, 0755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}

	ldflags := fmt.Sprintf("-s -w -X main.version=%s", br.version())
	hostOS := goos
	if hostOS == "" {
		hostOS = runtime.GOOS
	}

	for _, name := range binaries {
		outPath := filepath.Join(outDir, binaryName(name, hostOS))
		args := []string{
			"build",
			"-ldflags", ldflags,
			"-o", outPath,
			"./cmd/" + name,
		}
		exitCode, _, _, _ := br.runCommand("go", args, env, true)
		if exitCode != 0 {
			return false
		}
		br.printSuccess(fmt.Sprintf("Built %s", outPath))
	}

	br.writeBuildInfo(outDir)
	return true
}

// BuildAllPlatforms cross-compiles for every supported platform.
func (br *BuildRunner) BuildAllPlatforms() bool {
	for _, platform := range allPlatforms {
		if !br.BuildBinaries(platform.GOOS, platform.GOARCH) {
			return false
		}
	}
	return true
}

// writeBuildInfo drops build metadata next to the binaries.
func (br *BuildRunner) writeBuildInfo(outDir string) {
	info := &BuildInfo{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
	}

	if _, stdout, _, err := br.runCommand("go", []string{"version"}, nil, false); err == nil {
		info.GoVersion = strings.TrimSpace(stdout)
	}
	if code, stdout, _, err := br.runCommand("git", []string{"rev-parse", "HEAD"}, nil, false); err == nil && code == 0 {
		info.GitCommit = strings.TrimSpace(stdout)
	}
	if code, stdout, _, err := br.runCommand("git", []string{"rev-parse", "--abbrev-ref", "HEAD"}, nil, false); err == nil && code == 0 {
		info.GitBranch = strings.TrimSpace(stdout)
	}
	if code, stdout, _, err := br.runCommand("git", []string{"status", "--porcelain"}, nil, false); err == nil && code == 0 {
		info.GitDirty = strings.TrimSpace(stdout) != ""
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(outDir, "build-info.json"), append(data, '\n'), 0644); err == nil {
		br.printSuccess("Wrote build-info.json")
	}
}

// InstallTools installs optional developer tooling.
func (br *BuildRunner) InstallTools() bool {
	br.printStep("Installing developer tools")

	exitCode, _, _, _ := br.runCommand("go",
		[]string{"install", "github.com/golangci/golangci-lint/cmd/golangci-lint@latest"}, nil, true)
	if exitCode != 0 {
		return false
	}

	br.printSuccess("Installed golangci-lint")
	return true
}

// Validate runs the full validation pipeline
func (br *BuildRunner) Validate() bool {
	steps := []func() bool{
		br.CheckPrerequisites,
		br.DownloadDependencies,
		br.FormatCode,
		br.LintCode,
		func() bool { return br.RunTests(true) },
		func() bool { return br.BuildBinaries("", "") },
	}
	for _, step := range steps {
		if !step() {
			return false
		}
	}
	return true
}

func (br *BuildRunner) PrintSummary(success bool) {
	elapsed := time.Since(br.startTime).Round(time.Millisecond)
	fmt.Println()
	if success {
		br.printSuccess(fmt.Sprintf("Pipeline completed in %s", elapsed))
	} else {
		br.printError(fmt.Sprintf("Pipeline failed after %s", elapsed))
	}
}

func main() {
	var platformFlag string
	flag.StringVar(&platformFlag, "platform", "", "Target platform in the form os/arch (e.g., linux/arm64)")
	flag.Parse()

	br, err := NewBuildRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize build runner: %v\n", err)
		os.Exit(1)
	}

	goos, goarch := "", ""
	if platformFlag != "" {
		parts := strings.SplitN(platformFlag, "/", 2)
		if len(parts) != 2 {
			br.printError("--platform must look like os/arch, e.g. linux/amd64")
			os.Exit(1)
		}
		goos, goarch = parts[0], parts[1]
	}

	command := "all"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	success := false
	switch command {
	case "clean":
		br.printHeader("Clipdrop Clean")
		success = br.Clean()
	case "deps":
		br.printHeader("Clipdrop Dependencies")
		success = br.CheckPrerequisites() && br.DownloadDependencies()
	case "fmt":
		br.printHeader("Clipdrop Format")
		success = br.FormatCode()
	case "lint":
		br.printHeader("Clipdrop Lint")
		success = br.LintCode()
	case "test":
		br.printHeader("Clipdrop Tests")
		success = br.CheckPrerequisites() && br.RunTests(false)
	case "coverage":
		br.printHeader("Clipdrop Coverage")
		success = br.CheckPrerequisites() && br.RunTests(true)
	case "build":
		br.printHeader("Clipdrop Build")
		success = br.CheckPrerequisites() && br.BuildBinaries(goos, goarch)
	case "build-all":
		br.printHeader("Clipdrop Build (all platforms)")
		success = br.CheckPrerequisites() && br.BuildAllPlatforms()
	case "install-tools":
		br.printHeader("Clipdrop Tools")
		success = br.InstallTools()
	case "validate", "all":
		br.printHeader("Clipdrop Validation Pipeline")
		success = br.Validate()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		os.Exit(2)
	}

	br.PrintSummary(success)
	if !success {
		os.Exit(1)
	}
}
