// Package cli checks the external executables the shell host depends on.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// versionTimeout bounds a single version probe.
const versionTimeout = 5 * time.Second

// Prerequisite represents an executable the client needs.
type Prerequisite struct {
	Name        string // Command name or path (e.g., "CrossCloudSync", "/opt/cc/engine")
	Required    bool   // Whether the tool is required to run the app
	Description string // Human-readable description
	// VersionArgs, when set, are passed to the executable to read its
	// version. Executables that would start working when run with
	// unknown flags leave this empty.
	VersionArgs []string
}

// DefaultPrerequisites returns the executables needed to run engine.
func DefaultPrerequisites(engine string) []Prerequisite {
	return []Prerequisite{
		{
			Name:        engine,
			Required:    true,
			Description: "CrossCloud sync engine",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that an executable is available. Names containing a
// path separator are checked in place, bare names are searched in PATH.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := locate(prereq.Name)
	if err != nil {
		result.Error = err
		return result
	}

	result.Found = true
	result.Path = path

	if len(prereq.VersionArgs) > 0 {
		result.Version = getVersion(path, prereq.VersionArgs)
	}
	return result
}

func locate(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("no executable configured")
	}
	if !strings.ContainsRune(name, filepath.Separator) && !strings.ContainsRune(name, '/') {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%s not found in PATH", name)
		}
		return path, nil
	}
	info, err := os.Stat(name)
	if err != nil {
		return "", fmt.Errorf("%s not found", name)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", name)
	}
	return name, nil
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s): %v",
				prereq.Name, prereq.Description, result.Error))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required executables:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion runs path with args and returns the first output line.
func getVersion(path string, args []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, args...).Output()
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(string(output), "\n")
	version := strings.TrimSpace(first)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Description)
		switch {
		case r.Found && r.Version != "":
			fmt.Fprintf(&sb, " %s (%s)", r.Path, r.Version)
		case r.Found:
			fmt.Fprintf(&sb, " %s", r.Path)
		case r.Prerequisite.Required:
			fmt.Fprintf(&sb, " [REQUIRED] %v", r.Error)
		default:
			fmt.Fprintf(&sb, " [optional] %v", r.Error)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
