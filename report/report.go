// Package report writes diagnostic reports for fatal engine failures.
package report

import (
	"bytes"
	"fmt"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crosscloudio/client/daemon"
	"github.com/oklog/ulid/v2"
)

const (
	filePrefix = "crash-"
	fileSuffix = ".log"

	// DefaultKeep is how many reports Prune leaves behind.
	DefaultKeep = 20
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

func newID(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// Info is extra context written into a report.
type Info struct {
	AppVersion string
	InstallID  string
}

// Write saves r into dir under a time-sortable name and returns the
// file path.
func Write(dir string, r daemon.Report, info Info) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create reports dir: %w", err)
	}

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	path := filepath.Join(dir, filePrefix+newID(t).String()+fileSuffix)

	if err := os.WriteFile(path, Format(r, info), 0o600); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Format renders r as text.
func Format(r daemon.Report, info Info) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "time: %s\n", r.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "reason: %s\n", r.Reason)
	if r.ExitError != "" {
		fmt.Fprintf(&b, "exit: %s\n", r.ExitError)
	}
	fmt.Fprintf(&b, "restart tries: %d\n", r.RestartTries)
	fmt.Fprintf(&b, "had correct response: %t\n", r.HadCorrectResponse)
	fmt.Fprintf(&b, "command: %s\n", strings.Join(append([]string{r.Executable}, r.Args...), " "))
	if info.AppVersion != "" {
		fmt.Fprintf(&b, "app version: %s\n", info.AppVersion)
	}
	if info.InstallID != "" {
		fmt.Fprintf(&b, "install id: %s\n", info.InstallID)
	}
	b.WriteString("\n--- stderr ---\n")
	b.WriteString(r.Stderr)
	if r.Stderr != "" && !strings.HasSuffix(r.Stderr, "\n") {
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// List returns the report files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := ulid.ParseStrict(id); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

// Prune removes all but the newest keep reports.
func Prune(dir string, keep int) error {
	paths, err := List(dir)
	if err != nil {
		return err
	}
	if len(paths) <= keep {
		return nil
	}
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
