// SPDX-License-Identifier: MPL-2.0

package media

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/sysinst/sysinst/internal/issue"
)

// newTestTape returns a Tape whose "device" is a directory copied into the
// scratch dir by sh. Every extraction appends a line to the returned log.
func newTestTape(t *testing.T) (*Tape, string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("tape extraction uses sh")
	}

	device := t.TempDir()
	writeFile(t, filepath.Join(device, "bin", "bin.inf"), "pieces = 2\n")
	writeFile(t, filepath.Join(device, "bin", "bin.aa"), "first")
	writeFile(t, filepath.Join(device, "bin", "bin.ab"), "second")

	log := filepath.Join(t.TempDir(), "extractions")
	script := `echo run >> "` + log + `" && cp -R "$1"/. .`

	return &Tape{
		Device:     device,
		ScratchDir: filepath.Join(t.TempDir(), "scratch"),
		ExtractCmd: []string{"sh", "-c", script, "sh"},
	}, log
}

func TestTapeExtractsOnceAndReclaims(t *testing.T) {
	t.Parallel()

	tape, log := newTestTape(t)
	ctx := t.Context()

	if err := tape.Init(ctx); err != nil {
		t.Fatalf("Init error: %v", err)
	}

	for _, tc := range []struct{ file, want string }{
		{"bin/bin.aa", "first"},
		{"bin/bin.ab", "second"},
	} {
		rc, err := tape.Fetch(ctx, tc.file, false)
		if err != nil {
			t.Fatalf("Fetch(%q) error: %v", tc.file, err)
		}
		// Unlinked on hand-off but still readable through the open handle.
		if _, err := os.Stat(filepath.Join(tape.ScratchDir, tc.file)); !os.IsNotExist(err) {
			t.Errorf("%s still present in scratch dir after fetch", tc.file)
		}
		if got := readAll(t, rc); got != tc.want {
			t.Errorf("Fetch(%q) = %q, want %q", tc.file, got, tc.want)
		}
	}

	data, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "run"); n != 1 {
		t.Errorf("tape extracted %d times, want 1", n)
	}

	// Handed-out files are gone for good.
	if _, err := tape.Fetch(ctx, "bin/bin.aa", true); !issue.IsNotFound(err) {
		t.Errorf("second fetch error = %v, want not found", err)
	}

	if err := tape.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if _, err := os.Stat(tape.ScratchDir); !os.IsNotExist(err) {
		t.Errorf("scratch dir survived Shutdown")
	}
	if err := tape.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown error: %v", err)
	}
}

func TestTapeExtractionFailure(t *testing.T) {
	t.Parallel()

	tape, _ := newTestTape(t)
	tape.ExtractCmd = []string{"sh", "-c", "exit 3", "sh"}

	if err := tape.Init(t.Context()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	_, err := tape.Fetch(t.Context(), "bin/bin.inf", true)
	if issue.KindOf(err) != issue.KindResource {
		t.Fatalf("error = %v, want resource kind", err)
	}
}

func TestTapeInitWithoutCommand(t *testing.T) {
	t.Parallel()

	tape := &Tape{Device: "/dev/sa0", ScratchDir: t.TempDir()}
	if err := tape.Init(t.Context()); issue.KindOf(err) != issue.KindResource {
		t.Fatalf("error = %v, want resource kind", err)
	}

	// Fetch initializes on its own and reports the same error.
	fresh := &Tape{Device: "/dev/sa0", ScratchDir: t.TempDir()}
	if _, err := fresh.Fetch(t.Context(), "bin/bin.aa", false); issue.KindOf(err) != issue.KindResource {
		t.Fatalf("Fetch error = %v, want resource kind", err)
	}
}
