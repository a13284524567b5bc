// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sysinst/sysinst/internal/issue"
)

type fakeMounter struct {
	mounts   []MountSpec
	unmounts []string
	mountErr error
	// populate runs after a successful mount to fill the target.
	populate func(target string)
}

func (m *fakeMounter) Mount(_ context.Context, spec MountSpec) error {
	if m.mountErr != nil {
		return m.mountErr
	}
	m.mounts = append(m.mounts, spec)
	if m.populate != nil {
		m.populate(spec.Target)
	}
	return nil
}

func (m *fakeMounter) Unmount(_ context.Context, target string) error {
	m.unmounts = append(m.unmounts, target)
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()

	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestLocalFetchTemplateFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		place string
	}{
		{"root", "bin.inf"},
		{"dists", "dists/bin.inf"},
		{"release", "14.1-RELEASE/bin.inf"},
		{"release dists", "14.1-RELEASE/dists/bin.inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			writeFile(t, filepath.Join(root, tt.place), tt.place)

			l := &Local{Kind: "ufs", Root: root, Release: "14.1-RELEASE"}
			rc, err := l.Fetch(t.Context(), "bin.inf", false)
			if err != nil {
				t.Fatalf("Fetch error: %v", err)
			}
			if got := readAll(t, rc); got != tt.place {
				t.Errorf("served %q, want the copy at %q", got, tt.place)
			}
		})
	}
}

func TestLocalFetchPrefersEarlierTemplate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dists", "src.tgz"), "second")
	writeFile(t, filepath.Join(root, "14.1-RELEASE", "src.tgz"), "third")

	l := &Local{Kind: "ufs", Root: root, Release: "14.1-RELEASE"}
	rc, err := l.Fetch(t.Context(), "src.tgz", true)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got := readAll(t, rc); got != "second" {
		t.Errorf("served %q, want second template", got)
	}

	// Failed lookups leave the tree untouched.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("root has %d entries after fetch, want 2", len(entries))
	}
}

func TestLocalFetchMissAndDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin.tgz"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := &Local{Kind: "dos", Root: root}
	_, err := l.Fetch(t.Context(), "bin.tgz", true)
	if !issue.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestLocalInitMountsAndShutdownUnmounts(t *testing.T) {
	t.Parallel()

	m := &fakeMounter{}
	root := filepath.Join(t.TempDir(), "dist")
	l := &Local{Kind: "floppy", Device: "/dev/fd0", Root: root, FSType: "msdosfs", Mounter: m}

	for range 2 {
		if err := l.Init(t.Context()); err != nil {
			t.Fatalf("Init error: %v", err)
		}
	}
	if len(m.mounts) != 1 {
		t.Fatalf("mounted %d times, want 1", len(m.mounts))
	}
	spec := m.mounts[0]
	if spec.Source != "/dev/fd0" || spec.Target != root || spec.FSType != "msdosfs" || !spec.ReadOnly {
		t.Errorf("mount spec = %+v", spec)
	}

	for range 2 {
		if err := l.Shutdown(t.Context()); err != nil {
			t.Fatalf("Shutdown error: %v", err)
		}
	}
	if !slices.Equal(m.unmounts, []string{root}) {
		t.Errorf("unmounts = %v, want exactly one of %s", m.unmounts, root)
	}
}

func TestLocalInitMountFailure(t *testing.T) {
	t.Parallel()

	m := &fakeMounter{mountErr: errors.New("device not configured")}
	l := &Local{Kind: "cdrom", Device: "/dev/cd0", Root: t.TempDir(), Mounter: m}

	err := l.Init(t.Context())
	if issue.KindOf(err) != issue.KindResource {
		t.Fatalf("error = %v, want resource kind", err)
	}
	if err := l.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown after failed Init: %v", err)
	}
	if len(m.unmounts) != 0 {
		t.Errorf("unmounted %v after failed mount", m.unmounts)
	}
}

func TestLocalCDROMLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		label   string
		wantErr bool
	}{
		{"matching release", "CD_VERSION = 14.1-RELEASE\n", false},
		{"any release", "CD_VERSION = any\n", false},
		{"no label file", "", false},
		{"other release", "CD_VERSION = 13.2-RELEASE\n", true},
		{"label without version", "CD_VOLUME = 1\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := &fakeMounter{populate: func(target string) {
				if tt.label != "" {
					writeFile(t, filepath.Join(target, cdromInfo), tt.label)
				}
			}}
			l := &Local{
				Kind: "cdrom", Device: "/dev/cd0", Root: t.TempDir(),
				Release: "14.1-RELEASE", CheckLabel: true, Mounter: m,
			}

			err := l.Init(t.Context())
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Init error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrReleaseMismatch) {
				t.Fatalf("error = %v, want ErrReleaseMismatch", err)
			}
			if len(m.unmounts) != 1 {
				t.Errorf("mount not unwound after label mismatch: unmounts = %v", m.unmounts)
			}
		})
	}
}

func TestNewNFSOptions(t *testing.T) {
	t.Parallel()

	m := &fakeMounter{}
	l := NewNFS("server", "/export/dist", t.TempDir(), "14.1-RELEASE", true, true, m)

	if err := l.Init(t.Context()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	spec := m.mounts[0]
	if spec.Source != "server:/export/dist" || spec.FSType != "nfs" {
		t.Errorf("mount spec = %+v", spec)
	}
	for _, opt := range []string{"rsize=1024", "wsize=1024", "resvport"} {
		if !slices.Contains(spec.Options, opt) {
			t.Errorf("options %v missing %s", spec.Options, opt)
		}
	}
	if l.Name() != "nfs" {
		t.Errorf("Name() = %q, want nfs", l.Name())
	}
}

func TestMountSpecOptionString(t *testing.T) {
	t.Parallel()

	spec := MountSpec{ReadOnly: true, Options: []string{"rsize=1024"}}
	if got := spec.optionString(); got != "ro,rsize=1024" {
		t.Errorf("optionString() = %q", got)
	}
	if got := (MountSpec{}).optionString(); got != "" {
		t.Errorf("optionString() = %q, want empty", got)
	}
}
