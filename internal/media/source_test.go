// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/sysinst/sysinst/internal/issue"
)

// stubSource records lifecycle calls and serves files from a map.
type stubSource struct {
	name      string
	files     map[string]string
	initErr   error
	inits     int
	shutdowns int
	fetched   []string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Init(context.Context) error {
	s.inits++
	return s.initErr
}

func (s *stubSource) Fetch(_ context.Context, file string, _ bool) (io.ReadCloser, error) {
	s.fetched = append(s.fetched, file)
	content, ok := s.files[file]
	if !ok {
		return nil, issue.NotFound("fetch", file)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (s *stubSource) Shutdown(context.Context) error {
	s.shutdowns++
	return nil
}

func TestSessionInitializesLazilyOnce(t *testing.T) {
	t.Parallel()

	src := &stubSource{name: "stub", files: map[string]string{"a": "1", "b": "2"}}
	s := NewSession(src)

	if src.inits != 0 {
		t.Fatalf("Init called before first fetch")
	}
	for _, f := range []string{"a", "b"} {
		rc, err := s.Fetch(t.Context(), f, false)
		if err != nil {
			t.Fatalf("Fetch(%q) error: %v", f, err)
		}
		_ = rc.Close()
	}
	if src.inits != 1 {
		t.Errorf("Init called %d times, want 1", src.inits)
	}
}

func TestSessionInitFailureIsRetried(t *testing.T) {
	t.Parallel()

	src := &stubSource{name: "stub", initErr: errors.New("no disc")}
	s := NewSession(src)

	if _, err := s.Fetch(t.Context(), "a", true); err == nil {
		t.Fatal("expected init error")
	}
	src.initErr = nil
	src.files = map[string]string{"a": "x"}
	rc, err := s.Fetch(t.Context(), "a", true)
	if err != nil {
		t.Fatalf("Fetch after init recovered: %v", err)
	}
	_ = rc.Close()
	if src.inits != 2 {
		t.Errorf("Init called %d times, want 2", src.inits)
	}
}

func TestSessionUseShutsDownPrevious(t *testing.T) {
	t.Parallel()

	first := &stubSource{name: "first"}
	second := &stubSource{name: "second", files: map[string]string{"x": "y"}}
	s := NewSession(first)

	if err := s.Init(t.Context()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if err := s.Use(t.Context(), second); err != nil {
		t.Fatalf("Use error: %v", err)
	}
	if first.shutdowns != 1 {
		t.Errorf("previous source shut down %d times, want 1", first.shutdowns)
	}
	if s.Current() != second {
		t.Errorf("Current() = %v, want second", s.Current())
	}

	rc, err := s.Fetch(t.Context(), "x", false)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	_ = rc.Close()
	if second.inits != 1 {
		t.Errorf("new source Init called %d times, want 1", second.inits)
	}
}

func TestSessionWithoutMedia(t *testing.T) {
	t.Parallel()

	s := NewSession(nil)
	_, err := s.Fetch(t.Context(), "bin.inf", true)
	if !errors.Is(err, ErrNoMedia) {
		t.Fatalf("error = %v, want ErrNoMedia", err)
	}
	if issue.KindOf(err) != issue.KindResource {
		t.Errorf("kind = %v, want resource", issue.KindOf(err))
	}
	if err := s.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown without media: %v", err)
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	got := candidates("14.1-RELEASE", "bin/bin.inf")
	want := []string{
		"bin/bin.inf",
		"dists/bin/bin.inf",
		"14.1-RELEASE/bin/bin.inf",
		"14.1-RELEASE/dists/bin/bin.inf",
	}
	if !slices.Equal(got, want) {
		t.Errorf("candidates() = %v, want %v", got, want)
	}

	if got := candidates("", "../../etc/passwd"); got[0] != "etc/passwd" {
		t.Errorf("candidates() did not confine path: %v", got)
	}
	if got := candidates("", "bin.tgz"); len(got) != 2 {
		t.Errorf("candidates() without release = %v, want 2 entries", got)
	}
}
