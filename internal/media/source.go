// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/sysinst/sysinst/internal/issue"
)

var (
	// ErrNoMedia is returned by a Session that has no Source.
	ErrNoMedia = errors.New("no installation media selected")
	// ErrReleaseNotFound is returned when a server carries no directory for the release.
	ErrReleaseNotFound = errors.New("release not found on media")
	// ErrReleaseMismatch is returned when a disc is labelled for another release.
	ErrReleaseMismatch = errors.New("media is for a different release")
)

// Source gives file-by-relative-path access to one installation medium.
//
// Init is idempotent and unwinds any partial mount when it fails. Shutdown is
// idempotent. Every stream returned by Fetch must be closed by the caller.
type Source interface {
	Name() string
	Init(ctx context.Context) error
	Fetch(ctx context.Context, file string, probe bool) (io.ReadCloser, error)
	Shutdown(ctx context.Context) error
}

// Session owns the Source currently in use. At most one Source is current;
// switching shuts the previous one down first.
type Session struct {
	mu    sync.Mutex
	src   Source
	ready bool
}

// NewSession returns a Session using src, which may be nil.
func NewSession(src Source) *Session {
	return &Session{src: src}
}

// Current returns the Source in use, or nil.
func (s *Session) Current() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// Use shuts down the current Source and makes src current. The new Source is
// initialized on its first fetch.
func (s *Session) Use(ctx context.Context, src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.src != nil && s.src != src {
		if err := s.src.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.src = src
	s.ready = false
	return nil
}

// Init initializes the current Source if needed.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked(ctx)
}

func (s *Session) initLocked(ctx context.Context) error {
	if s.src == nil {
		return issue.New(issue.KindResource, "init media", "", ErrNoMedia)
	}
	if s.ready {
		return nil
	}
	if err := s.src.Init(ctx); err != nil {
		return err
	}
	s.ready = true
	return nil
}

// Fetch opens file on the current Source, initializing it first if needed.
func (s *Session) Fetch(ctx context.Context, file string, probe bool) (io.ReadCloser, error) {
	s.mu.Lock()
	if err := s.initLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	src := s.src
	s.mu.Unlock()

	rc, err := src.Fetch(ctx, file, probe)
	if err != nil && probe && issue.IsNotFound(err) {
		slog.Debug("probe miss", "media", src.Name(), "file", file)
	}
	return rc, err
}

// Shutdown releases the current Source. It is safe to call repeatedly.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.src == nil {
		return nil
	}
	s.ready = false
	return s.src.Shutdown(ctx)
}

// candidates lists where file may live beneath a media root, in lookup order.
func candidates(release, file string) []string {
	file = path.Clean("/" + file)[1:]
	list := []string{file, path.Join("dists", file)}
	if release != "" {
		list = append(list, path.Join(release, file), path.Join(release, "dists", file))
	}
	return list
}
