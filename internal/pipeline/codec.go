// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/sysinst/sysinst/internal/issue"

	"github.com/klauspost/compress/gzip"
)

// Codec unpacks gzip-compressed tar streams in-process. Every entry is
// confined to the pipeline root through os.Root.
type Codec struct{}

type codecPipeline struct {
	dir  string
	pw   *io.PipeWriter
	done chan error

	once   sync.Once
	status error
}

// Start opens dir and begins consuming the stream in a goroutine.
func (Codec) Start(ctx context.Context, dir string) (Pipeline, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, issue.New(issue.KindResource, "open target", dir, err)
	}

	pr, pw := io.Pipe()
	p := &codecPipeline{dir: dir, pw: pw, done: make(chan error, 1)}

	go func() {
		defer func() { _ = root.Close() }()
		err := unpack(ctx, pr, root)
		if err == nil {
			// Trailing padding still has to be consumed or the writer blocks.
			_, err = io.Copy(io.Discard, pr)
		}
		_ = pr.CloseWithError(err)
		p.done <- err
	}()

	return p, nil
}

func (p *codecPipeline) Write(b []byte) (int, error) {
	n, err := p.pw.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, issue.New(issue.KindIO, "write pipeline", p.dir, err)
	}
	return n, nil
}

func (p *codecPipeline) Close() error {
	p.once.Do(func() {
		_ = p.pw.Close()
		if err := <-p.done; err != nil {
			p.status = issue.New(issue.KindIO, "unpack", p.dir, err)
		}
	})
	return p.status
}

func (p *codecPipeline) Abort() {
	p.once.Do(func() {
		_ = p.pw.CloseWithError(ErrAborted)
		<-p.done
		p.status = ErrAborted
	})
}

func unpack(ctx context.Context, r io.Reader, root *os.Root) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		if err := writeEntry(root, name, hdr, tr); err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
	}
}

// entryName cleans an archive path and rejects absolute or escaping names.
// The archive root itself maps to "".
func entryName(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." {
		return "", nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes the target directory", name)
	}
	return clean, nil
}

func writeEntry(root *os.Root, name string, hdr *tar.Header, r io.Reader) error {
	mode := fs.FileMode(hdr.Mode).Perm()

	if dir := path.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := root.MkdirAll(name, 0o755); err != nil {
			return err
		}
		return root.Chmod(name, mode|0o700)

	case tar.TypeReg:
		// Replace rather than write through an existing file or link.
		if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()

	case tar.TypeSymlink:
		if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return root.Symlink(hdr.Linkname, name)

	case tar.TypeLink:
		target, err := entryName(hdr.Linkname)
		if err != nil {
			return err
		}
		if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return root.Link(target, name)

	default:
		slog.Debug("skipping unsupported archive entry", "name", name, "type", string(hdr.Typeflag))
		return nil
	}
}
