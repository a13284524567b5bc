// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"archive/tar"
	"bytes"
	"slices"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// TarGz returns a gzip'd tar archive holding files, keyed by slash path. Parent
// directories are not added; extractors create them on demand.
func TarGz(t testing.TB, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar body %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Split cuts data into n consecutive pieces whose concatenation is data.
func Split(data []byte, n int) [][]byte {
	if n < 1 {
		n = 1
	}
	size := (len(data) + n - 1) / n
	out := make([][]byte, 0, n)
	for i := range n {
		lo := min(i*size, len(data))
		hi := min(lo+size, len(data))
		out = append(out, data[lo:hi])
	}
	return out
}
