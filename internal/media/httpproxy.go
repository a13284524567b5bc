// SPDX-License-Identifier: MPL-2.0

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sysinst/sysinst/internal/issue"
)

const (
	// maxHeaderBytes bounds the response header scan.
	maxHeaderBytes = 16 << 10
	// squidBinarySuffix asks Squid for an image-mode FTP transfer.
	squidBinarySuffix = ";type=i"
)

var errHeaderTooLarge = errors.New("response header too large")

// HTTPProxy fetches files by asking an HTTP proxy for absolute URLs beneath
// BaseURL, usually an ftp:// mirror. Each request uses a fresh connection.
type HTTPProxy struct {
	// Proxy is host:port.
	Proxy   string
	BaseURL string
	Timeout time.Duration

	base        *url.URL
	squid       bool
	initialized bool
}

// Name implements Source.
func (h *HTTPProxy) Name() string { return "http" }

// Init checks that the proxy serves BaseURL and learns what kind of proxy it is.
func (h *HTTPProxy) Init(ctx context.Context) error {
	if h.initialized {
		return nil
	}
	if h.Proxy == "" {
		return issue.New(issue.KindResource, "init http", "", errors.New("no proxy configured"))
	}
	base, err := url.Parse(strings.TrimSuffix(h.BaseURL, "/") + "/")
	if err != nil {
		return issue.New(issue.KindResource, "init http", h.BaseURL, err)
	}
	if base.Host == "" {
		return issue.New(issue.KindResource, "init http", h.BaseURL, errors.New("base URL has no host"))
	}
	h.base = base

	body, err := h.get(ctx, "")
	if err != nil {
		return err
	}
	_ = body.Close()

	h.initialized = true
	return nil
}

// Fetch requests BaseURL/file through the proxy.
func (h *HTTPProxy) Fetch(ctx context.Context, file string, _ bool) (io.ReadCloser, error) {
	if err := h.Init(ctx); err != nil {
		return nil, err
	}
	return h.get(ctx, file)
}

// get sends one GET and returns the connection positioned at the body.
func (h *HTTPProxy) get(ctx context.Context, file string) (io.ReadCloser, error) {
	target := h.base.String() + strings.TrimPrefix(file, "/")
	if h.squid {
		target += squidBinarySuffix
	}

	d := net.Dialer{Timeout: h.Timeout}
	conn, err := d.DialContext(ctx, "tcp", h.Proxy)
	if err != nil {
		return nil, issue.New(issue.KindTransient, "connect", h.Proxy, err)
	}
	if h.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(h.Timeout))
	}

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nUser-Agent: sysinst\r\n\r\n", target, h.base.Host)
	if _, err := io.WriteString(conn, req); err != nil {
		_ = conn.Close()
		return nil, issue.New(issue.KindTransient, "send request", target, err)
	}

	header, err := readHeader(conn)
	if err != nil {
		_ = conn.Close()
		return nil, issue.New(issue.KindProtocol, "read response", target, err)
	}

	status, code, err := h.inspect(header)
	if err != nil {
		_ = conn.Close()
		return nil, issue.New(issue.KindProtocol, "read response", target, err)
	}

	switch code {
	case 200:
		_ = conn.SetDeadline(time.Time{})
		return conn, nil
	case 404:
		_ = conn.Close()
		return nil, issue.NotFound("fetch", file)
	default:
		_ = conn.Close()
		return nil, issue.New(issue.KindProtocol, "fetch", target, errors.New(status))
	}
}

// readHeader reads one byte at a time up to and including the blank line so
// that nothing of the body is consumed.
func readHeader(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		buf.WriteByte(b[0])
		if bytes.HasSuffix(buf.Bytes(), []byte("\r\n\r\n")) {
			return buf.Bytes(), nil
		}
		if buf.Len() > maxHeaderBytes {
			return nil, errHeaderTooLarge
		}
	}
}

// inspect parses the status line and notes a Squid Server header.
func (h *HTTPProxy) inspect(header []byte) (string, int, error) {
	lines := strings.Split(strings.TrimRight(string(header), "\r\n"), "\r\n")
	status := lines[0]

	fields := strings.Fields(status)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return status, 0, fmt.Errorf("malformed status line %q", status)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return status, 0, fmt.Errorf("malformed status line %q", status)
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Server") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "squid") && !h.squid {
			slog.Debug("squid proxy detected, requesting binary transfers", "proxy", h.Proxy)
			h.squid = true
		}
	}
	return status, code, nil
}

// Shutdown forgets the proxy state.
func (h *HTTPProxy) Shutdown(_ context.Context) error {
	h.initialized = false
	h.squid = false
	return nil
}
