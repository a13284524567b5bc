// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ftpFileUnavailable is the only reply code treated as a permanent miss.
const ftpFileUnavailable = 550

var errBadPassiveReply = errors.New("malformed PASV reply")

// ftpConn is one FTP control connection.
type ftpConn struct {
	conn    net.Conn
	text    *textproto.Conn
	timeout time.Duration
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (*ftpConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &ftpConn{conn: conn, text: textproto.NewConn(conn), timeout: timeout}
	c.extendDeadline()
	if _, _, err := c.text.ReadResponse(2); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	return c, nil
}

func (c *ftpConn) extendDeadline() {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// cmd sends one command and reads its reply. expect follows
// textproto.Reader.ReadResponse: 0 accepts any code, 2 any 2xx, 227 exactly 227.
func (c *ftpConn) cmd(expect int, format string, args ...any) (int, string, error) {
	c.extendDeadline()
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	return c.text.ReadResponse(expect)
}

func (c *ftpConn) login(user, password string) error {
	code, msg, err := c.cmd(0, "USER %s", user)
	if err != nil {
		return err
	}
	switch code {
	case 230:
		return nil
	case 331, 332:
		_, _, err = c.cmd(2, "PASS %s", password)
		return err
	default:
		return &textproto.Error{Code: code, Msg: msg}
	}
}

func (c *ftpConn) binary() error {
	_, _, err := c.cmd(2, "TYPE I")
	return err
}

func (c *ftpConn) cwd(dir string) error {
	_, _, err := c.cmd(2, "CWD %s", dir)
	return err
}

// pwd returns the quoted directory of a 257 reply.
func (c *ftpConn) pwd() (string, error) {
	_, msg, err := c.cmd(257, "PWD")
	if err != nil {
		return "", err
	}
	start := strings.IndexByte(msg, '"')
	end := strings.LastIndexByte(msg, '"')
	if start < 0 || end <= start {
		return "", fmt.Errorf("malformed PWD reply %q", msg)
	}
	return strings.ReplaceAll(msg[start+1:end], `""`, `"`), nil
}

// passive opens a data connection announced by PASV. The announced address
// is ignored in favour of the control connection's peer, which keeps working
// behind NAT.
func (c *ftpConn) passive(ctx context.Context) (net.Conn, error) {
	_, msg, err := c.cmd(227, "PASV")
	if err != nil {
		return nil, err
	}
	port, err := parsePassivePort(msg)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: c.timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func parsePassivePort(msg string) (int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if start < 0 || end <= start {
		return 0, fmt.Errorf("%w: %q", errBadPassiveReply, msg)
	}
	fields := strings.Split(msg[start+1:end], ",")
	if len(fields) != 6 {
		return 0, fmt.Errorf("%w: %q", errBadPassiveReply, msg)
	}
	var nums [6]int
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("%w: %q", errBadPassiveReply, msg)
		}
		nums[i] = n
	}
	return nums[4]<<8 | nums[5], nil
}

// active listens on the control connection's local address and announces it
// with PORT.
func (c *ftpConn) active() (*net.TCPListener, error) {
	local, ok := c.conn.LocalAddr().(*net.TCPAddr)
	if !ok || local.IP.To4() == nil {
		return nil, errors.New("active mode needs an IPv4 control connection")
	}
	ip := local.IP.To4()
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: ip})
	if err != nil {
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if _, _, err := c.cmd(2, "PORT %d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// retrieve issues RETR and returns the data stream. Closing the stream reads
// the transfer-complete reply.
func (c *ftpConn) retrieve(ctx context.Context, file string, passive bool) (io.ReadCloser, error) {
	if passive {
		data, err := c.passive(ctx)
		if err != nil {
			return nil, err
		}
		if _, _, err := c.cmd(1, "RETR %s", file); err != nil {
			_ = data.Close()
			return nil, err
		}
		return &ftpStream{ctrl: c, data: data}, nil
	}

	ln, err := c.active()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ln.Close() }()
	if _, _, err := c.cmd(1, "RETR %s", file); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		_ = ln.SetDeadline(time.Now().Add(c.timeout))
	}
	data, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	return &ftpStream{ctrl: c, data: data}, nil
}

func (c *ftpConn) quit() {
	_, _, _ = c.cmd(0, "QUIT")
	_ = c.text.Close()
}

func (c *ftpConn) close() {
	_ = c.text.Close()
}

type ftpStream struct {
	ctrl   *ftpConn
	data   net.Conn
	eof    bool
	closed bool
}

func (s *ftpStream) Read(p []byte) (int, error) {
	s.ctrl.extendDeadline()
	n, err := s.data.Read(p)
	if errors.Is(err, io.EOF) {
		s.eof = true
	}
	return n, err
}

// Close ends the transfer. An early close makes the server abort with 426,
// which is not an error for the caller.
func (s *ftpStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.data.Close()
	s.ctrl.extendDeadline()
	_, _, err := s.ctrl.text.ReadResponse(2)
	if err != nil && s.eof {
		return err
	}
	return nil
}

// isPermanentMiss reports whether err is the 550 reply.
func isPermanentMiss(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code == ftpFileUnavailable
}
