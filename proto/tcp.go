/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package proto

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
)

// keepaliveIdle is how long the connection may sit idle before probing starts.
const keepaliveIdle = 2 * time.Second

// keepaliveInterval is the spacing between keepalive probes.
const keepaliveInterval = 2 * time.Second

// keepaliveCount is the number of unanswered probes before the peer is
// declared dead (10 probes * 2s interval + 2s idle ~= 22s).
const keepaliveCount = 10

// TCPConn is the real-socket Conn implementation used by the controller and director.
type TCPConn struct {
	conn *net.TCPConn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewTCPConn wraps an established TCP connection.
func NewTCPConn(conn *net.TCPConn) *TCPConn {
	return &TCPConn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Dial connects to addr and wraps the resulting socket.
func Dial(addr string) (*TCPConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("proto: dial %s did not return a TCP connection", addr)
	}
	return NewTCPConn(tcpConn), nil
}

// SendLine implements Conn.
func (c *TCPConn) SendLine(s string) error { return writeLine(c.w, s) }

// RecvLine implements Conn.
func (c *TCPConn) RecvLine() (string, error) { return readLine(c.r) }

// SendFile implements Conn.
func (c *TCPConn) SendFile(r io.Reader) error { return sendFile(c.w, r) }

// RecvFile implements Conn.
func (c *TCPConn) RecvFile(w io.Writer) error { return recvFile(c.r, w) }

// Close implements Conn.
func (c *TCPConn) Close() error { return c.conn.Close() }

// EnableKeepalive turns on OS-level TCP keepalive with the tuning spec.md
// §4.1 requires. net.TCPConn exposes idle period directly; the interval
// and probe count need golang.org/x/sys/unix on platforms that support it,
// so failures there are logged by the caller but not fatal.
func (c *TCPConn) EnableKeepalive() error {
	if err := c.conn.SetKeepAlive(true); err != nil {
		return err
	}
	if err := c.conn.SetKeepAlivePeriod(keepaliveIdle); err != nil {
		return err
	}
	return setKeepaliveProbes(c.conn, keepaliveInterval, keepaliveCount)
}

// RemoteAddr returns the peer address, mainly for logging.
func (c *TCPConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RecvFileAtomic receives a framed file transfer from conn into a temp
// file in dir and renames it to name on success, per spec.md §4.1's
// atomic-rename requirement. Any error leaves no partial file behind.
// It is a free function (not a Conn method) so it works over any
// transport, real or in-memory.
func RecvFileAtomic(conn Conn, dir, name string) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := conn.RecvFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}
