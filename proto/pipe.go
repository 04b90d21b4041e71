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
	"io"
	"net"
)

// PipeConn is an in-memory Conn backed by net.Pipe, for protocol tests that
// don't want a real listening socket. NewPipe returns a connected pair.
type PipeConn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer
}

// NewPipe returns two ends of an in-memory connected pipe.
func NewPipe() (*PipeConn, *PipeConn) {
	a, b := net.Pipe()
	return wrapPipe(a), wrapPipe(b)
}

func wrapPipe(rwc io.ReadWriteCloser) *PipeConn {
	return &PipeConn{rwc: rwc, r: bufio.NewReader(rwc), w: bufio.NewWriter(rwc)}
}

// SendLine implements Conn.
func (p *PipeConn) SendLine(s string) error { return writeLine(p.w, s) }

// RecvLine implements Conn.
func (p *PipeConn) RecvLine() (string, error) { return readLine(p.r) }

// SendFile implements Conn.
func (p *PipeConn) SendFile(r io.Reader) error { return sendFile(p.w, r) }

// RecvFile implements Conn.
func (p *PipeConn) RecvFile(w io.Writer) error { return recvFile(p.r, w) }

// EnableKeepalive is a no-op for an in-memory pipe; there is no OS socket to tune.
func (p *PipeConn) EnableKeepalive() error { return nil }

// Close implements Conn.
func (p *PipeConn) Close() error { return p.rwc.Close() }
