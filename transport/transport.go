// Package transport provides the duplex byte streams an RPC session
// runs over: TCP and unix sockets, the current process's stdio, and
// the stdio of a spawned child process.
package transport

import (
	"fmt"
	"io"
	"net"
	"os"
)

// Transport is a duplex byte stream connecting the runtime to exactly
// one peer. Close releases any underlying resources; for child
// transports it also terminates the child process.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// DialTCP connects to a peer listening on a TCP address.
func DialTCP(addr string) (Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return conn, nil
}

// DialUnix connects to a peer listening on a unix domain socket.
func DialUnix(path string) (Transport, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial unix %s: %w", path, err)
	}
	return conn, nil
}

// Stdio returns a transport over the current process's stdin/stdout.
// This is the transport used when the runtime itself was spawned by
// the editor. Closing it closes stdout but leaves stdin alone so the
// process can still observe EOF from the parent.
func Stdio() Transport {
	return &stdio{in: os.Stdin, out: os.Stdout}
}

type stdio struct {
	in  *os.File
	out *os.File
}

func (s *stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s *stdio) Close() error                { return s.out.Close() }

// Pipe returns two connected in-memory transports. Useful for tests
// and for embedding both ends of a session in one process.
func Pipe() (Transport, Transport) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipe{r: ar, w: aw}, &pipe{r: br, w: bw}
}

type pipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipe) Close() error {
	p.w.Close()
	return p.r.Close()
}
