// Package tcp implements the transport.Adapter used when federates, cores,
// and a broker run as separate processes, optionally on separate hosts
// (spec.md §6). Connections are accepted through
// golang.org/x/net/netutil.LimitListener so a misbehaving or hostile peer
// cannot exhaust file descriptors by opening unbounded connections.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/tenzoki/agen/coresim/internal/coreerr"
)

const maxFrameSize = 64 << 20

// Adapter is a TCP-backed transport.Adapter: it accepts inbound
// connections on one listening address and lazily dials outbound
// connections to destinations as Send needs them, multiplexing every
// inbound frame (from any peer) into one Recv stream.
type Adapter struct {
	listener net.Listener
	inbox    chan []byte
	errs     chan error

	mu    sync.Mutex
	conns map[string]net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// Listen opens addr and returns an Adapter accepting up to maxConns
// simultaneous inbound connections.
func Listen(addr string, maxConns int) (*Adapter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &coreerr.TransportError{Adapter: "tcp", Op: "listen", Err: err}
	}
	limited := netutil.LimitListener(ln, maxConns)
	a := &Adapter{
		listener: limited,
		inbox:    make(chan []byte, 256),
		errs:     make(chan error, 1),
		conns:    make(map[string]net.Conn),
		done:     make(chan struct{}),
	}
	go a.acceptLoop()
	return a, nil
}

func (a *Adapter) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.done:
			default:
				a.errs <- err
			}
			return
		}
		go a.readLoop(conn)
	}
}

func (a *Adapter) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		select {
		case a.inbox <- frame:
		case <-a.done:
			return
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("tcp: frame of %d bytes exceeds maximum %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func (a *Adapter) dial(dest string) (net.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[dest]; ok {
		return conn, nil
	}
	conn, err := net.Dial("tcp", dest)
	if err != nil {
		return nil, err
	}
	a.conns[dest] = conn
	go a.readLoop(conn)
	return conn, nil
}

// Send writes frame, length-prefixed, to dest, dialing a new connection on
// first use and reusing it thereafter.
func (a *Adapter) Send(ctx context.Context, dest string, frame []byte) error {
	conn, err := a.dial(dest)
	if err != nil {
		return &coreerr.TransportError{Adapter: "tcp", Op: "dial " + dest, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := writeFrame(conn, frame); err != nil {
		a.mu.Lock()
		delete(a.conns, dest)
		a.mu.Unlock()
		return &coreerr.TransportError{Adapter: "tcp", Op: "send " + dest, Err: err}
	}
	return nil
}

// Recv returns the next frame received from any peer.
func (a *Adapter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-a.inbox:
		return frame, nil
	case err := <-a.errs:
		return nil, &coreerr.TransportError{Adapter: "tcp", Op: "accept", Err: err}
	case <-a.done:
		return nil, &coreerr.TransportError{Adapter: "tcp", Op: "recv", Err: fmt.Errorf("adapter closed")}
	case <-ctx.Done():
		return nil, &coreerr.TransportError{Adapter: "tcp", Op: "recv", Err: ctx.Err()}
	}
}

// Close shuts down the listener and every outbound connection.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.listener.Close()
		a.mu.Lock()
		for _, c := range a.conns {
			c.Close()
		}
		a.mu.Unlock()
	})
	return nil
}

// Addr returns the adapter's listening address.
func (a *Adapter) Addr() net.Addr { return a.listener.Addr() }
