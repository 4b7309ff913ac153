package common

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oxtoacart/bpool"
)

// Frames larger than this indicate a corrupt or desynchronized stream,
// not a legitimate driver message.
const pipeMaxFrameSize = 256 << 20

const pipeReadBufferSize = 1 << 16

// Transport moves discrete message frames between the client and the
// driver process. Implementations must preserve write order and never
// deliver a partial frame.
type Transport interface {
	// Send writes one complete message frame. It fails with
	// ErrTransportClosed once the underlying stream is closed.
	Send(msg []byte) error

	// Recv blocks for the next complete frame, in driver write order.
	// It must only be called from the connection's read loop. After
	// the stream closes or breaks it returns a terminal error; every
	// subsequent call fails with ErrTransportClosed.
	Recv() ([]byte, error)

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// pipeTransport frames messages over a duplex byte stream to the
// driver process, usually its stdio pipes: a 4-byte little-endian
// length prefix followed by the JSON body.
type pipeTransport struct {
	r    *bufio.Reader
	w    io.Writer
	pool *bpool.BufferPool

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	// closers are the optional io.Closer halves of the stream.
	closers []io.Closer
}

// NewPipeTransport returns a Transport over the given stream halves.
// If either half implements io.Closer it is closed by Close.
func NewPipeTransport(r io.Reader, w io.Writer) Transport {
	t := &pipeTransport{
		r:    bufio.NewReaderSize(r, pipeReadBufferSize),
		w:    w,
		pool: bpool.NewBufferPool(4),
		done: make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := w.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	return t
}

func (t *pipeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *pipeTransport) Send(msg []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	// Assemble prefix and body into a single buffer so the frame hits
	// the pipe in one write.
	buf := t.pool.Get()
	defer t.pool.Put(buf)

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(msg)))
	buf.Write(prefix[:])
	buf.Write(msg)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *pipeTransport) Recv() ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	var prefix [4]byte
	if _, err := io.ReadFull(t.r, prefix[:]); err != nil {
		return nil, t.terminalError(err)
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length > pipeMaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit of %d bytes", length, pipeMaxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, t.terminalError(err)
	}
	return buf, nil
}

// terminalError maps stream closure onto ErrTransportClosed while
// keeping genuine I/O failures intact.
func (t *pipeTransport) terminalError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || t.isClosed() {
		return ErrTransportClosed
	}
	return fmt.Errorf("reading frame: %w", err)
}

func (t *pipeTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		for _, c := range t.closers {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
