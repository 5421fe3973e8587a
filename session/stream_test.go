package session

import (
	"net"
	"sync"
	"time"
)

type frame struct {
	kind    Kind
	payload []byte
}

// pipeStream is an in-memory Stream. Frames pushed with deliver are returned
// by ReadFrame; written frames are recorded.
type pipeStream struct {
	in      chan frame
	readErr chan error

	mu       sync.Mutex
	written  []frame
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
	// closeGate, when set, holds Close until it is closed
	closeGate chan struct{}
}

func newPipeStream() *pipeStream {
	return &pipeStream{
		in:      make(chan frame, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (p *pipeStream) ReadFrame() (Kind, []byte, error) {
	// queued frames are returned before any injected error
	select {
	case f := <-p.in:
		return f.kind, f.payload, nil
	default:
	}

	select {
	case f := <-p.in:
		return f.kind, f.payload, nil
	case err := <-p.readErr:
		return 0, nil, err
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *pipeStream) WriteFrame(kind Kind, payload []byte) error {
	select {
	case <-p.closed:
		return net.ErrClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.written = append(p.written, frame{kind: kind, payload: append([]byte(nil), payload...)})
	return nil
}

func (p *pipeStream) Close() error {
	if p.closeGate != nil {
		<-p.closeGate
	}
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeStream) deliver(kind Kind, payload string) {
	p.in <- frame{kind: kind, payload: []byte(payload)}
}

func (p *pipeStream) failReads(err error) {
	p.readErr <- err
}

func (p *pipeStream) failWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *pipeStream) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// texts returns the payloads written so far.
func (p *pipeStream) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.written))
	for _, f := range p.written {
		out = append(out, string(f.payload))
	}
	return out
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
