// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"io"
	"sync"
)

const pipeBuffer = 256

// Pipe returns two connected in-memory Conns. Closing either end
// closes both. Frames written before the close are still delivered.
func Pipe() (Conn, Conn) {
	aToB := make(chan Frame, pipeBuffer)
	bToA := make(chan Frame, pipeBuffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeConn{in: bToA, out: aToB, state: shared},
		&pipeConn{in: aToB, out: bToA, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in    <-chan Frame
	out   chan<- Frame
	state *pipeState
}

func (p *pipeConn) ReadFrame() (Frame, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return Frame{}, io.EOF
		}
	}
}

func (p *pipeConn) WriteFrame(frame Frame) error {
	select {
	case <-p.state.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.state.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
