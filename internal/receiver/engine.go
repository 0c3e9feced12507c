// Package receiver implements the receiver-side protocol engine: the
// LISTEN/ESTABLISHED/CLOSED state machine, the out-of-order reassembly
// buffer, and cumulative ACK generation. Unlike the sender, the receiver
// needs no locking: a single loop owns the socket, the file, and all
// connection state, mirroring the teacher's single-goroutine
// packet-handling loop.
package receiver

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"ruftp/internal/clock"
	"ruftp/internal/trace"
	"ruftp/internal/transport"
	"ruftp/internal/wire"
)

// State is the receiver's connection state.
type State int

const (
	StateListen State = iota
	StateEstablished
	StateClosed
)

// Stats mirrors the receiver-side counters spec.md §4.5 requires at
// termination.
type Stats struct {
	BytesReceived  uint64
	PacketsRecv    uint64
	OutOfOrder     uint64
	ChecksumErrors uint64
}

// Engine drives one receiver-side connection: it accepts exactly one
// peer (the first valid SYN it sees) and ignores datagrams from any
// other source address thereafter.
type Engine struct {
	conn transport.Datagram
	clk  clock.Clock
	mtu  int
	window int
	tr   *trace.Formatter
	out  io.Writer

	state       State
	peer        net.Addr
	sendSeq     uint32
	expectedSeq uint32
	reassembly  map[uint32][]byte

	stats Stats
}

// New builds a receiver Engine that writes the reassembled stream to
// out.
func New(conn transport.Datagram, clk clock.Clock, mtu, window int, tr *trace.Formatter, out io.Writer) *Engine {
	return &Engine{
		conn:       conn,
		clk:        clk,
		mtu:        mtu,
		window:     window,
		tr:         tr,
		out:        out,
		reassembly: make(map[uint32][]byte),
	}
}

// Stats returns the termination counters.
func (e *Engine) Stats() Stats { return e.stats }

func (e *Engine) send(p wire.Packet) error {
	data := wire.Encode(p)
	if err := e.conn.SendTo(data, e.peer); err != nil {
		return errors.Wrap(err, "receiver: transport send")
	}
	e.tr.Event(trace.DirSend, p.SYN, p.FIN, p.ACK, p.Len() > 0, p.Sequence, p.Len(), p.Ack)
	return nil
}

// Run accepts one connection and drives it to completion, writing the
// reassembled byte stream to the writer given to New. It returns once
// the peer closes the connection or the transport fails.
func (e *Engine) Run() error {
	for {
		e.conn.SetReadDeadline(time.Time{})
		data, addr, err := e.conn.RecvFrom()
		if err != nil {
			return errors.Wrap(err, "receiver: transport recv")
		}

		p, err := wire.Decode(data)
		if err != nil {
			e.stats.ChecksumErrors++
			continue
		}

		switch e.state {
		case StateListen:
			e.handleListen(p, addr)
		case StateEstablished:
			if !sameAddr(addr, e.peer) {
				continue
			}
			e.tr.Event(trace.DirRecv, p.SYN, p.FIN, p.ACK, p.Len() > 0, p.Sequence, p.Len(), p.Ack)
			e.stats.PacketsRecv++
			done, err := e.handleEstablished(p)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case StateClosed:
			return nil
		}
	}
}

// handleListen accepts the first well-formed SYN (ACK clear) as the
// connection's peer and completes the handshake.
func (e *Engine) handleListen(p wire.Packet, addr net.Addr) {
	if !p.SYN || p.ACK {
		return
	}
	e.peer = addr
	e.tr.Event(trace.DirRecv, p.SYN, p.FIN, p.ACK, p.Len() > 0, p.Sequence, p.Len(), p.Ack)
	e.stats.PacketsRecv++

	ackOf := p.Sequence + 1
	seq := e.sendSeq
	e.sendSeq++
	_ = e.send(wire.Packet{
		Sequence:  seq,
		Ack:       ackOf,
		Timestamp: p.Timestamp,
		SYN:       true,
		ACK:       true,
	})

	e.expectedSeq = 1
	e.state = StateEstablished
}

// handleEstablished processes one in-connection datagram, returning true
// once the connection has fully closed.
func (e *Engine) handleEstablished(p wire.Packet) (bool, error) {
	if p.FIN {
		seq := e.sendSeq
		e.sendSeq++
		if err := e.send(wire.Packet{
			Sequence:  seq,
			Ack:       p.Sequence + 1,
			Timestamp: p.Timestamp,
			FIN:       true,
			ACK:       true,
		}); err != nil {
			return false, err
		}
		e.state = StateClosed
		return true, nil
	}

	if p.Len() == 0 {
		// A content-less, non-FIN datagram (e.g. the sender's final
		// handshake ACK) needs no response.
		return false, nil
	}

	if p.Len() > e.mtu {
		// Oversize payload: drop silently, per spec.md §4.3/§7.
		return false, nil
	}

	windowEnd := e.expectedSeq + uint32(e.window*e.mtu)
	if p.Sequence < e.expectedSeq || p.Sequence >= windowEnd {
		err := e.send(wire.Packet{Sequence: e.sendSeq, Ack: e.expectedSeq, Timestamp: p.Timestamp, ACK: true})
		return false, err
	}

	if p.Sequence == e.expectedSeq {
		if err := e.writeChunk(p.Payload); err != nil {
			return false, err
		}
		e.expectedSeq += uint32(p.Len())
		for {
			chunk, ok := e.reassembly[e.expectedSeq]
			if !ok {
				break
			}
			delete(e.reassembly, e.expectedSeq)
			if err := e.writeChunk(chunk); err != nil {
				return false, err
			}
			e.expectedSeq += uint32(len(chunk))
		}
	} else {
		if _, dup := e.reassembly[p.Sequence]; !dup {
			e.reassembly[p.Sequence] = append([]byte(nil), p.Payload...)
			e.stats.OutOfOrder++
		}
	}

	err := e.send(wire.Packet{Sequence: e.sendSeq, Ack: e.expectedSeq, Timestamp: p.Timestamp, ACK: true})
	return false, err
}

func (e *Engine) writeChunk(b []byte) error {
	n, err := e.out.Write(b)
	e.stats.BytesReceived += uint64(n)
	if err != nil {
		return errors.Wrap(err, "receiver: file write")
	}
	return nil
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}
