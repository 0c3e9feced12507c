// Package harness provides an in-memory, loss-injecting pair of
// transport.Datagram endpoints, used by integration tests to exercise
// the sender and receiver engines against the S1-S6 scenarios from
// spec.md §8 without a real socket. It is test-only: nothing outside
// _test.go files imports it.
package harness

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"ruftp/internal/wire"
)

// Addr names one side of a harness link. It satisfies net.Addr so the
// engines can log/compare it like a real socket address.
type Addr string

func (a Addr) Network() string { return "harness" }
func (a Addr) String() string  { return string(a) }

// LossOptions configures the impairments a direction applies to every
// datagram handed to it.
type LossOptions struct {
	// LossRate drops a datagram with this independent probability, in [0,1).
	LossRate float64
	// ReorderPairs swaps every adjacent pair of data-bearing datagrams
	// (S3: "swap every pair of adjacent data packets in transit").
	ReorderPairs bool
	// DropSeq drops a datagram carrying the given wire sequence number;
	// the map value is the remaining number of copies to drop (-1 drops
	// every copy, modelling S6's "silently drop all copies").
	DropSeq map[uint32]int
	// CorruptSeq flips one bit in the first datagram carrying the given
	// sequence number (the first payload byte, or the last header byte of
	// a datagram with no payload), then clears itself for that sequence
	// (S5).
	CorruptSeq map[uint32]bool
}

type direction struct {
	mu       sync.Mutex
	rng      *rand.Rand
	opts     LossOptions
	held     []byte
	haveHeld bool
	dest     *Endpoint
}

func sequenceOf(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(data[0:4])
}

func isDataPacket(data []byte) bool {
	if len(data) < wire.HeaderLen {
		return false
	}
	lenFlags := binary.BigEndian.Uint32(data[16:20])
	return lenFlags>>3 > 0
}

func flipBit(data []byte) []byte {
	out := append([]byte(nil), data...)
	if len(out) > wire.HeaderLen {
		out[wire.HeaderLen] ^= 0x01
	} else if len(out) > 0 {
		out[len(out)-1] ^= 0x01
	}
	return out
}

// deliver applies this direction's impairments to data and, unless
// dropped, hands it to the destination endpoint's inbox.
func (d *direction) deliver(data []byte) {
	d.mu.Lock()

	seq := sequenceOf(data)
	if n, ok := d.opts.DropSeq[seq]; ok && n != 0 {
		if n > 0 {
			d.opts.DropSeq[seq] = n - 1
		}
		d.mu.Unlock()
		return
	}
	if d.opts.LossRate > 0 && d.rng.Float64() < d.opts.LossRate {
		d.mu.Unlock()
		return
	}
	if d.opts.CorruptSeq[seq] {
		delete(d.opts.CorruptSeq, seq)
		data = flipBit(data)
	}

	if d.opts.ReorderPairs && isDataPacket(data) {
		if !d.haveHeld {
			d.held, d.haveHeld = data, true
			d.mu.Unlock()
			return
		}
		first := d.held
		d.held, d.haveHeld = nil, false
		d.mu.Unlock()
		d.dest.push(data)
		d.dest.push(first)
		return
	}

	d.mu.Unlock()
	d.dest.push(data)
}

// Endpoint is one side of a lossy in-memory link; it implements
// transport.Datagram.
type Endpoint struct {
	addr     Addr
	peerAddr Addr
	out      *direction
	inbox    chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	deadline time.Time
}

// NewLossyPair builds two linked endpoints. aToB governs datagrams sent
// by the returned a, bToA governs datagrams sent by b. seed makes loss
// selection deterministic across runs of the same test.
func NewLossyPair(aToB, bToA LossOptions, seed int64) (a, b *Endpoint) {
	a = &Endpoint{addr: "endpoint-a", peerAddr: "endpoint-b", inbox: make(chan []byte, 8192), closed: make(chan struct{})}
	b = &Endpoint{addr: "endpoint-b", peerAddr: "endpoint-a", inbox: make(chan []byte, 8192), closed: make(chan struct{})}
	a.out = &direction{rng: rand.New(rand.NewSource(seed)), opts: aToB, dest: b}
	b.out = &direction{rng: rand.New(rand.NewSource(seed + 1)), opts: bToA, dest: a}
	return a, b
}

func (e *Endpoint) push(data []byte) {
	select {
	case e.inbox <- data:
	case <-e.closed:
	}
}

// SendTo hands b to this endpoint's outgoing direction for impairment
// and delivery; addr is ignored, as a harness pair always has exactly
// one peer.
func (e *Endpoint) SendTo(b []byte, _ net.Addr) error {
	select {
	case <-e.closed:
		return net.ErrClosed
	default:
	}
	e.out.deliver(b)
	return nil
}

func (e *Endpoint) RecvFrom() ([]byte, net.Addr, error) {
	e.mu.Lock()
	dl := e.deadline
	e.mu.Unlock()

	var timeoutC <-chan time.Time
	if !dl.IsZero() {
		timer := time.NewTimer(time.Until(dl))
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case data := <-e.inbox:
		return data, e.peerAddr, nil
	case <-timeoutC:
		return nil, nil, timeoutErr{}
	case <-e.closed:
		return nil, nil, net.ErrClosed
	}
}

func (e *Endpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.deadline = t
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) LocalAddr() net.Addr { return e.addr }

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "harness: read timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
