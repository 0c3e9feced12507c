// Package sender implements the sender-side protocol engine: the
// handshake/data/teardown state machine, the sliding send window, the
// unacked-packet store, fast retransmit, and the timeout-driven
// retransmission controller.
//
// Shared sender state (base, next_seq, the unacked store, the RTT
// estimator, the duplicate-ACK counter) is protected by a single mutex,
// generalized from the teacher's Session.Mu/pendingMu split: one lock
// here covers everything, since this protocol has a single peer and a
// single outstanding window, not RakNet's many-session map.
package sender

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ruftp/internal/clock"
	"ruftp/internal/trace"
	"ruftp/internal/transport"
	"ruftp/internal/wire"
)

// State is the sender's connection state.
type State int

const (
	StateInit State = iota
	StateSynSent
	StateEstablished
	StateFinSent
	StateClosed
	StateFailed
)

// maxRetries is the number of retransmission attempts for a single
// sequence before the connection is declared failed.
const maxRetries = 16

// retransmitScanInterval bounds how often the timer task re-scans the
// unacked store for expired deadlines. It collapses the "single
// monotonic heap of deadlines" the design notes describe into a bounded
// periodic scan, which is simpler to reason about at this window scale
// and still only ever fires at most once per interval per packet.
const retransmitScanInterval = 10 * time.Millisecond

// pending is one entry in the unacked store.
type pending struct {
	payload       []byte
	length        int // 1 for SYN/FIN control entries, len(payload) for data
	syn           bool
	fin           bool
	lastSend      time.Time
	rtoAtSend     time.Duration
	retries       int
	retransmitted bool // Karn's rule: suppress RTT sample if ever retransmitted
}

// Stats mirrors the sender-side counters spec.md §4.5 requires at
// termination.
type Stats struct {
	BytesSent       uint64
	PacketsSent     uint64
	Retransmissions uint64
	DuplicateAcks   uint64
}

// Engine drives one sender-side connection.
type Engine struct {
	conn transport.Datagram
	peer net.Addr
	clk  clock.Clock
	mtu  int
	window int
	tr   *trace.Formatter

	mu           sync.Mutex
	cond         *sync.Cond
	state        State
	base         uint32
	nextSeq      uint32
	peerNextSeq  uint32
	lastAckValue uint32
	haveLastAck  bool
	dupAckCount  int
	unacked      map[uint32]*pending
	estimator    *clock.Estimator
	peerFinSeq   uint32
	havePeerFin  bool
	failErr      error

	stats Stats
}

// New builds a sender Engine. conn must already be connected (or at
// least default-addressed) to peer.
func New(conn transport.Datagram, peer net.Addr, clk clock.Clock, mtu, window int, tr *trace.Formatter) *Engine {
	e := &Engine{
		conn:      conn,
		peer:      peer,
		clk:       clk,
		mtu:       mtu,
		window:    window,
		tr:        tr,
		unacked:   make(map[uint32]*pending),
		estimator: clock.NewEstimator(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Stats returns a snapshot of the termination counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run drives the full connection lifecycle: handshake, transferring r to
// completion under window control, then teardown. It returns once the
// connection is cleanly closed, the retry budget for some sequence is
// exhausted, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, r io.Reader) error {
	recvDone := make(chan struct{})
	timerDone := make(chan struct{})

	go func() {
		defer close(recvDone)
		e.receiveLoop(ctx)
	}()
	go func() {
		defer close(timerDone)
		e.timerLoop(ctx)
	}()
	// cond.Wait has no notion of a context; a cancelled ctx must still
	// wake anything parked in handshake/sendChunk/teardown's wait loops,
	// which otherwise only wake on a state change driven by receiveLoop
	// or the timer.
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-recvDone:
		}
	}()

	if err := e.handshake(ctx); err != nil {
		e.conn.Close()
		<-recvDone
		<-timerDone
		return err
	}

	if err := e.produce(ctx, r); err != nil {
		e.conn.Close()
		<-recvDone
		<-timerDone
		return err
	}

	err := e.teardown(ctx)
	e.conn.Close()
	<-recvDone
	<-timerDone
	return err
}

func (e *Engine) now() time.Time {
	return time.Unix(0, e.clk.Now())
}

func (e *Engine) send(p wire.Packet) error {
	data := wire.Encode(p)
	if err := e.conn.SendTo(data, e.peer); err != nil {
		return errors.Wrap(err, "sender: transport send")
	}
	e.mu.Lock()
	e.stats.PacketsSent++
	e.stats.BytesSent += uint64(p.Len())
	e.mu.Unlock()
	e.tr.Event(trace.DirSend, p.SYN, p.FIN, p.ACK, p.Len() > 0, p.Sequence, p.Len(), p.Ack)
	return nil
}

// handshake performs the three-way handshake: send SYN, wait for
// SYN+ACK (delivered asynchronously by receiveLoop), send the plain ACK
// that completes it.
func (e *Engine) handshake(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateSynSent
	e.unacked[0] = &pending{syn: true, length: 1, lastSend: e.now(), rtoAtSend: e.estimator.RTO()}
	e.mu.Unlock()

	if err := e.send(wire.Packet{Sequence: 0, Ack: 0, Timestamp: uint64(e.clk.Now()), SYN: true}); err != nil {
		return err
	}

	for {
		e.mu.Lock()
		for e.state == StateSynSent && e.failErr == nil && ctx.Err() == nil {
			e.cond.Wait()
		}
		state, failErr := e.state, e.failErr
		e.mu.Unlock()

		if failErr != nil {
			return failErr
		}
		if state == StateEstablished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// produce reads r in MTU-sized chunks, admitting each chunk to the send
// window before transmitting it.
func (e *Engine) produce(ctx context.Context, r io.Reader) error {
	buf := make([]byte, e.mtu)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := e.sendChunk(ctx, chunk); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "sender: file read")
		}
	}
}

func (e *Engine) sendChunk(ctx context.Context, chunk []byte) error {
	e.mu.Lock()
	for e.nextSeq-e.base >= uint32(e.window*e.mtu) && e.failErr == nil && ctx.Err() == nil {
		e.cond.Wait()
	}
	if e.failErr != nil {
		err := e.failErr
		e.mu.Unlock()
		return err
	}
	if ctx.Err() != nil {
		err := ctx.Err()
		e.mu.Unlock()
		return err
	}
	seq := e.nextSeq
	ack := e.peerNextSeq
	e.nextSeq += uint32(len(chunk))
	e.unacked[seq] = &pending{
		payload:   chunk,
		length:    len(chunk),
		lastSend:  e.now(),
		rtoAtSend: e.estimator.RTO(),
	}
	e.mu.Unlock()

	return e.send(wire.Packet{
		Sequence:  seq,
		Ack:       ack,
		Timestamp: uint64(e.clk.Now()),
		ACK:       true,
		Payload:   chunk,
	})
}

// teardown waits for all data to be acknowledged, sends FIN, and waits
// for the peer's FIN+ACK before sending the final ACK.
func (e *Engine) teardown(ctx context.Context) error {
	e.mu.Lock()
	for e.base != e.nextSeq && e.failErr == nil && ctx.Err() == nil {
		e.cond.Wait()
	}
	if e.failErr != nil {
		err := e.failErr
		e.mu.Unlock()
		return err
	}
	if ctx.Err() != nil {
		err := ctx.Err()
		e.mu.Unlock()
		return err
	}
	finSeq := e.nextSeq
	ack := e.peerNextSeq
	e.nextSeq++
	e.unacked[finSeq] = &pending{fin: true, length: 1, lastSend: e.now(), rtoAtSend: e.estimator.RTO()}
	e.state = StateFinSent
	e.mu.Unlock()

	if err := e.send(wire.Packet{Sequence: finSeq, Ack: ack, Timestamp: uint64(e.clk.Now()), ACK: true, FIN: true}); err != nil {
		return err
	}

	e.mu.Lock()
	for !e.havePeerFin && e.failErr == nil && ctx.Err() == nil {
		e.cond.Wait()
	}
	failErr := e.failErr
	peerFinSeq := e.peerFinSeq
	e.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := e.send(wire.Packet{Sequence: e.nextSeq, Ack: peerFinSeq + 1, Timestamp: uint64(e.clk.Now()), ACK: true}); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
	return nil
}

// receiveLoop is the single network-input task: it decodes incoming
// datagrams and drives handshake completion, ACK processing, fast
// retransmit, and FIN delivery.
func (e *Engine) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// The socket read deadline is a real-transport affordance and must
		// be anchored to wall/monotonic time regardless of which Clock
		// implementation drives the protocol's own RTT timestamps.
		e.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		data, _, err := e.conn.RecvFrom()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		p, err := wire.Decode(data)
		if err != nil {
			// Checksum mismatch: drop silently (spec.md §7).
			continue
		}
		e.tr.Event(trace.DirRecv, p.SYN, p.FIN, p.ACK, p.Len() > 0, p.Sequence, p.Len(), p.Ack)
		e.handleIncoming(p)
	}
}

func (e *Engine) handleIncoming(p wire.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateSynSent {
		if p.SYN && p.ACK {
			e.peerNextSeq = p.Sequence + 1
			e.lastAckValue = e.peerNextSeq
			e.haveLastAck = true
			e.base = 1
			e.nextSeq = 1
			delete(e.unacked, 0)
			e.state = StateEstablished
			// Keyed under the retired SYN's slot (0), not nextSeq: this
			// ACK carries no payload and must not collide with the first
			// data packet's unacked entry at sequence 1.
			e.unacked[0] = &pending{length: 1, lastSend: e.now(), rtoAtSend: e.estimator.RTO()}
			ack := wire.Packet{Sequence: 0, Ack: e.peerNextSeq, Timestamp: uint64(e.clk.Now()), ACK: true}
			go e.sendLocked(ack)
			e.cond.Broadcast()
		}
		return
	}

	// Any datagram from the peer after the handshake confirms it is
	// listening, so the ACK that completed the handshake no longer needs
	// retransmission — there is no ACK-of-ACK to retire it otherwise.
	delete(e.unacked, 0)

	if p.FIN {
		e.peerFinSeq = p.Sequence
		e.havePeerFin = true
	}

	if p.ACK {
		e.processAck(p)
	}

	e.cond.Broadcast()
}

// processAck implements spec.md §4.4's ACK-handling rules. Caller holds
// e.mu.
func (e *Engine) processAck(p wire.Packet) {
	ackValue := p.Ack

	if e.haveLastAck && ackValue == e.lastAckValue {
		e.dupAckCount++
		e.stats.DuplicateAcks++
		if e.dupAckCount == 3 {
			e.fastRetransmit(ackValue)
			e.dupAckCount = 0
		}
		return
	}

	if !e.haveLastAck || seqGT(ackValue, e.lastAckValue) {
		e.dupAckCount = 0

		suppressSample := false
		for seq := e.base; seq != ackValue; {
			entry, ok := e.unacked[seq]
			if !ok {
				break
			}
			if entry.retransmitted {
				suppressSample = true
			}
			seq += uint32(entry.length)
		}
		if !suppressSample {
			sample := time.Duration(uint64(e.clk.Now()) - p.Timestamp)
			if sample >= 0 {
				e.estimator.Observe(sample)
			}
		}

		e.lastAckValue = ackValue
		e.haveLastAck = true

		for e.base != ackValue {
			entry, ok := e.unacked[e.base]
			if !ok {
				break
			}
			length := entry.length
			delete(e.unacked, e.base)
			e.base += uint32(length)
		}
	}
}

// fastRetransmit resends the packet at seq without waiting for its
// timer. Caller holds e.mu.
func (e *Engine) fastRetransmit(seq uint32) {
	entry, ok := e.unacked[seq]
	if !ok {
		return
	}
	entry.retransmitted = true
	entry.lastSend = e.now()
	e.stats.Retransmissions++

	pkt := wire.Packet{
		Sequence:  seq,
		Ack:       e.peerNextSeq,
		Timestamp: uint64(e.clk.Now()),
		ACK:       true,
		FIN:       entry.fin,
		Payload:   entry.payload,
	}
	go e.sendLocked(pkt)
}

// sendLocked sends pkt without holding e.mu; used from contexts that
// already dropped the lock or must not block the caller on I/O.
func (e *Engine) sendLocked(pkt wire.Packet) {
	_ = e.send(pkt)
}

// timerLoop is the retransmission timer task: it periodically scans the
// unacked store for expired deadlines and resends or fails the
// connection.
func (e *Engine) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(retransmitScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if e.state == StateClosed || e.state == StateFailed {
			e.mu.Unlock()
			return
		}
		now := e.now()
		var toResend []resendJob
		for seq, entry := range e.unacked {
			if now.Sub(entry.lastSend) < entry.rtoAtSend {
				continue
			}
			if entry.retries >= maxRetries {
				e.failErr = errors.Errorf("sender: retransmission exhausted for sequence %d after %d retries", seq, entry.retries)
				e.state = StateFailed
				e.cond.Broadcast()
				e.mu.Unlock()
				return
			}
			entry.retries++
			entry.retransmitted = true
			entry.lastSend = now
			entry.rtoAtSend = e.estimator.RTO()
			e.stats.Retransmissions++
			toResend = append(toResend, resendJob{seq: seq, ack: e.peerNextSeq, syn: entry.syn, fin: entry.fin, payload: entry.payload})
		}
		e.mu.Unlock()

		for _, job := range toResend {
			_ = e.send(wire.Packet{
				Sequence:  job.seq,
				Ack:       job.ack,
				Timestamp: uint64(e.clk.Now()),
				SYN:       job.syn,
				FIN:       job.fin,
				ACK:       !job.syn,
				Payload:   job.payload,
			})
		}
	}
}

type resendJob struct {
	seq     uint32
	ack     uint32
	syn     bool
	fin     bool
	payload []byte
}

// seqGT reports whether a is strictly greater than b, treating both as
// plain (non-wrapping) counters — file transfers in this protocol never
// approach 2^32 bytes in one connection.
func seqGT(a, b uint32) bool {
	return a > b
}
