package sender

import (
	"net"
	"sync"
	"testing"
	"time"

	"ruftp/internal/trace"
	"ruftp/internal/wire"
)

// fakeClock lets tests control the time an Engine observes without
// sleeping.
type fakeClock struct{ n int64 }

func (c *fakeClock) Now() int64 { return c.n }

// fakeConn is a minimal transport.Datagram that records sent datagrams
// instead of touching a real socket, so unit tests can drive Engine's
// locked helper methods without risking a nil-pointer send.
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeConn) SendTo(b []byte, addr net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *fakeConn) RecvFrom() ([]byte, net.Addr, error) { select {} }
func (f *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakeConn) LocalAddr() net.Addr                 { return &net.UDPAddr{} }
func (f *fakeConn) Close() error                        { return nil }

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) sentAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(fc *fakeClock) (*Engine, *fakeConn) {
	conn := &fakeConn{}
	tr := trace.New(discard{})
	e := New(conn, &net.UDPAddr{}, fc, 1400, 8, tr)
	return e, conn
}

func TestEngineStatsZeroValue(t *testing.T) {
	e, _ := newTestEngine(&fakeClock{})
	if s := e.Stats(); s.BytesSent != 0 || s.PacketsSent != 0 {
		t.Fatalf("zero-value Stats should be all zero, got %+v", s)
	}
}

func TestSeqGT(t *testing.T) {
	if !seqGT(5, 3) {
		t.Error("seqGT(5,3) should be true")
	}
	if seqGT(3, 5) {
		t.Error("seqGT(3,5) should be false")
	}
	if seqGT(3, 3) {
		t.Error("seqGT(3,3) should be false")
	}
}

func TestProcessAckAdvancesBaseAndSuppressesKarnsRuleSample(t *testing.T) {
	fc := &fakeClock{n: int64(100 * time.Millisecond)}
	e, _ := newTestEngine(fc)
	e.state = StateEstablished
	e.base = 1
	e.nextSeq = 1
	e.unacked[1] = &pending{payload: []byte("hello"), length: 5, lastSend: e.now(), rtoAtSend: e.estimator.RTO()}
	e.unacked[1].retransmitted = true

	rtoBefore := e.estimator.RTO()
	e.mu.Lock()
	e.processAck(wire.Packet{Ack: 6, Timestamp: uint64(50 * time.Millisecond), ACK: true})
	e.mu.Unlock()

	if e.base != 6 {
		t.Fatalf("base = %d, want 6", e.base)
	}
	if _, ok := e.unacked[1]; ok {
		t.Fatal("entry for seq 1 should have been retired")
	}
	if e.estimator.RTO() != rtoBefore {
		t.Fatalf("RTO changed despite Karn's-rule suppression: before=%v after=%v", rtoBefore, e.estimator.RTO())
	}
}

func TestProcessAckNewSampleUpdatesEstimator(t *testing.T) {
	fc := &fakeClock{n: int64(150 * time.Millisecond)}
	e, _ := newTestEngine(fc)
	e.state = StateEstablished
	e.base = 1
	e.nextSeq = 1
	e.unacked[1] = &pending{payload: []byte("hello"), length: 5, lastSend: e.now(), rtoAtSend: e.estimator.RTO()}

	e.mu.Lock()
	e.processAck(wire.Packet{Ack: 6, Timestamp: uint64(100 * time.Millisecond), ACK: true})
	e.mu.Unlock()

	if e.estimator.RTTEst() != 50*time.Millisecond {
		t.Fatalf("RTTEst = %v, want 50ms", e.estimator.RTTEst())
	}
}

func TestProcessAckDuplicateTriggersFastRetransmitAtThree(t *testing.T) {
	fc := &fakeClock{}
	e, conn := newTestEngine(fc)
	e.state = StateEstablished
	e.base = 1
	e.nextSeq = 6
	e.unacked[1] = &pending{payload: []byte("hello"), length: 5, lastSend: e.now(), rtoAtSend: e.estimator.RTO()}
	e.haveLastAck = true
	e.lastAckValue = 1

	e.mu.Lock()
	e.processAck(wire.Packet{Ack: 1, ACK: true})
	e.processAck(wire.Packet{Ack: 1, ACK: true})
	e.mu.Unlock()
	if e.stats.DuplicateAcks != 2 {
		t.Fatalf("dup acks = %d, want 2", e.stats.DuplicateAcks)
	}
	if e.unacked[1].retransmitted {
		t.Fatal("should not have fast-retransmitted before the third duplicate")
	}

	e.mu.Lock()
	e.processAck(wire.Packet{Ack: 1, ACK: true})
	e.mu.Unlock()
	if e.dupAckCount != 0 {
		t.Fatalf("dupAckCount should reset after fast retransmit, got %d", e.dupAckCount)
	}

	deadline := time.Now().Add(time.Second)
	for conn.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if conn.sentCount() == 0 {
		t.Fatal("fast retransmit should have sent a datagram")
	}
}
