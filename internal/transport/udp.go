package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// MaxDatagramSize is the largest UDP datagram this transport will read in
// one call; it must be at least HeaderLen plus the largest MTU a caller
// configures.
const MaxDatagramSize = 65535

// UDP wraps a bound net.UDPConn as a Datagram transport, following the
// listen/read/write pattern the teacher's server used directly on
// net.UDPConn.
type UDP struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenUDP binds a UDP socket on addr (host:port, host may be empty to
// bind all interfaces).
func ListenUDP(addr string) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: resolve local address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: bind UDP socket")
	}
	return &UDP{conn: conn, buf: make([]byte, MaxDatagramSize)}, nil
}

// DialUDP binds a UDP socket and fixes its peer address, mirroring the
// sender's single-peer usage.
func DialUDP(localAddr, remoteAddr string) (*UDP, net.Addr, error) {
	u, err := ListenUDP(localAddr)
	if err != nil {
		return nil, nil, err
	}
	peer, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		u.Close()
		return nil, nil, errors.Wrap(err, "transport: resolve remote address")
	}
	return u, peer, nil
}

func (u *UDP) SendTo(b []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return errors.Errorf("transport: not a UDP address: %T", addr)
	}
	_, err := u.conn.WriteToUDP(b, udpAddr)
	if err != nil && !isClosedErr(err) {
		return errors.Wrap(err, "transport: send")
	}
	return nil
}

func (u *UDP) RecvFrom() ([]byte, net.Addr, error) {
	n, addr, err := u.conn.ReadFromUDP(u.buf)
	if err != nil {
		if isClosedErr(err) {
			return nil, nil, err
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, err
		}
		return nil, nil, errors.Wrap(err, "transport: receive")
	}
	out := make([]byte, n)
	copy(out, u.buf[:n])
	return out, addr, nil
}

func (u *UDP) SetReadDeadline(t time.Time) error {
	return u.conn.SetReadDeadline(t)
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) Close() error {
	return u.conn.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
