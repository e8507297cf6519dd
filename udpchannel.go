// Package coap implements the message/exchange engine of a CoAP
// (RFC 7252) client endpoint.
package coap

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

const maxPktLen = 1500

var healthProbe = []byte("RUOK")
var healthReply = []byte("IMOK")

// Channel is the raw UDP transport an Endpoint drives. It wraps a
// *net.UDPConn plus an optional *ipv4.PacketConn for multicast group
// membership, and folds in the RUOK/IMOK health-monitor short-circuit:
// a bare 4-byte "RUOK" datagram is answered with "IMOK" and never
// reaches the CoAP decoder, so an external liveness prober doesn't pay
// for a full parse.
type Channel struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	cfg   Config
}

// ListenUDPChannel binds network/addr (e.g. "udp", ":5683") and returns
// a Channel ready to read and write CoAP datagrams.
func ListenUDPChannel(network, addr string, cfg Config) (*Channel, error) {
	uaddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, wrap(err, "coap: resolve listen address")
	}
	conn, err := net.ListenUDP(network, uaddr)
	if err != nil {
		return nil, wrap(err, "coap: listen")
	}
	return &Channel{conn: conn, cfg: cfg}, nil
}

// JoinMulticast joins the IPv4 multicast group addr (e.g.
// "224.0.1.187:5683", the CoAP all-nodes address) on iface, so
// subsequent ReadFrom calls also receive group traffic. This has no
// DTLS/unicast-only analogue; it is strictly additive capability for
// endpoints that want to observe a multicast resource directory.
func (c *Channel) JoinMulticast(group *net.UDPAddr, iface *net.Interface) error {
	p := ipv4.NewPacketConn(c.conn)
	if err := p.JoinGroup(iface, group); err != nil {
		return wrap(err, "coap: join multicast group")
	}
	c.pconn = p
	return nil
}

// WriteTo marshals and sends m to addr.
func (c *Channel) WriteTo(m Message, addr net.Addr) error {
	d, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.conn.WriteTo(d, addr)
	return wrap(err, "coap: write")
}

// WriteRaw sends already-marshalled bytes, used to retransmit a cached
// Confirmable datagram bit-for-bit.
func (c *Channel) WriteRaw(raw []byte, addr net.Addr) error {
	_, err := c.conn.WriteTo(raw, addr)
	return wrap(err, "coap: write")
}

// ReadFrom reads one datagram. If it is the 4-byte health-monitor probe
// (cfg.HealthMonitor enabled) it is answered in place and ok is false,
// telling the caller's event loop there is no CoAP message to process.
func (c *Channel) ReadFrom(buf []byte, timeout time.Duration) (m Message, addr net.Addr, ok bool, err error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	nr, a, err := c.conn.ReadFrom(buf)
	if err != nil {
		return Message{}, nil, false, err
	}

	if c.cfg.HealthMonitor && nr == 4 && string(buf[:4]) == string(healthProbe) {
		c.conn.WriteTo(healthReply, a)
		return Message{}, a, false, nil
	}

	msg, err := ParseMessage(buf[:nr])
	if err != nil {
		return Message{}, a, false, err
	}
	return msg, a, true, nil
}

// LocalAddr returns the channel's bound local address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close releases the underlying socket.
func (c *Channel) Close() error { return c.conn.Close() }
