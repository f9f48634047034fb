/*
NAME
  socket.go

DESCRIPTION
  socket.go sets up the sender's outbound UDP socket: a source-side
  multicast bind and sendto for multicast destinations, or a connected
  socket for unicast, with the send buffer sized per spec §4.3.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sender

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// isMulticast reports whether addr (a dotted-quad or hostname) names a
// multicast group, per the 224.0.0.0/4 range.
func isMulticast(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsMulticast()
}

// socket wraps the outbound connection, abstracting over the
// unicast-connect vs multicast-bind-and-sendto distinction of spec §4.3.
type socket struct {
	conn      *net.UDPConn
	pc        *ipv4.PacketConn // non-nil only for multicast.
	dst       *net.UDPAddr     // destination for multicast sendto.
	multicast bool
}

// newSocket builds the outbound socket for sendAddr:port, optionally
// bound to ifaceAddr for multicast, with a send buffer sized to
// sockBufBytes.
func newSocket(sendAddr string, port int, ifaceAddr string, sockBufBytes int) (*socket, error) {
	if isMulticast(sendAddr) {
		return newMulticastSocket(sendAddr, port, ifaceAddr, sockBufBytes)
	}
	return newUnicastSocket(sendAddr, port, sockBufBytes)
}

// newUnicastSocket connects a UDP socket to addr:port, per spec §4.3.
func newUnicastSocket(addr string, port int, sockBufBytes int) (*socket, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("could not resolve send address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("could not dial udp: %w", err)
	}
	if err := setSendBuffer(conn, sockBufBytes); err != nil {
		conn.Close()
		return nil, err
	}
	return &socket{conn: conn}, nil
}

// newMulticastSocket binds a UDP socket to ifaceAddr and prepares it to
// sendto the multicast group addr:port, per spec §4.3.
func newMulticastSocket(addr string, port int, ifaceAddr string, sockBufBytes int) (*socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:0", ifaceAddr))
	if err != nil {
		return nil, fmt.Errorf("could not resolve interface address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("could not bind to interface: %w", err)
	}
	if err := setSendBuffer(conn, sockBufBytes); err != nil {
		conn.Close()
		return nil, err
	}

	dst, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not resolve multicast destination: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if iface, err := interfaceForAddr(ifaceAddr); err == nil {
		_ = pc.SetMulticastInterface(iface)
	}

	return &socket{conn: conn, pc: pc, dst: dst, multicast: true}, nil
}

// interfaceForAddr finds the local network interface owning ifaceAddr.
func interfaceForAddr(ifaceAddr string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == ifaceAddr {
				return &ifi, nil
			}
		}
	}
	return nil, fmt.Errorf("no interface found for address %s", ifaceAddr)
}

// Write sends buf to the configured destination: sendto for multicast,
// send (via the connected socket) for unicast.
func (s *socket) Write(buf []byte) (int, error) {
	if s.multicast {
		return s.conn.WriteToUDP(buf, s.dst)
	}
	return s.conn.Write(buf)
}

// WriteDeadline bounds the next Write with deadline, emulating the
// poll-based EAGAIN backoff of spec §4.3 step 6: a Write that cannot
// complete before deadline returns a timeout error rather than
// blocking indefinitely.
func (s *socket) WriteDeadline(deadline time.Time) error {
	return s.conn.SetWriteDeadline(deadline)
}

// Close closes the underlying connection.
func (s *socket) Close() error {
	return s.conn.Close()
}

// setSendBuffer sizes the socket's send buffer via SO_SNDBUF, used
// instead of net.UDPConn.SetWriteBuffer so the exact byte target from
// spec §4.3 is honoured rather than rounded by the runtime.
func setSendBuffer(conn *net.UDPConn, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("could not get raw conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}
