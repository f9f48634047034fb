/*
NAME
  socket.go

DESCRIPTION
  socket.go sets up the receiver's inbound UDP socket: a unicast bind,
  or a multicast group join, with a generous receive buffer and a
  deadline-bounded read used to implement the poll-with-timeout receive
  loop of spec §4.4.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package receiver

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// defaultRecvBuf is the default socket receive buffer size, chosen to
// absorb a network-latency-scale burst before the kernel starts
// dropping datagrams.
const defaultRecvBuf = 600 * 1024

// recvSocket wraps the inbound connection, joining a multicast group
// when RecvAddr names one.
type recvSocket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn // non-nil only when a multicast group was joined.
}

// newRecvSocket binds a UDP socket to ifaceAddr:port (or all interfaces
// if ifaceAddr is empty), joining the recvAddr multicast group if one is
// given.
func newRecvSocket(recvAddr string, port int, ifaceAddr string) (*recvSocket, error) {
	laddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ifaceAddr, port))
	if err != nil {
		return nil, fmt.Errorf("could not resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("could not bind: %w", err)
	}
	if err := setRecvBuffer(conn, defaultRecvBuf); err != nil {
		conn.Close()
		return nil, err
	}

	s := &recvSocket{conn: conn}
	if recvAddr != "" && net.ParseIP(recvAddr).IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		group := &net.UDPAddr{IP: net.ParseIP(recvAddr)}
		iface, _ := interfaceForAddr(ifaceAddr)
		if err := pc.JoinGroup(iface, group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("could not join multicast group: %w", err)
		}
		s.pc = pc
	}
	return s, nil
}

// interfaceForAddr finds the local network interface owning ifaceAddr,
// or nil (letting the kernel choose) if ifaceAddr is empty or unmatched.
func interfaceForAddr(ifaceAddr string) (*net.Interface, error) {
	if ifaceAddr == "" {
		return nil, nil
	}
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

// ReadDeadline reads one packet into buf, bounding the wait to deadline
// so the caller can periodically check for a stop request.
func (s *recvSocket) ReadDeadline(buf []byte, deadline time.Time) (int, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return s.conn.Read(buf)
}

// Close closes the underlying connection.
func (s *recvSocket) Close() error {
	return s.conn.Close()
}

// setRecvBuffer sizes the socket's receive buffer via SO_RCVBUF.
func setRecvBuffer(conn *net.UDPConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("could not get raw conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}
