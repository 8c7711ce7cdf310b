// Copyright (c) 2021 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package socket wraps the raw socket option syscalls the reactor needs:
// building a listening/connecting fd by hand (so it can be registered with
// the poller directly) and tuning buffer sizes, keep-alive, linger and
// Nagle behavior on it.
package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Option bundles one socket-option setter with the value to apply; TCPSocket
// applies a variadic list of these right after the fd is created.
type Option struct {
	SetSockOpt func(fd, opt int) error
	Opt        int
}

// SetNoDelay toggles TCP_NODELAY (Nagle's algorithm).
func SetNoDelay(fd, v int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// SetReuseAddr toggles SO_REUSEADDR.
func SetReuseAddr(fd, v int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v))
}

// SetRecvBuffer sets SO_RCVBUF.
func SetRecvBuffer(fd, bytes int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes))
}

// SetSendBuffer sets SO_SNDBUF.
func SetSendBuffer(fd, bytes int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes))
}

// SetLinger sets SO_LINGER with the given number of seconds; a negative
// value disables linger entirely.
func SetLinger(fd, sec int) error {
	var l unix.Linger
	if sec >= 0 {
		l.Onoff = 1
		l.Linger = int32(sec)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l))
}

// SetKeepAlivePeriod enables SO_KEEPALIVE and tunes TCP_KEEPIDLE/TCP_KEEPINTVL
// to the given number of seconds.
func SetKeepAlivePeriod(fd, secs int) error {
	if secs <= 0 {
		return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 0))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs))
}

// SetNonblock puts fd into non-blocking mode, required before registering it
// with the poller.
func SetNonblock(fd int) error {
	return os.NewSyscallError("setnonblock", unix.SetNonblock(fd, true))
}

// TCPSocket builds a raw TCP socket fd bound (and, if passive, listening)
// to address, applying opts in order right after creation.
func TCPSocket(network, address string, passive bool, opts ...Option) (int, net.Addr, error) {
	var domain int
	switch network {
	case "tcp", "tcp4":
		domain = unix.AF_INET
	case "tcp6":
		domain = unix.AF_INET6
	default:
		domain = unix.AF_INET
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}

	for _, opt := range opts {
		if err := opt.SetSockOpt(fd, opt.Opt); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}

	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	sa, err := tcpAddrToSockaddr(domain, tcpAddr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("bind", err)
	}

	if passive {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("listen", err)
		}
	}

	if err := SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	boundSA, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("getsockname", err)
	}
	return fd, SockaddrToTCPOrUnixAddr(boundSA), nil
}

// ConnectTCPSocket builds a non-blocking outbound TCP socket and issues a
// connect; callers must poll for writability to learn the result.
func ConnectTCPSocket(network, address string, opts ...Option) (int, net.Addr, error) {
	var domain int
	switch network {
	case "tcp", "tcp4":
		domain = unix.AF_INET
	case "tcp6":
		domain = unix.AF_INET6
	default:
		domain = unix.AF_INET
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}
	for _, opt := range opts {
		if err := opt.SetSockOpt(fd, opt.Opt); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}
	if err := SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	sa, err := tcpAddrToSockaddr(domain, tcpAddr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("connect", err)
	}
	return fd, tcpAddr, nil
}

func tcpAddrToSockaddr(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		var sa unix.SockaddrInet6
		sa.Port = addr.Port
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return &sa, nil
	}
	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To4())
	}
	return &sa, nil
}

// SockaddrToTCPOrUnixAddr converts a raw syscall sockaddr into a *net.TCPAddr.
func SockaddrToTCPOrUnixAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port, Zone: zoneName(v.ZoneId)}
	default:
		return nil
	}
}

func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(int(id))
	if err != nil {
		return ""
	}
	return iface.Name
}
