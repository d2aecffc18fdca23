// Copyright 2024 The go-mptcpd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mptcpnl

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// A Token is the opaque 32 bit identifier the kernel assigns to an MPTCP
// connection.  It is unique for the lifetime of the connection and is the
// primary key for all per-connection events.  Zero is never assigned.
type Token uint32

// String returns the kernel log representation of a Token.
func (t Token) String() string {
	return fmt.Sprintf("0x%08x", uint32(t))
}

// An Addr is an IPv4 or IPv6 address paired with an optional transport port.
// The address family is carried explicitly in Family, never inferred from
// the length of IP.  A zero Port means the port is unspecified.
type Addr struct {
	// Family is either unix.AF_INET or unix.AF_INET6.
	Family uint16

	// IP holds the address in network byte order: 4 bytes for AF_INET,
	// 16 bytes for AF_INET6.
	IP net.IP

	// Port is the transport port in host byte order, or zero.
	Port uint16
}

// IPv4Addr returns an AF_INET Addr for ip and port.
func IPv4Addr(ip net.IP, port uint16) Addr {
	return Addr{Family: unix.AF_INET, IP: ip.To4(), Port: port}
}

// IPv6Addr returns an AF_INET6 Addr for ip and port.
func IPv6Addr(ip net.IP, port uint16) Addr {
	return Addr{Family: unix.AF_INET6, IP: ip.To16(), Port: port}
}

// String returns the host:port representation of an Addr.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// bytes returns the wire representation of the address: 4 bytes for an
// AF_INET Addr and 16 bytes for an AF_INET6 Addr.
func (a Addr) bytes() ([]byte, error) {
	switch a.Family {
	case unix.AF_INET:
		ip := a.IP.To4()
		if ip == nil {
			return nil, fmt.Errorf("address %q is not an IPv4 address", a.IP)
		}
		return ip, nil
	case unix.AF_INET6:
		ip := a.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("address %q is not an IPv6 address", a.IP)
		}
		return ip, nil
	default:
		return nil, fmt.Errorf("unknown address family: %d", a.Family)
	}
}

// An AddrInfo describes an MPTCP endpoint known to the kernel, as returned
// by Client.GetAddr and Client.DumpAddrs.
type AddrInfo struct {
	Addr    Addr
	ID      uint8
	Flags   uint32
	IfIndex int32
}

// Limits are the kernel MPTCP path management limits: how many ADD_ADDR
// advertisements to accept and how many additional subflows to create.
type Limits struct {
	RcvAddAddrs uint32
	Subflows    uint32
}
