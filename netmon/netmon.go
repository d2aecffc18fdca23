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

// Package netmon monitors local network interfaces and addresses through
// rtnetlink and notifies a handler about changes relevant to MPTCP path
// management.
package netmon

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// An Interface describes a monitored network interface and the local
// addresses assigned to it.
type Interface struct {
	Index uint32
	Type  uint16
	Flags uint32
	Name  string
	Addrs []net.IP
}

// clone returns a deep copy of the interface for handing out to consumers.
func (i *Interface) clone() *Interface {
	c := &Interface{
		Index: i.Index,
		Type:  i.Type,
		Flags: i.Flags,
		Name:  i.Name,
		Addrs: make([]net.IP, len(i.Addrs)),
	}

	for n, ip := range i.Addrs {
		c.Addrs[n] = append(net.IP(nil), ip...)
	}

	return c
}

// A Handler receives network change notifications.  For one interface, the
// new interface notification precedes any address notification, and every
// address removal precedes the interface removal.
type Handler interface {
	NewInterface(iface *Interface)
	UpdateInterface(iface *Interface)
	DeleteInterface(iface *Interface)
	NewAddress(iface *Interface, addr net.IP)
	DeleteAddress(iface *Interface, addr net.IP)
}

// A Monitor watches local network interfaces and addresses over a routing
// netlink socket.
type Monitor struct {
	c  *rtnetlink.Conn
	ll *slog.Logger

	// mu guards ifaces, which the Serve goroutine mutates and Interfaces
	// snapshots.
	mu     sync.RWMutex
	ifaces map[uint32]*Interface
}

// An Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used by the Monitor.  The default is
// slog.Default.
func WithLogger(ll *slog.Logger) Option {
	return func(m *Monitor) {
		m.ll = ll
	}
}

// New creates a Monitor subscribed to link and IPv4/IPv6 address change
// notifications.
func New(opts ...Option) (*Monitor, error) {
	c, err := rtnetlink.Dial(&netlink.Config{
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	})
	if err != nil {
		return nil, fmt.Errorf("netmon: dial rtnetlink: %w", err)
	}

	return newMonitor(c, opts...), nil
}

// newMonitor is the internal Monitor constructor, used in tests.
func newMonitor(c *rtnetlink.Conn, opts ...Option) *Monitor {
	m := &Monitor{
		c:      c,
		ll:     slog.Default(),
		ifaces: make(map[uint32]*Interface),
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Close closes the Monitor's netlink connection.  A Serve loop in flight
// returns once the socket is closed.
func (m *Monitor) Close() error {
	if m.c == nil {
		return nil
	}

	return m.c.Close()
}

// Interfaces returns a snapshot of the monitored interfaces.
func (m *Monitor) Interfaces() []*Interface {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ifaces := make([]*Interface, 0, len(m.ifaces))
	for _, iface := range m.ifaces {
		ifaces = append(ifaces, iface.clone())
	}

	return ifaces
}

// Serve enumerates the current interfaces and addresses, then receives
// change notifications until the socket is closed.  All handler callbacks
// run on the Serve goroutine.
func (m *Monitor) Serve(h Handler) error {
	if err := m.enumerate(h); err != nil {
		return err
	}

	for {
		msgs, omsgs, err := m.c.Receive()
		if err != nil {
			return fmt.Errorf("netmon: receive: %w", err)
		}

		for i := range msgs {
			m.handle(omsgs[i].Header.Type, msgs[i], h)
		}
	}
}

// enumerate seeds the interface map with the current kernel state.  New
// interface notifications are emitted before any of the interface's
// address notifications.
func (m *Monitor) enumerate(h Handler) error {
	links, err := m.c.Link.List()
	if err != nil {
		return fmt.Errorf("netmon: list links: %w", err)
	}

	for i := range links {
		m.linkChanged(&links[i], h)
	}

	addrs, err := m.c.Address.List()
	if err != nil {
		return fmt.Errorf("netmon: list addresses: %w", err)
	}

	for i := range addrs {
		m.addressAdded(&addrs[i], h)
	}

	return nil
}

// handle dispatches one routing netlink message.
func (m *Monitor) handle(typ netlink.HeaderType, msg rtnetlink.Message, h Handler) {
	switch v := msg.(type) {
	case *rtnetlink.LinkMessage:
		switch typ {
		case unix.RTM_NEWLINK:
			m.linkChanged(v, h)
		case unix.RTM_DELLINK:
			m.linkDeleted(v, h)
		}
	case *rtnetlink.AddressMessage:
		switch typ {
		case unix.RTM_NEWADDR:
			m.addressAdded(v, h)
		case unix.RTM_DELADDR:
			m.addressDeleted(v, h)
		}
	}
}

// monitorable reports whether an interface is usable for MPTCP paths: it
// must be up and must not be a loopback device.
func monitorable(msg *rtnetlink.LinkMessage) bool {
	return msg.Flags&unix.IFF_LOOPBACK == 0 && msg.Flags&unix.IFF_UP != 0
}

func (m *Monitor) linkChanged(msg *rtnetlink.LinkMessage, h Handler) {
	m.mu.Lock()
	iface, ok := m.ifaces[msg.Index]

	if !ok {
		if !monitorable(msg) {
			m.mu.Unlock()
			return
		}

		iface = &Interface{
			Index: msg.Index,
			Type:  msg.Type,
			Flags: msg.Flags,
		}
		if msg.Attributes != nil {
			iface.Name = msg.Attributes.Name
		}
		m.ifaces[msg.Index] = iface

		out := iface.clone()
		m.mu.Unlock()

		m.ll.Debug("new network interface", "index", out.Index, "name", out.Name)
		h.NewInterface(out)
		return
	}

	if !monitorable(msg) {
		// The interface went down or changed into something unusable;
		// retire it and its addresses.
		m.deleteLocked(iface, h)
		return
	}

	iface.Type = msg.Type
	iface.Flags = msg.Flags
	if msg.Attributes != nil && msg.Attributes.Name != "" {
		iface.Name = msg.Attributes.Name
	}

	out := iface.clone()
	m.mu.Unlock()

	h.UpdateInterface(out)
}

func (m *Monitor) linkDeleted(msg *rtnetlink.LinkMessage, h Handler) {
	m.mu.Lock()
	iface, ok := m.ifaces[msg.Index]
	if !ok {
		m.mu.Unlock()
		return
	}

	m.deleteLocked(iface, h)
}

// deleteLocked removes an interface, notifying every address removal before
// the interface removal.  Called with mu held; releases it.
func (m *Monitor) deleteLocked(iface *Interface, h Handler) {
	delete(m.ifaces, iface.Index)
	out := iface.clone()
	m.mu.Unlock()

	m.ll.Debug("network interface removed", "index", out.Index, "name", out.Name)

	for _, ip := range out.Addrs {
		h.DeleteAddress(out, ip)
	}

	h.DeleteInterface(out)
}

// addressIP extracts the local address from an rtnetlink address message.
func addressIP(msg *rtnetlink.AddressMessage) net.IP {
	if msg.Attributes == nil {
		return nil
	}

	if msg.Attributes.Local != nil {
		return msg.Attributes.Local
	}

	return msg.Attributes.Address
}

func (m *Monitor) addressAdded(msg *rtnetlink.AddressMessage, h Handler) {
	ip := addressIP(msg)
	if ip == nil {
		return
	}

	m.mu.Lock()
	iface, ok := m.ifaces[msg.Index]
	if !ok {
		// Address on an interface we do not monitor.
		m.mu.Unlock()
		return
	}

	for _, have := range iface.Addrs {
		if have.Equal(ip) {
			// The kernel resends address messages on flag changes.
			m.mu.Unlock()
			return
		}
	}

	iface.Addrs = append(iface.Addrs, append(net.IP(nil), ip...))
	out := iface.clone()
	m.mu.Unlock()

	m.ll.Debug("new local address", "index", out.Index, "addr", ip)
	h.NewAddress(out, ip)
}

func (m *Monitor) addressDeleted(msg *rtnetlink.AddressMessage, h Handler) {
	ip := addressIP(msg)
	if ip == nil {
		return
	}

	m.mu.Lock()
	iface, ok := m.ifaces[msg.Index]
	if !ok {
		m.mu.Unlock()
		return
	}

	found := false
	for n, have := range iface.Addrs {
		if have.Equal(ip) {
			iface.Addrs = append(iface.Addrs[:n], iface.Addrs[n+1:]...)
			found = true
			break
		}
	}

	if !found {
		m.mu.Unlock()
		return
	}

	out := iface.clone()
	m.mu.Unlock()

	m.ll.Debug("local address removed", "index", out.Index, "addr", ip)
	h.DeleteAddress(out, ip)
}
