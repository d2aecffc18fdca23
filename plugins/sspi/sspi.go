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

// Package main is the single-subflow-per-interface path manager plugin.
// On every new MPTCP connection it advertises each local address of the
// monitored network interfaces, except the address the connection was
// created over, and it advertises local addresses that appear later to every
// tracked connection.  The number of addresses advertised per interface is
// not limited to one.
//
// Build with:
//
//	go build -buildmode=plugin -o sspi.so ./plugins/sspi
package main

import (
	"log/slog"
	"net"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl"
	"github.com/multipath-tcp/go-mptcpd/netmon"
	"github.com/multipath-tcp/go-mptcpd/plugin"
)

const name = "sspi"

// nextID hands out per-connection local address IDs starting at 1; zero is
// reserved for the address the connection was created over.
type conn struct {
	nextID uint8
}

var conns = make(map[mptcpnl.Token]*conn)

func newConnection(pm plugin.PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool) {
	c := &conn{nextID: 1}
	conns[token] = c

	for _, iface := range pm.NetworkMonitor().Interfaces() {
		for _, ip := range iface.Addrs {
			addr := toAddr(ip)

			// Skip the address the connection already uses.
			if addr.Family == local.Family && addr.IP.Equal(local.IP) {
				continue
			}

			id := c.nextID
			c.nextID++

			if err := pm.SendAddr(token, id, addr); err != nil {
				slog.Error("sspi: unable to advertise address",
					"token", token,
					"addr", addr,
					"err", err)
			}
		}
	}
}

func connectionClosed(pm plugin.PathManager, token mptcpnl.Token) {
	delete(conns, token)
}

func newLocalAddress(pm plugin.PathManager, iface *netmon.Interface, ip net.IP) {
	// Advertise a freshly appeared address on every tracked connection.
	addr := toAddr(ip)

	for token, c := range conns {
		id := c.nextID
		c.nextID++

		if err := pm.SendAddr(token, id, addr); err != nil {
			slog.Error("sspi: unable to advertise address",
				"token", token,
				"addr", addr,
				"err", err)
		}
	}
}

func toAddr(ip net.IP) mptcpnl.Addr {
	if ip.To4() != nil {
		return mptcpnl.IPv4Addr(ip, 0)
	}

	return mptcpnl.IPv6Addr(ip, 0)
}

// PluginInit is the registration hook invoked by the plugin loader.
func PluginInit() error {
	return plugin.Register(name, &plugin.Ops{
		NewConnection:    newConnection,
		ConnectionClosed: connectionClosed,
		Monitor: &plugin.MonitorOps{
			NewAddress: newLocalAddress,
		},
	})
}

// main is never called; it exists so the package also builds outside of
// -buildmode=plugin.
func main() {}
