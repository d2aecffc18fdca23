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

// Package pathman composes the MPTCP netlink client, the plugin registry
// and the network monitor into the path manager daemon core.
package pathman

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl"
	"github.com/multipath-tcp/go-mptcpd/netmon"
	"github.com/multipath-tcp/go-mptcpd/plugin"
)

// A Manager is the path manager: it owns the MPTCP generic netlink client
// and the network monitor, and routes events between the kernel and the
// loaded path management plugins.
//
// All plugin entry is serialized through a single dispatch goroutine owned
// by Run, so plugins never observe concurrent events.
type Manager struct {
	nl *mptcpnl.Client
	nm *netmon.Monitor
	ll *slog.Logger
}

// An Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the Manager.  The default is
// slog.Default.
func WithLogger(ll *slog.Logger) Option {
	return func(m *Manager) {
		m.ll = ll
	}
}

// New creates a Manager: it loads the path manager plugins from pluginDir
// with defaultPlugin as the preferred default strategy, opens the MPTCP
// generic netlink client and creates the network monitor.  A failure of any
// step tears down the previously created resources.
func New(pluginDir, defaultPlugin string, opts ...Option) (*Manager, error) {
	m := &Manager{ll: slog.Default()}
	for _, o := range opts {
		o(m)
	}

	if err := plugin.Load(pluginDir, defaultPlugin); err != nil {
		return nil, fmt.Errorf("pathman: load path manager plugins: %w", err)
	}

	nl, err := mptcpnl.New(mptcpnl.WithLogger(m.ll))
	if err != nil {
		plugin.Unload()
		return nil, fmt.Errorf("pathman: %w", err)
	}

	nm, err := netmon.New(netmon.WithLogger(m.ll))
	if err != nil {
		_ = nl.Close()
		plugin.Unload()
		return nil, fmt.Errorf("pathman: %w", err)
	}

	m.nl = nl
	m.nm = nm

	return m, nil
}

// Close releases the Manager's resources: the network monitor first, then
// the netlink client, and finally the plugins.
func (m *Manager) Close() error {
	var err error
	if m.nm != nil {
		err = m.nm.Close()
	}

	if m.nl != nil {
		if cerr := m.nl.Close(); err == nil {
			err = cerr
		}
	}

	plugin.Unload()

	return err
}

// Run receives MPTCP events and network change notifications and dispatches
// them to the loaded plugins until ctx is cancelled.  Both receive loops
// funnel their work through one dispatch goroutine; plugin state is only
// ever touched from it.
func (m *Manager) Run(ctx context.Context) error {
	dispatch := make(chan func())
	errc := make(chan error, 2)

	go func() {
		errc <- m.nl.Serve(func(ev mptcpnl.Event) {
			dispatch <- func() { m.handleEvent(ev) }
		})
	}()

	go func() {
		errc <- m.nm.Serve(&monitorBridge{m: m, dispatch: dispatch})
	}()

	running := 2
	for {
		select {
		case <-ctx.Done():
			// Close the sockets to cancel the receive loops, then
			// drain until both have exited.
			_ = m.nm.Close()
			_ = m.nl.Close()

			for running > 0 {
				select {
				case <-dispatch:
				case <-errc:
					running--
				}
			}

			return nil
		case fn := <-dispatch:
			fn()
		case err := <-errc:
			running--
			if err != nil {
				return fmt.Errorf("pathman: %w", err)
			}
		}
	}
}

// handleEvent routes one decoded MPTCP event to the plugin dispatcher.
func (m *Manager) handleEvent(ev mptcpnl.Event) {
	switch e := ev.(type) {
	case mptcpnl.ConnectionCreated:
		plugin.NewConnection(m, e.PathManager, e.Token, e.Local, e.Remote, e.Backup)
	case mptcpnl.ConnectionEstablished:
		plugin.ConnectionEstablished(m, e.Token, e.Local, e.Remote, e.Backup)
	case mptcpnl.ConnectionClosed:
		plugin.ConnectionClosed(m, e.Token)
	case mptcpnl.AddressAnnounced:
		plugin.NewAddress(m, e.Token, e.RemoteID, e.Remote)
	case mptcpnl.AddressRemoved:
		plugin.AddressRemoved(m, e.Token, e.RemoteID)
	case mptcpnl.SubflowEstablished:
		plugin.NewSubflow(m, e.Token, e.LocalID, e.Local, e.RemoteID, e.Remote, e.Backup)
	case mptcpnl.SubflowClosed:
		plugin.SubflowClosed(m, e.Token, e.Local, e.Remote)
	case mptcpnl.SubflowPriority:
		plugin.SubflowPriority(m, e.Token, e.Local, e.Remote, e.Backup)
	default:
		m.ll.Error("unhandled MPTCP event", "event", fmt.Sprintf("%T", ev))
	}
}

// monitorBridge forwards network monitor notifications onto the Manager's
// dispatch goroutine, broadcasting each to the loaded plugins.
type monitorBridge struct {
	m        *Manager
	dispatch chan func()
}

func (b *monitorBridge) NewInterface(iface *netmon.Interface) {
	b.dispatch <- func() { plugin.NewInterface(b.m, iface) }
}

func (b *monitorBridge) UpdateInterface(iface *netmon.Interface) {
	b.dispatch <- func() { plugin.UpdateInterface(b.m, iface) }
}

func (b *monitorBridge) DeleteInterface(iface *netmon.Interface) {
	b.dispatch <- func() { plugin.DeleteInterface(b.m, iface) }
}

func (b *monitorBridge) NewAddress(iface *netmon.Interface, addr net.IP) {
	b.dispatch <- func() { plugin.NewLocalAddress(b.m, iface, addr) }
}

func (b *monitorBridge) DeleteAddress(iface *netmon.Interface, addr net.IP) {
	b.dispatch <- func() { plugin.DeleteLocalAddress(b.m, iface, addr) }
}

// Ready reports whether the MPTCP generic netlink family is currently
// available in the kernel.
func (m *Manager) Ready() bool {
	return m.nl.Ready()
}

// NetworkMonitor returns the network monitor for plugin use.
func (m *Manager) NetworkMonitor() *netmon.Monitor {
	return m.nm
}

// SendAddr advertises a local address through the MPTCP ADD_ADDR option.
func (m *Manager) SendAddr(token mptcpnl.Token, id uint8, addr mptcpnl.Addr) error {
	return m.nl.SendAddr(token, id, addr)
}

// RemoveAddr withdraws a previously advertised local address.
func (m *Manager) RemoveAddr(token mptcpnl.Token, id uint8) error {
	return m.nl.RemoveAddr(token, id)
}

// AddSubflow establishes a new subflow on an MPTCP connection.
func (m *Manager) AddSubflow(token mptcpnl.Token, localID, remoteID uint8, local, remote mptcpnl.Addr, backup bool) error {
	return m.nl.AddSubflow(token, localID, remoteID, local, remote, backup)
}

// SetBackup sets or clears a subflow's backup priority bit.
func (m *Manager) SetBackup(token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool) error {
	return m.nl.SetBackup(token, local, remote, backup)
}

// RemoveSubflow tears down a subflow.
func (m *Manager) RemoveSubflow(token mptcpnl.Token, local, remote mptcpnl.Addr) error {
	return m.nl.RemoveSubflow(token, local, remote)
}

// AddAddr adds a local MPTCP endpoint to the kernel.
func (m *Manager) AddAddr(addr mptcpnl.Addr, id uint8, flags uint32, ifindex int32) error {
	return m.nl.AddAddr(addr, id, flags, ifindex)
}

// GetAddr looks up a local MPTCP endpoint by address ID.
func (m *Manager) GetAddr(id uint8) (mptcpnl.AddrInfo, error) {
	return m.nl.GetAddr(id)
}

// DumpAddrs lists the local MPTCP endpoints known to the kernel.
func (m *Manager) DumpAddrs() ([]mptcpnl.AddrInfo, error) {
	return m.nl.DumpAddrs()
}

// FlushAddrs removes every local MPTCP endpoint from the kernel.
func (m *Manager) FlushAddrs() error {
	return m.nl.FlushAddrs()
}

// SetLimits sets the kernel MPTCP path management limits.
func (m *Manager) SetLimits(l mptcpnl.Limits) error {
	return m.nl.SetLimits(l)
}

// GetLimits reads the kernel MPTCP path management limits.
func (m *Manager) GetLimits() (mptcpnl.Limits, error) {
	return m.nl.GetLimits()
}
