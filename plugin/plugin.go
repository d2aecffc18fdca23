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

// Package plugin loads path management policy plugins and dispatches MPTCP
// and network monitor events to them.
//
// The registry is process global: plugins self-register from their exported
// registration hook, which cannot be handed a context value.  All mutation
// of the registry must therefore happen on a single dispatch goroutine; the
// path manager facade provides one.
package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl"
	"github.com/multipath-tcp/go-mptcpd/netmon"
)

// A PathManager issues MPTCP path management commands on behalf of plugins
// and exposes the network monitor.
type PathManager interface {
	// Ready reports whether the MPTCP generic netlink family is present.
	Ready() bool

	// SendAddr advertises a local address through the ADD_ADDR option.
	SendAddr(token mptcpnl.Token, id uint8, addr mptcpnl.Addr) error

	// RemoveAddr withdraws an advertised address through REMOVE_ADDR.
	RemoveAddr(token mptcpnl.Token, id uint8) error

	// AddSubflow establishes a new subflow.
	AddSubflow(token mptcpnl.Token, localID, remoteID uint8, local, remote mptcpnl.Addr, backup bool) error

	// SetBackup sets or clears a subflow's backup priority bit.
	SetBackup(token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool) error

	// RemoveSubflow tears down a subflow.
	RemoveSubflow(token mptcpnl.Token, local, remote mptcpnl.Addr) error

	// NetworkMonitor returns the network monitor for plugin use.
	NetworkMonitor() *netmon.Monitor
}

// MonitorOps are the optional network monitor hooks of a plugin.  Interface
// and address changes are broadcast to every registered plugin; there is no
// per-connection filtering.
type MonitorOps struct {
	NewInterface    func(pm PathManager, iface *netmon.Interface)
	UpdateInterface func(pm PathManager, iface *netmon.Interface)
	DeleteInterface func(pm PathManager, iface *netmon.Interface)
	NewAddress      func(pm PathManager, iface *netmon.Interface, addr net.IP)
	DeleteAddress   func(pm PathManager, iface *netmon.Interface, addr net.IP)
}

// Ops is the capability record of a path management plugin.  Every hook is
// optional; a nil hook is skipped during dispatch.  Decoded addresses passed
// to hooks are only valid for the duration of the call.
type Ops struct {
	NewConnection         func(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool)
	ConnectionEstablished func(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool)
	ConnectionClosed      func(pm PathManager, token mptcpnl.Token)
	NewAddress            func(pm PathManager, token mptcpnl.Token, id uint8, addr mptcpnl.Addr)
	AddressRemoved        func(pm PathManager, token mptcpnl.Token, id uint8)
	NewSubflow            func(pm PathManager, token mptcpnl.Token, localID uint8, local mptcpnl.Addr, remoteID uint8, remote mptcpnl.Addr, backup bool)
	SubflowClosed         func(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr)
	SubflowPriority       func(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool)

	// Monitor holds the optional network monitor hooks.
	Monitor *MonitorOps
}

// empty reports whether no hook at all is set.
func (o *Ops) empty() bool {
	return o.NewConnection == nil &&
		o.ConnectionEstablished == nil &&
		o.ConnectionClosed == nil &&
		o.NewAddress == nil &&
		o.AddressRemoved == nil &&
		o.NewSubflow == nil &&
		o.SubflowClosed == nil &&
		o.SubflowPriority == nil &&
		o.Monitor == nil
}

// ErrNoPlugins is returned by Load when no plugin registered itself.
var ErrNoPlugins = errors.New("no path manager plugins loaded")

// state is the process-global plugin registry.  names preserves
// registration order, which is the plugin priority order.
type state struct {
	ops         map[string]*Ops
	names       []string
	tokens      map[mptcpnl.Token]*Ops
	defaultOps  *Ops
	defaultName string
}

var registry *state

func newState(defaultName string) *state {
	return &state{
		ops:         make(map[string]*Ops),
		tokens:      make(map[mptcpnl.Token]*Ops),
		defaultName: defaultName,
	}
}

func ll() *slog.Logger {
	return slog.Default()
}

// Register adds a plugin's operations to the registry under name.  Plugins
// call Register from their registration hook during Load.
//
// The first registered plugin becomes the default path management strategy
// unless a plugin matching the configured default name registers.
func Register(name string, ops *Ops) error {
	if name == "" || ops == nil {
		return errors.New("plugin name and operations must be provided")
	}

	if registry == nil {
		return errors.New("plugin framework is not loaded")
	}

	if ops.empty() {
		ll().Warn("no plugin operations were set", "plugin", name)
	}

	if _, ok := registry.ops[name]; ok {
		return fmt.Errorf("plugin %q is already registered", name)
	}

	first := len(registry.names) == 0

	registry.ops[name] = ops
	registry.names = append(registry.names, name)

	// If the plugin name matches the default plugin name use the
	// corresponding ops.  Otherwise fall back on the first registered
	// ops, those of the most favorable priority plugin.
	if name == registry.defaultName {
		registry.defaultOps = ops
	} else if first {
		registry.defaultOps = ops
	}

	return nil
}

// Unload tears down the plugin registry: both the name and the token
// mappings are cleared, as are the default operations and the stored
// default name.  It is not safe to call concurrently with event dispatch.
//
// Go cannot unmap a loaded shared object; a subsequent Load rescans the
// plugin directory and re-invokes the registration hooks instead.
func Unload() {
	registry = nil
}

// nameToOps resolves a path management strategy name, falling back on the
// default operations when the name is unknown or empty.
func nameToOps(name string) *Ops {
	ops := registry.defaultOps

	if name != "" {
		if o, ok := registry.ops[name]; ok {
			ops = o
		} else {
			ll().Error("requested path management strategy does not exist; falling back on default",
				"strategy", name)
		}
	}

	return ops
}

// tokenToOps resolves the operations bound to a connection token.  Events
// for unknown tokens never fall back on the default operations.
func tokenToOps(token mptcpnl.Token) *Ops {
	ops, ok := registry.tokens[token]
	if !ok {
		ll().Error("unable to match token to plugin", "token", token)
		return nil
	}

	return ops
}

// NewConnection binds a new MPTCP connection to the plugin selected by the
// path management strategy name and invokes its new connection hook.  The
// binding is created before the hook runs so every later event for the
// token resolves to the same operations.
func NewConnection(pm PathManager, name string, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool) {
	if registry == nil {
		return
	}

	ops := nameToOps(name)
	if ops == nil {
		return
	}

	if _, ok := registry.tokens[token]; ok {
		ll().Error("connection token is already mapped to a plugin", "token", token)
	}
	registry.tokens[token] = ops

	if ops.NewConnection != nil {
		ops.NewConnection(pm, token, local, remote, backup)
	}
}

// ConnectionEstablished dispatches a connection established event.
func ConnectionEstablished(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool) {
	if registry == nil {
		return
	}

	if ops := tokenToOps(token); ops != nil && ops.ConnectionEstablished != nil {
		ops.ConnectionEstablished(pm, token, local, remote, backup)
	}
}

// ConnectionClosed dispatches a connection closed event and retires the
// token binding.
func ConnectionClosed(pm PathManager, token mptcpnl.Token) {
	if registry == nil {
		return
	}

	ops := tokenToOps(token)
	if ops == nil {
		return
	}

	if ops.ConnectionClosed != nil {
		ops.ConnectionClosed(pm, token)
	}

	delete(registry.tokens, token)
}

// NewAddress dispatches a remote address announcement.
func NewAddress(pm PathManager, token mptcpnl.Token, id uint8, addr mptcpnl.Addr) {
	if registry == nil {
		return
	}

	if ops := tokenToOps(token); ops != nil && ops.NewAddress != nil {
		ops.NewAddress(pm, token, id, addr)
	}
}

// AddressRemoved dispatches a remote address withdrawal.
func AddressRemoved(pm PathManager, token mptcpnl.Token, id uint8) {
	if registry == nil {
		return
	}

	if ops := tokenToOps(token); ops != nil && ops.AddressRemoved != nil {
		ops.AddressRemoved(pm, token, id)
	}
}

// NewSubflow dispatches a subflow established event.
func NewSubflow(pm PathManager, token mptcpnl.Token, localID uint8, local mptcpnl.Addr, remoteID uint8, remote mptcpnl.Addr, backup bool) {
	if registry == nil {
		return
	}

	if ops := tokenToOps(token); ops != nil && ops.NewSubflow != nil {
		ops.NewSubflow(pm, token, localID, local, remoteID, remote, backup)
	}
}

// SubflowClosed dispatches a subflow closed event.
func SubflowClosed(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr) {
	if registry == nil {
		return
	}

	if ops := tokenToOps(token); ops != nil && ops.SubflowClosed != nil {
		ops.SubflowClosed(pm, token, local, remote)
	}
}

// SubflowPriority dispatches a subflow priority change.
func SubflowPriority(pm PathManager, token mptcpnl.Token, local, remote mptcpnl.Addr, backup bool) {
	if registry == nil {
		return
	}

	if ops := tokenToOps(token); ops != nil && ops.SubflowPriority != nil {
		ops.SubflowPriority(pm, token, local, remote, backup)
	}
}

// NewInterface broadcasts a new network interface to every plugin in
// registration order.
func NewInterface(pm PathManager, iface *netmon.Interface) {
	forEachMonitor(func(m *MonitorOps) {
		if m.NewInterface != nil {
			m.NewInterface(pm, iface)
		}
	})
}

// UpdateInterface broadcasts a network interface change to every plugin.
func UpdateInterface(pm PathManager, iface *netmon.Interface) {
	forEachMonitor(func(m *MonitorOps) {
		if m.UpdateInterface != nil {
			m.UpdateInterface(pm, iface)
		}
	})
}

// DeleteInterface broadcasts a network interface removal to every plugin.
func DeleteInterface(pm PathManager, iface *netmon.Interface) {
	forEachMonitor(func(m *MonitorOps) {
		if m.DeleteInterface != nil {
			m.DeleteInterface(pm, iface)
		}
	})
}

// NewLocalAddress broadcasts a new local address to every plugin.
func NewLocalAddress(pm PathManager, iface *netmon.Interface, addr net.IP) {
	forEachMonitor(func(m *MonitorOps) {
		if m.NewAddress != nil {
			m.NewAddress(pm, iface, addr)
		}
	})
}

// DeleteLocalAddress broadcasts a local address removal to every plugin.
func DeleteLocalAddress(pm PathManager, iface *netmon.Interface, addr net.IP) {
	forEachMonitor(func(m *MonitorOps) {
		if m.DeleteAddress != nil {
			m.DeleteAddress(pm, iface, addr)
		}
	})
}

func forEachMonitor(fn func(*MonitorOps)) {
	if registry == nil {
		return
	}

	for _, name := range registry.names {
		if m := registry.ops[name].Monitor; m != nil {
			fn(m)
		}
	}
}
