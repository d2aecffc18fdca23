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

// Package mptcpnl is a Linux MPTCP path management generic netlink client.
//
// The client resolves the kernel's MPTCP generic netlink family at runtime,
// subscribes to its event multicast group, decodes lifecycle events into
// typed records and issues path management commands.  The family may appear
// and vanish while the client lives; commands fail fast with ErrUnavailable
// while no family is bound.
package mptcpnl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// nlctrlNotifyGroup is the multicast group of the generic netlink control
// family which announces family registration and removal.
const nlctrlNotifyGroup = "notify"

// A Client is a Linux MPTCP path management generic netlink client.
type Client struct {
	// events carries multicast traffic: MPTCP events plus the nlctrl
	// notifications driving the family watch.
	events *genetlink.Conn

	// cmds carries request/acknowledge exchanges so that command replies
	// cannot be interleaved with multicast messages.
	cmds *genetlink.Conn

	ll *slog.Logger

	// mu guards the family binding, which the Serve goroutine mutates and
	// command callers read.
	mu     sync.RWMutex
	schema *schema
	family genetlink.Family
	groups []uint32
}

// An Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the Client.  The default is
// slog.Default.
func WithLogger(ll *slog.Logger) Option {
	return func(c *Client) {
		c.ll = ll
	}
}

// New creates a Client.  New succeeds even when the kernel does not
// currently expose an MPTCP generic netlink family: the family watch binds
// the client as soon as the family appears.
func New(opts ...Option) (*Client, error) {
	events, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("mptcpnl: dial event socket: %w", err)
	}

	cmds, err := genetlink.Dial(nil)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("mptcpnl: dial command socket: %w", err)
	}

	return newClient(events, cmds, opts...)
}

// newClient is the internal Client constructor, used in tests.
func newClient(events, cmds *genetlink.Conn, opts ...Option) (*Client, error) {
	// Must ensure that both connections are closed on any errors that
	// occur before the client is returned to the caller.

	c := &Client{
		events: events,
		cmds:   cmds,
		ll:     slog.Default(),
	}

	for _, o := range opts {
		o(c)
	}

	if err := c.installFamilyWatch(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if err := c.resolveFamily(); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the Client's generic netlink connections.  A Serve loop in
// flight returns once its socket is closed.
func (c *Client) Close() error {
	err := c.events.Close()
	if cerr := c.cmds.Close(); err == nil {
		err = cerr
	}

	return err
}

// Ready reports whether the MPTCP generic netlink family is currently
// resolved.  No path management interaction with the kernel can occur until
// the family appears.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.schema != nil
}

// FamilyName returns the name of the bound generic netlink family, or ""
// when no family is bound.
func (c *Client) FamilyName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.family.Name
}

// installFamilyWatch subscribes the event connection to the generic netlink
// control family's notify group, through which family appearance and
// removal are announced.
func (c *Client) installFamilyWatch() error {
	ctrl, err := c.cmds.GetFamily("nlctrl")
	if err != nil {
		return fmt.Errorf("mptcpnl: resolve nlctrl family: %w", err)
	}

	id := familyGroup(ctrl, nlctrlNotifyGroup)
	if id == 0 {
		return fmt.Errorf("mptcpnl: nlctrl family does not advertise the %q group", nlctrlNotifyGroup)
	}

	if err := c.events.JoinGroup(id); err != nil {
		return fmt.Errorf("mptcpnl: join nlctrl %q group: %w", nlctrlNotifyGroup, err)
	}

	return nil
}

// resolveFamily probes the known MPTCP family names in schema order and
// binds the first family present.  An absent family is not an error; the
// family watch retries when it appears.
func (c *Client) resolveFamily() error {
	for _, s := range schemas {
		f, err := c.cmds.GetFamily(s.Name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return fmt.Errorf("mptcpnl: family lookup %q: %w", s.Name, err)
		}

		c.bindFamily(s, f)
		return nil
	}

	c.ll.Info("MPTCP generic netlink family not present; waiting for it to appear")
	return nil
}

// bindFamily registers the multicast handlers of a freshly appeared family
// and records the subscription IDs.  Groups that fail to register are
// warned about and left at zero, mirroring a partially available family.
func (c *Client) bindFamily(s *schema, f genetlink.Family) {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make([]uint32, len(s.EventGroups))
	for i, name := range s.EventGroups {
		id := familyGroup(f, name)
		if id == 0 {
			c.ll.Warn("family does not advertise multicast group",
				"family", f.Name,
				"group", name)
			continue
		}

		if err := c.events.JoinGroup(id); err != nil {
			c.ll.Warn("unable to register handler for multicast group",
				"group", name,
				"err", err)
			continue
		}

		groups[i] = id
	}

	c.schema = s
	c.family = f
	c.groups = groups

	c.ll.Debug("generic netlink family appeared", "family", f.Name)
}

// familyVanished deregisters every live multicast subscription and clears
// the family binding.  It is re-entrant: a second vanish with no prior
// appear is a no-op.
func (c *Client) familyVanished() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.groups == nil {
		// Nothing to do.
		return
	}

	for i, id := range c.groups {
		if id == 0 {
			continue
		}

		if err := c.events.LeaveGroup(id); err != nil {
			c.ll.Warn("multicast handler deregistration failed",
				"group", c.schema.EventGroups[i],
				"err", err)
		}
	}

	c.groups = nil
	c.schema = nil
	c.family = genetlink.Family{}
}

// current returns the bound schema and family, or ErrUnavailable when no
// MPTCP family is present.
func (c *Client) current() (*schema, genetlink.Family, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.schema == nil {
		return nil, genetlink.Family{}, ErrUnavailable
	}

	return c.schema, c.family, nil
}

// Serve receives multicast messages and invokes fn for every decoded MPTCP
// event, preserving kernel delivery order.  Control family notifications
// drive the family watch.  Serve returns when the event socket is closed.
func (c *Client) Serve(fn func(Event)) error {
	for {
		msgs, nlmsgs, err := c.events.Receive()
		if err != nil {
			return fmt.Errorf("mptcpnl: receive: %w", err)
		}

		for i := range msgs {
			c.handleMessage(nlmsgs[i].Header, msgs[i], fn)
		}
	}
}

// handleMessage dispatches one received multicast message.
func (c *Client) handleMessage(h netlink.Header, m genetlink.Message, fn func(Event)) {
	if h.Type == unix.GENL_ID_CTRL {
		c.handleFamilyNotify(m)
		return
	}

	c.mu.RLock()
	s, id := c.schema, c.family.ID
	c.mu.RUnlock()

	if s == nil || h.Type != id {
		c.ll.Debug("ignoring message of unknown netlink family", "type", h.Type)
		return
	}

	ev, err := decodeEvent(c.ll, s, m)
	if err != nil {
		// Malformed events were already logged; drop them.
		return
	}

	fn(ev)
}

// handleFamilyNotify reacts to generic netlink control notifications about
// family registration and removal.
func (c *Client) handleFamilyNotify(m genetlink.Message) {
	name, ok := notifiedFamilyName(m)
	if !ok {
		return
	}

	switch m.Header.Command {
	case unix.CTRL_CMD_NEWFAMILY:
		if c.Ready() || !knownFamily(name) {
			return
		}

		if err := c.resolveFamily(); err != nil {
			c.ll.Error("unable to resolve appeared family",
				"family", name,
				"err", err)
		}
	case unix.CTRL_CMD_DELFAMILY:
		if name != c.FamilyName() {
			return
		}

		c.ll.Debug("generic netlink family vanished", "family", name)
		c.familyVanished()
	}
}

// notifiedFamilyName extracts the family name from an nlctrl notification.
func notifiedFamilyName(m genetlink.Message) (string, bool) {
	attrs, err := netlink.UnmarshalAttributes(m.Data)
	if err != nil {
		return "", false
	}

	for _, a := range attrs {
		if a.Type == unix.CTRL_ATTR_FAMILY_NAME {
			return nlenc.String(a.Data), true
		}
	}

	return "", false
}

// familyGroup returns the ID of a family's multicast group by name, or zero
// when the family does not advertise the group.
func familyGroup(f genetlink.Family, name string) uint32 {
	for _, g := range f.Groups {
		if g.Name == name {
			return g.ID
		}
	}

	return 0
}
