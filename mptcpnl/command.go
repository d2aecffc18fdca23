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

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl/internal/mptcph"
)

// execute encodes and sends one request on the bound family and waits for
// the kernel acknowledgement.  Commands never retry; a failed send or a
// closed socket surfaces as a transport error to the caller.
func (c *Client) execute(f genetlink.Family, cmd uint8, flags netlink.HeaderFlags, ae *netlink.AttributeEncoder) ([]genetlink.Message, error) {
	data, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}

	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: uint8(f.Version),
		},
		Data: data,
	}

	msgs, err := c.cmds.Execute(msg, f.ID, flags)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	return msgs, nil
}

// SendAddr advertises a local address to the peers of an MPTCP connection
// through the ADD_ADDR option.  A zero port in addr is omitted on the wire
// so the kernel treats the port as unspecified.
func (c *Client) SendAddr(token Token, id uint8, addr Addr) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()

	switch s.Kind {
	case kindClient:
		ae.Uint32(mptcph.AttrToken, uint32(token))
		ae.Uint8(mptcph.AttrLocID, id)
		if err := encodeFlatAddr(ae, addr, true); err != nil {
			return err
		}

		_, err = c.execute(f, mptcph.CmdAnnounce, netlink.Request|netlink.Acknowledge, ae)
	default:
		ae.Uint32(mptcph.PMAttrToken, uint32(token))
		flags := uint32(mptcph.AddrFlagSignal)
		if err := encodePMAddr(ae, mptcph.PMAttrAddr, addr, &id, &flags, 0); err != nil {
			return err
		}

		_, err = c.execute(f, mptcph.PMCmdAnnounce, netlink.Request|netlink.Acknowledge, ae)
	}

	if err != nil {
		return fmt.Errorf("mptcpnl: send_addr: %w", err)
	}

	return nil
}

// RemoveAddr withdraws a previously advertised local address through the
// REMOVE_ADDR option.
func (c *Client) RemoveAddr(token Token, id uint8) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()

	switch s.Kind {
	case kindClient:
		ae.Uint32(mptcph.AttrToken, uint32(token))
		ae.Uint8(mptcph.AttrLocID, id)

		_, err = c.execute(f, mptcph.CmdRemove, netlink.Request|netlink.Acknowledge, ae)
	default:
		ae.Uint32(mptcph.PMAttrToken, uint32(token))
		ae.Uint8(mptcph.PMAttrLocID, id)

		_, err = c.execute(f, mptcph.PMCmdRemove, netlink.Request|netlink.Acknowledge, ae)
	}

	if err != nil {
		return fmt.Errorf("mptcpnl: remove_addr: %w", err)
	}

	return nil
}

// AddSubflow asks the kernel to establish a new subflow on an existing
// MPTCP connection.
func (c *Client) AddSubflow(token Token, localID, remoteID uint8, local, remote Addr, backup bool) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()

	switch s.Kind {
	case kindClient:
		ae.Uint32(mptcph.AttrToken, uint32(token))
		ae.Uint8(mptcph.AttrLocID, localID)
		ae.Uint8(mptcph.AttrRemID, remoteID)
		if err := encodeFlatAddr(ae, local, true); err != nil {
			return err
		}
		if err := encodeFlatAddr(ae, remote, false); err != nil {
			return err
		}
		ae.Flag(mptcph.AttrBackup, backup)

		_, err = c.execute(f, mptcph.CmdSubCreate, netlink.Request|netlink.Acknowledge, ae)
	default:
		ae.Uint32(mptcph.PMAttrToken, uint32(token))

		var flags *uint32
		if backup {
			b := uint32(mptcph.AddrFlagBackup)
			flags = &b
		}
		if err := encodePMAddr(ae, mptcph.PMAttrAddr, local, &localID, flags, 0); err != nil {
			return err
		}
		if err := encodePMAddr(ae, mptcph.PMAttrAddrRemote, remote, &remoteID, nil, 0); err != nil {
			return err
		}

		_, err = c.execute(f, mptcph.PMCmdSubflowCreate, netlink.Request|netlink.Acknowledge, ae)
	}

	if err != nil {
		return fmt.Errorf("mptcpnl: add_subflow: %w", err)
	}

	return nil
}

// SetBackup sets or clears the MPTCP backup priority bit of a subflow.
func (c *Client) SetBackup(token Token, local, remote Addr, backup bool) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()

	switch s.Kind {
	case kindClient:
		ae.Uint32(mptcph.AttrToken, uint32(token))
		if err := encodeFlatAddr(ae, local, true); err != nil {
			return err
		}
		if err := encodeFlatAddr(ae, remote, false); err != nil {
			return err
		}
		ae.Flag(mptcph.AttrBackup, backup)

		_, err = c.execute(f, mptcph.CmdSubPriority, netlink.Request|netlink.Acknowledge, ae)
	default:
		ae.Uint32(mptcph.PMAttrToken, uint32(token))

		var flags uint32
		if backup {
			flags = mptcph.AddrFlagBackup
		}
		if err := encodePMAddr(ae, mptcph.PMAttrAddr, local, nil, &flags, 0); err != nil {
			return err
		}

		_, err = c.execute(f, mptcph.PMCmdSetFlags, netlink.Request|netlink.Acknowledge, ae)
	}

	if err != nil {
		return fmt.Errorf("mptcpnl: set_backup: %w", err)
	}

	return nil
}

// RemoveSubflow asks the kernel to tear down a subflow identified by its
// local and remote endpoints.
func (c *Client) RemoveSubflow(token Token, local, remote Addr) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()

	switch s.Kind {
	case kindClient:
		ae.Uint32(mptcph.AttrToken, uint32(token))
		if err := encodeFlatAddr(ae, local, true); err != nil {
			return err
		}
		if err := encodeFlatAddr(ae, remote, false); err != nil {
			return err
		}

		_, err = c.execute(f, mptcph.CmdSubDestroy, netlink.Request|netlink.Acknowledge, ae)
	default:
		ae.Uint32(mptcph.PMAttrToken, uint32(token))
		if err := encodePMAddr(ae, mptcph.PMAttrAddr, local, nil, nil, 0); err != nil {
			return err
		}
		if err := encodePMAddr(ae, mptcph.PMAttrAddrRemote, remote, nil, nil, 0); err != nil {
			return err
		}

		_, err = c.execute(f, mptcph.PMCmdSubflowDestroy, netlink.Request|netlink.Acknowledge, ae)
	}

	if err != nil {
		return fmt.Errorf("mptcpnl: remove_subflow: %w", err)
	}

	return nil
}

// AddAddr adds a local MPTCP endpoint to the kernel.  Only the upstream
// kernel API exposes endpoint management; ErrUnsupported is returned
// elsewhere without emitting a message.
func (c *Client) AddAddr(addr Addr, id uint8, flags uint32, ifindex int32) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	if s.Kind != kindServer {
		return ErrUnsupported
	}

	ae := netlink.NewAttributeEncoder()

	var fp *uint32
	if flags != 0 {
		fp = &flags
	}
	if err := encodePMAddr(ae, mptcph.PMAttrAddr, addr, &id, fp, ifindex); err != nil {
		return err
	}

	if _, err := c.execute(f, mptcph.PMCmdAddAddr, netlink.Request|netlink.Acknowledge, ae); err != nil {
		return fmt.Errorf("mptcpnl: add_addr: %w", err)
	}

	return nil
}

// GetAddr looks up a single local MPTCP endpoint by address ID.
func (c *Client) GetAddr(id uint8) (AddrInfo, error) {
	s, f, err := c.current()
	if err != nil {
		return AddrInfo{}, err
	}

	if s.Kind != kindServer {
		return AddrInfo{}, ErrUnsupported
	}

	ae := netlink.NewAttributeEncoder()
	ae.Nested(mptcph.PMAttrAddr, func(nae *netlink.AttributeEncoder) error {
		nae.Uint8(mptcph.AddrAttrID, id)
		return nil
	})

	msgs, err := c.execute(f, mptcph.PMCmdGetAddr, netlink.Request|netlink.Acknowledge, ae)
	if err != nil {
		return AddrInfo{}, fmt.Errorf("mptcpnl: get_addr: %w", err)
	}

	infos, err := parseAddrInfos(msgs)
	if err != nil {
		return AddrInfo{}, fmt.Errorf("mptcpnl: get_addr: %w", err)
	}
	if len(infos) == 0 {
		return AddrInfo{}, fmt.Errorf("mptcpnl: get_addr: no endpoint in reply")
	}

	return infos[0], nil
}

// DumpAddrs lists every local MPTCP endpoint known to the kernel.
func (c *Client) DumpAddrs() ([]AddrInfo, error) {
	s, f, err := c.current()
	if err != nil {
		return nil, err
	}

	if s.Kind != kindServer {
		return nil, ErrUnsupported
	}

	msgs, err := c.execute(f, mptcph.PMCmdGetAddr, netlink.Request|netlink.Dump, netlink.NewAttributeEncoder())
	if err != nil {
		return nil, fmt.Errorf("mptcpnl: dump_addrs: %w", err)
	}

	infos, err := parseAddrInfos(msgs)
	if err != nil {
		return nil, fmt.Errorf("mptcpnl: dump_addrs: %w", err)
	}

	return infos, nil
}

// FlushAddrs removes every local MPTCP endpoint from the kernel.
func (c *Client) FlushAddrs() error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	if s.Kind != kindServer {
		return ErrUnsupported
	}

	if _, err := c.execute(f, mptcph.PMCmdFlushAddrs, netlink.Request|netlink.Acknowledge, netlink.NewAttributeEncoder()); err != nil {
		return fmt.Errorf("mptcpnl: flush_addrs: %w", err)
	}

	return nil
}

// SetLimits sets the kernel MPTCP path management limits.
func (c *Client) SetLimits(l Limits) error {
	s, f, err := c.current()
	if err != nil {
		return err
	}

	if s.Kind != kindServer {
		return ErrUnsupported
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(mptcph.PMAttrRcvAddAddrs, l.RcvAddAddrs)
	ae.Uint32(mptcph.PMAttrSubflows, l.Subflows)

	if _, err := c.execute(f, mptcph.PMCmdSetLimits, netlink.Request|netlink.Acknowledge, ae); err != nil {
		return fmt.Errorf("mptcpnl: set_limits: %w", err)
	}

	return nil
}

// GetLimits reads the kernel MPTCP path management limits.
func (c *Client) GetLimits() (Limits, error) {
	s, f, err := c.current()
	if err != nil {
		return Limits{}, err
	}

	if s.Kind != kindServer {
		return Limits{}, ErrUnsupported
	}

	msgs, err := c.execute(f, mptcph.PMCmdGetLimits, netlink.Request|netlink.Acknowledge, netlink.NewAttributeEncoder())
	if err != nil {
		return Limits{}, fmt.Errorf("mptcpnl: get_limits: %w", err)
	}

	var l Limits
	for _, m := range msgs {
		attrs, err := netlink.UnmarshalAttributes(m.Data)
		if err != nil {
			return Limits{}, fmt.Errorf("mptcpnl: get_limits: %w", err)
		}

		for _, a := range attrs {
			switch a.Type {
			case mptcph.PMAttrRcvAddAddrs:
				l.RcvAddAddrs = nlenc.Uint32(a.Data)
			case mptcph.PMAttrSubflows:
				l.Subflows = nlenc.Uint32(a.Data)
			}
		}
	}

	return l, nil
}

// parseAddrInfos decodes the nested endpoint blocks of get/dump replies.
func parseAddrInfos(msgs []genetlink.Message) ([]AddrInfo, error) {
	infos := make([]AddrInfo, 0, len(msgs))

	for _, m := range msgs {
		attrs, err := netlink.UnmarshalAttributes(m.Data)
		if err != nil {
			return nil, err
		}

		for _, a := range attrs {
			if a.Type&^uint16(unix.NLA_F_NESTED) != mptcph.PMAttrAddr {
				continue
			}

			info, err := parsePMAddr(a.Data)
			if err != nil {
				return nil, err
			}

			infos = append(infos, info)
		}
	}

	return infos, nil
}
