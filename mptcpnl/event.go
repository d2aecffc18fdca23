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
	"log/slog"
	"net"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl/internal/mptcph"
)

// An Event is an MPTCP lifecycle event delivered by the kernel on the event
// multicast group.  Events are decoded into one of the concrete types in
// this package.  Decoded events are only valid for the duration of one
// dispatch; consumers that retain them must copy.
type Event interface {
	isEvent()
}

// A ConnectionCreated event reports a new MPTCP connection.  PathManager
// names the path management strategy requested for the connection; it is
// empty when the kernel API variant does not carry strategy names.
type ConnectionCreated struct {
	Token       Token
	Local       Addr
	Remote      Addr
	Backup      bool
	PathManager string
}

// A ConnectionEstablished event reports that an MPTCP connection completed
// its handshake.
type ConnectionEstablished struct {
	Token       Token
	Local       Addr
	Remote      Addr
	Backup      bool
	PathManager string
}

// A ConnectionClosed event reports that an MPTCP connection was closed.
type ConnectionClosed struct {
	Token Token
}

// An AddressAnnounced event reports a remote address advertised through the
// MPTCP ADD_ADDR option.
type AddressAnnounced struct {
	Token    Token
	RemoteID uint8
	Remote   Addr
}

// An AddressRemoved event reports a remote address withdrawn through the
// MPTCP REMOVE_ADDR option.
type AddressRemoved struct {
	Token    Token
	RemoteID uint8
}

// A SubflowEstablished event reports a new subflow on an existing MPTCP
// connection.
type SubflowEstablished struct {
	Token    Token
	LocalID  uint8
	Local    Addr
	RemoteID uint8
	Remote   Addr
	Backup   bool
}

// A SubflowClosed event reports a closed subflow.
type SubflowClosed struct {
	Token  Token
	Local  Addr
	Remote Addr
}

// A SubflowPriority event reports a change of a subflow's MPTCP backup
// priority bit.
type SubflowPriority struct {
	Token  Token
	Local  Addr
	Remote Addr
	Backup bool
}

func (ConnectionCreated) isEvent()     {}
func (ConnectionEstablished) isEvent() {}
func (ConnectionClosed) isEvent()      {}
func (AddressAnnounced) isEvent()      {}
func (AddressRemoved) isEvent()        {}
func (SubflowEstablished) isEvent()    {}
func (SubflowClosed) isEvent()         {}
func (SubflowPriority) isEvent()       {}

// eventName maps an event command identifier to the kernel's name for it.
func eventName(cmd uint8) string {
	switch cmd {
	case mptcph.EventCreated:
		return "MPTCP_EVENT_CREATED"
	case mptcph.EventEstablished:
		return "MPTCP_EVENT_ESTABLISHED"
	case mptcph.EventClosed:
		return "MPTCP_EVENT_CLOSED"
	case mptcph.EventAnnounced:
		return "MPTCP_EVENT_ANNOUNCED"
	case mptcph.EventRemoved:
		return "MPTCP_EVENT_REMOVED"
	case mptcph.EventSubEstablished:
		return "MPTCP_EVENT_SUB_ESTABLISHED"
	case mptcph.EventSubClosed:
		return "MPTCP_EVENT_SUB_CLOSED"
	case mptcph.EventSubPriority:
		return "MPTCP_EVENT_SUB_PRIORITY"
	default:
		return fmt.Sprintf("MPTCP event %d", cmd)
	}
}

// eventAttrs holds the decoded attribute slots of one event message.  Every
// slot is nullable; a slot stays unset when its attribute is absent or
// fails length validation.
type eventAttrs struct {
	token  *uint32
	locID  *uint8
	remID  *uint8
	saddr4 net.IP
	saddr6 net.IP
	daddr4 net.IP
	daddr6 net.IP
	sport  *uint16
	dport  *uint16
	backup bool
	pmName string
}

// walkAttrs iterates an event message's attributes into the decoded slots,
// length-validating each against its declared type.  Attribute types not in
// want are logged at warn level and skipped.
func walkAttrs(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute, want map[uint16]bool) eventAttrs {
	var ea eventAttrs

	for _, a := range attrs {
		if !want[a.Type] {
			ll.Warn("unknown event attribute",
				"event", name,
				"type", a.Type)
			continue
		}

		switch a.Type {
		case mptcph.AttrToken:
			ea.token = attrUint32(ll, a)
		case mptcph.AttrLocID:
			ea.locID = attrUint8(ll, a)
		case mptcph.AttrRemID:
			ea.remID = attrUint8(ll, a)
		case mptcph.AttrSaddr4:
			ea.saddr4 = attrIPv4(ll, a)
		case mptcph.AttrSaddr6:
			ea.saddr6 = attrIPv6(ll, a)
		case mptcph.AttrDaddr4:
			ea.daddr4 = attrIPv4(ll, a)
		case mptcph.AttrDaddr6:
			ea.daddr6 = attrIPv6(ll, a)
		case mptcph.AttrSport:
			ea.sport = attrPort(ll, a)
		case mptcph.AttrDport:
			ea.dport = attrPort(ll, a)
		case mptcph.AttrBackup:
			ea.backup = attrFlag(ll, a)
		case mptcph.AttrPathManager:
			if s.PathManager {
				ea.pmName = attrPMName(ll, a)
			}
		}
	}

	return ea
}

// local assembles the local endpoint from the decoded slots.  Both the
// address and the port must have decoded.
func (ea *eventAttrs) local() (Addr, bool) {
	if ea.sport == nil {
		return Addr{}, false
	}

	switch {
	case ea.saddr4 != nil:
		return IPv4Addr(ea.saddr4, *ea.sport), true
	case ea.saddr6 != nil:
		return IPv6Addr(ea.saddr6, *ea.sport), true
	default:
		return Addr{}, false
	}
}

// remote assembles the remote endpoint from the decoded slots.
func (ea *eventAttrs) remote() (Addr, bool) {
	if ea.dport == nil {
		return Addr{}, false
	}

	switch {
	case ea.daddr4 != nil:
		return IPv4Addr(ea.daddr4, *ea.dport), true
	case ea.daddr6 != nil:
		return IPv6Addr(ea.daddr6, *ea.dport), true
	default:
		return Addr{}, false
	}
}

// errRequired logs and returns the required-attribute failure for an event.
func errRequired(ll *slog.Logger, name string) error {
	ll.Error("required attributes missing", "event", name)
	return fmt.Errorf("required %s attributes missing", name)
}

// decodeEvent decodes one multicast message of the bound family into a
// typed event.  Messages missing required attributes are rejected after
// being logged.
func decodeEvent(ll *slog.Logger, s *schema, m genetlink.Message) (Event, error) {
	attrs, err := netlink.UnmarshalAttributes(m.Data)
	if err != nil {
		ll.Error("unable to parse event attributes", "err", err)
		return nil, err
	}

	cmd := m.Header.Command
	name := eventName(cmd)

	switch cmd {
	case mptcph.EventCreated, mptcph.EventEstablished:
		return decodeConnection(ll, s, name, attrs, cmd == mptcph.EventEstablished)
	case mptcph.EventClosed:
		return decodeClosed(ll, s, name, attrs)
	case mptcph.EventAnnounced:
		return decodeAnnounced(ll, s, name, attrs)
	case mptcph.EventRemoved:
		return decodeRemoved(ll, s, name, attrs)
	case mptcph.EventSubEstablished:
		return decodeSubEstablished(ll, s, name, attrs)
	case mptcph.EventSubClosed:
		return decodeSubClosed(ll, s, name, attrs)
	case mptcph.EventSubPriority:
		return decodeSubPriority(ll, s, name, attrs)
	default:
		ll.Error("unhandled MPTCP event", "cmd", cmd)
		return nil, fmt.Errorf("unhandled MPTCP event: %d", cmd)
	}
}

func decodeConnection(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute, established bool) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken:       true,
		mptcph.AttrSaddr4:      true,
		mptcph.AttrSaddr6:      true,
		mptcph.AttrSport:       true,
		mptcph.AttrDaddr4:      true,
		mptcph.AttrDaddr6:      true,
		mptcph.AttrDport:       true,
		mptcph.AttrBackup:      true,
		mptcph.AttrPathManager: true,
	})

	local, lok := ea.local()
	remote, rok := ea.remote()
	if ea.token == nil || !lok || !rok {
		return nil, errRequired(ll, name)
	}

	ll.Debug("decoded connection event",
		"event", name,
		"token", Token(*ea.token),
		"backup", ea.backup)

	if established {
		return ConnectionEstablished{
			Token:       Token(*ea.token),
			Local:       local,
			Remote:      remote,
			Backup:      ea.backup,
			PathManager: ea.pmName,
		}, nil
	}

	return ConnectionCreated{
		Token:       Token(*ea.token),
		Local:       local,
		Remote:      remote,
		Backup:      ea.backup,
		PathManager: ea.pmName,
	}, nil
}

func decodeClosed(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken: true,
	})

	if ea.token == nil {
		return nil, errRequired(ll, name)
	}

	return ConnectionClosed{Token: Token(*ea.token)}, nil
}

func decodeAnnounced(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken:  true,
		mptcph.AttrRemID:  true,
		mptcph.AttrDaddr4: true,
		mptcph.AttrDaddr6: true,
		mptcph.AttrDport:  true,
	})

	remote, rok := ea.remote()
	if ea.token == nil || ea.remID == nil || !rok {
		return nil, errRequired(ll, name)
	}

	return AddressAnnounced{
		Token:    Token(*ea.token),
		RemoteID: *ea.remID,
		Remote:   remote,
	}, nil
}

func decodeRemoved(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken: true,
		mptcph.AttrRemID: true,
	})

	if ea.token == nil || ea.remID == nil {
		return nil, errRequired(ll, name)
	}

	return AddressRemoved{
		Token:    Token(*ea.token),
		RemoteID: *ea.remID,
	}, nil
}

func decodeSubEstablished(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken:  true,
		mptcph.AttrLocID:  true,
		mptcph.AttrSaddr4: true,
		mptcph.AttrSaddr6: true,
		mptcph.AttrSport:  true,
		mptcph.AttrRemID:  true,
		mptcph.AttrDaddr4: true,
		mptcph.AttrDaddr6: true,
		mptcph.AttrDport:  true,
		mptcph.AttrBackup: true,
	})

	local, lok := ea.local()
	remote, rok := ea.remote()
	if ea.token == nil || ea.locID == nil || !lok || ea.remID == nil || !rok {
		return nil, errRequired(ll, name)
	}

	return SubflowEstablished{
		Token:    Token(*ea.token),
		LocalID:  *ea.locID,
		Local:    local,
		RemoteID: *ea.remID,
		Remote:   remote,
		Backup:   ea.backup,
	}, nil
}

func decodeSubClosed(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken:  true,
		mptcph.AttrSaddr4: true,
		mptcph.AttrSaddr6: true,
		mptcph.AttrSport:  true,
		mptcph.AttrDaddr4: true,
		mptcph.AttrDaddr6: true,
		mptcph.AttrDport:  true,
	})

	local, lok := ea.local()
	remote, rok := ea.remote()
	if ea.token == nil || !lok || !rok {
		return nil, errRequired(ll, name)
	}

	return SubflowClosed{
		Token:  Token(*ea.token),
		Local:  local,
		Remote: remote,
	}, nil
}

func decodeSubPriority(ll *slog.Logger, s *schema, name string, attrs []netlink.Attribute) (Event, error) {
	ea := walkAttrs(ll, s, name, attrs, map[uint16]bool{
		mptcph.AttrToken:  true,
		mptcph.AttrSaddr4: true,
		mptcph.AttrSaddr6: true,
		mptcph.AttrSport:  true,
		mptcph.AttrDaddr4: true,
		mptcph.AttrDaddr6: true,
		mptcph.AttrDport:  true,
		mptcph.AttrBackup: true,
	})

	local, lok := ea.local()
	remote, rok := ea.remote()
	if ea.token == nil || !lok || !rok {
		return nil, errRequired(ll, name)
	}

	// The backup attribute is a flag: presence is the value, so absence
	// decodes as a cleared priority bit rather than a rejected event.
	return SubflowPriority{
		Token:  Token(*ea.token),
		Local:  local,
		Remote: remote,
		Backup: ea.backup,
	}, nil
}
