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
	"encoding/binary"
	"log/slog"
	"net"
	"strings"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl/internal/mptcph"
)

// validateAttrLen checks a netlink attribute payload against the size its
// type declares.  A mismatched attribute is logged and left undecoded.
func validateAttrLen(ll *slog.Logger, got, want int) bool {
	valid := got == want
	if !valid {
		ll.Error("attribute length is not the expected length",
			"len", got,
			"want", want)
	}

	return valid
}

// attrUint8 decodes a u8 attribute, or returns nil on a length mismatch.
func attrUint8(ll *slog.Logger, a netlink.Attribute) *uint8 {
	if !validateAttrLen(ll, len(a.Data), 1) {
		return nil
	}

	v := a.Data[0]
	return &v
}

// attrUint32 decodes a native-order u32 attribute, or returns nil on a
// length mismatch.
func attrUint32(ll *slog.Logger, a netlink.Attribute) *uint32 {
	if !validateAttrLen(ll, len(a.Data), 4) {
		return nil
	}

	v := nlenc.Uint32(a.Data)
	return &v
}

// attrPort decodes a network-order u16 port attribute, or returns nil on a
// length mismatch.
func attrPort(ll *slog.Logger, a netlink.Attribute) *uint16 {
	if !validateAttrLen(ll, len(a.Data), 2) {
		return nil
	}

	v := binary.BigEndian.Uint16(a.Data)
	return &v
}

// attrIPv4 decodes a 4 byte address attribute, or returns nil on a length
// mismatch.
func attrIPv4(ll *slog.Logger, a netlink.Attribute) net.IP {
	if !validateAttrLen(ll, len(a.Data), net.IPv4len) {
		return nil
	}

	ip := make(net.IP, net.IPv4len)
	copy(ip, a.Data)
	return ip
}

// attrIPv6 decodes a 16 byte address attribute, or returns nil on a length
// mismatch.
func attrIPv6(ll *slog.Logger, a netlink.Attribute) net.IP {
	if !validateAttrLen(ll, len(a.Data), net.IPv6len) {
		return nil
	}

	ip := make(net.IP, net.IPv6len)
	copy(ip, a.Data)
	return ip
}

// attrFlag decodes a zero-payload flag attribute.  Presence is the value,
// so a flag with payload is malformed and decodes as unset.
func attrFlag(ll *slog.Logger, a netlink.Attribute) bool {
	return validateAttrLen(ll, len(a.Data), 0)
}

// attrPMName decodes the fixed-length path manager name attribute, or
// returns "" on a length mismatch.
func attrPMName(ll *slog.Logger, a netlink.Attribute) string {
	if !validateAttrLen(ll, len(a.Data), mptcph.PMNameLen) {
		return ""
	}

	return strings.TrimRight(string(a.Data), "\x00")
}

// portBytes returns the network byte order representation of a port.
func portBytes(port uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, port)
	return b
}

// encodeFlatAddr appends the flat endpoint attributes used by the
// multipath-tcp.org schema: a 4 or 16 byte address attribute chosen by the
// Addr family tag and, when non-zero, the network-order port.  A zero port
// is omitted so the kernel treats it as unspecified.
func encodeFlatAddr(ae *netlink.AttributeEncoder, addr Addr, local bool) error {
	b, err := addr.bytes()
	if err != nil {
		return err
	}

	var addrType, portType uint16
	if local {
		addrType, portType = mptcph.AttrSaddr4, mptcph.AttrSport
		if addr.Family == unix.AF_INET6 {
			addrType = mptcph.AttrSaddr6
		}
	} else {
		addrType, portType = mptcph.AttrDaddr4, mptcph.AttrDport
		if addr.Family == unix.AF_INET6 {
			addrType = mptcph.AttrDaddr6
		}
	}

	ae.Bytes(addrType, b)
	if addr.Port != 0 {
		ae.Bytes(portType, portBytes(addr.Port))
	}

	return nil
}

// encodePMAddr appends a nested endpoint block of the upstream schema.
// The block carries the explicit address family, the address bytes, the
// non-zero port, and the optional ID, flags and interface index.
func encodePMAddr(ae *netlink.AttributeEncoder, typ uint16, addr Addr, id *uint8, flags *uint32, ifindex int32) error {
	b, err := addr.bytes()
	if err != nil {
		return err
	}

	ae.Nested(typ, func(nae *netlink.AttributeEncoder) error {
		nae.Uint16(mptcph.AddrAttrFamily, addr.Family)

		if id != nil {
			nae.Uint8(mptcph.AddrAttrID, *id)
		}

		if addr.Family == unix.AF_INET {
			nae.Bytes(mptcph.AddrAttrAddr4, b)
		} else {
			nae.Bytes(mptcph.AddrAttrAddr6, b)
		}

		if addr.Port != 0 {
			nae.Bytes(mptcph.AddrAttrPort, portBytes(addr.Port))
		}

		if flags != nil {
			nae.Uint32(mptcph.AddrAttrFlags, *flags)
		}

		if ifindex != 0 {
			nae.Int32(mptcph.AddrAttrIfIndex, ifindex)
		}

		return nil
	})

	return nil
}

// parsePMAddr decodes a nested endpoint block of the upstream schema into
// an AddrInfo.
func parsePMAddr(b []byte) (AddrInfo, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return AddrInfo{}, err
	}

	var info AddrInfo
	for ad.Next() {
		switch ad.Type() {
		case mptcph.AddrAttrFamily:
			info.Addr.Family = ad.Uint16()
		case mptcph.AddrAttrID:
			info.ID = ad.Uint8()
		case mptcph.AddrAttrAddr4:
			info.Addr.IP = net.IP(ad.Bytes())
		case mptcph.AddrAttrAddr6:
			info.Addr.IP = net.IP(ad.Bytes())
		case mptcph.AddrAttrPort:
			info.Addr.Port = binary.BigEndian.Uint16(ad.Bytes())
		case mptcph.AddrAttrFlags:
			info.Flags = ad.Uint32()
		case mptcph.AddrAttrIfIndex:
			info.IfIndex = ad.Int32()
		}
	}

	if err := ad.Err(); err != nil {
		return AddrInfo{}, err
	}

	return info, nil
}
