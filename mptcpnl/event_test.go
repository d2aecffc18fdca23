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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/multipath-tcp/go-mptcpd/mptcpnl/internal/mptcph"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A logRecorder is a slog.Handler capturing log records for assertions.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level   slog.Level
	message string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, logEntry{level: rec.Level, message: rec.Message})
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) count(level slog.Level, substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for _, e := range r.entries {
		if e.level == level && strings.Contains(e.message, substr) {
			n++
		}
	}

	return n
}

func mustMarshalAttributes(t *testing.T, attrs []netlink.Attribute) []byte {
	t.Helper()

	b, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		t.Fatalf("failed to marshal attributes: %v", err)
	}

	return b
}

func eventMessage(t *testing.T, cmd uint8, attrs []netlink.Attribute) genetlink.Message {
	t.Helper()

	return genetlink.Message{
		Header: genetlink.Header{Command: cmd},
		Data:   mustMarshalAttributes(t, attrs),
	}
}

func pmNameBytes(name string) []byte {
	b := make([]byte, mptcph.PMNameLen)
	copy(b, name)
	return b
}

func TestDecodeEventOK(t *testing.T) {
	var (
		laddr4 = net.ParseIP("10.0.0.1").To4()
		raddr4 = net.ParseIP("10.0.0.2").To4()
		laddr6 = net.ParseIP("2001:db8::1").To16()
		raddr6 = net.ParseIP("2001:db8::2").To16()
	)

	tests := []struct {
		desc  string
		s     *schema
		cmd   uint8
		attrs []netlink.Attribute
		want  Event
	}{
		{
			desc: "created IPv4",
			s:    clientSchema,
			cmd:  mptcph.EventCreated,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0xA1B2C3D4)},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1234)},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(80)},
			},
			want: ConnectionCreated{
				Token:  0xA1B2C3D4,
				Local:  IPv4Addr(laddr4, 1234),
				Remote: IPv4Addr(raddr4, 80),
			},
		},
		{
			desc: "created IPv6 with backup and path manager name",
			s:    clientSchema,
			cmd:  mptcph.EventCreated,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x01)},
				{Type: mptcph.AttrSaddr6, Data: laddr6},
				{Type: mptcph.AttrSport, Data: portBytes(4000)},
				{Type: mptcph.AttrDaddr6, Data: raddr6},
				{Type: mptcph.AttrDport, Data: portBytes(443)},
				{Type: mptcph.AttrBackup, Data: nil},
				{Type: mptcph.AttrPathManager, Data: pmNameBytes("rr")},
			},
			want: ConnectionCreated{
				Token:       0x01,
				Local:       IPv6Addr(laddr6, 4000),
				Remote:      IPv6Addr(raddr6, 443),
				Backup:      true,
				PathManager: "rr",
			},
		},
		{
			desc: "established",
			s:    clientSchema,
			cmd:  mptcph.EventEstablished,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x02)},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1)},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(2)},
			},
			want: ConnectionEstablished{
				Token:  0x02,
				Local:  IPv4Addr(laddr4, 1),
				Remote: IPv4Addr(raddr4, 2),
			},
		},
		{
			desc: "closed",
			s:    serverSchema,
			cmd:  mptcph.EventClosed,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0xDEAD)},
			},
			want: ConnectionClosed{Token: 0xDEAD},
		},
		{
			desc: "announced",
			s:    serverSchema,
			cmd:  mptcph.EventAnnounced,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x03)},
				{Type: mptcph.AttrRemID, Data: []byte{8}},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(8080)},
			},
			want: AddressAnnounced{
				Token:    0x03,
				RemoteID: 8,
				Remote:   IPv4Addr(raddr4, 8080),
			},
		},
		{
			desc: "removed",
			s:    serverSchema,
			cmd:  mptcph.EventRemoved,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x04)},
				{Type: mptcph.AttrRemID, Data: []byte{9}},
			},
			want: AddressRemoved{Token: 0x04, RemoteID: 9},
		},
		{
			desc: "subflow established",
			s:    serverSchema,
			cmd:  mptcph.EventSubEstablished,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x05)},
				{Type: mptcph.AttrLocID, Data: []byte{1}},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1000)},
				{Type: mptcph.AttrRemID, Data: []byte{2}},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(2000)},
				{Type: mptcph.AttrBackup, Data: nil},
			},
			want: SubflowEstablished{
				Token:    0x05,
				LocalID:  1,
				Local:    IPv4Addr(laddr4, 1000),
				RemoteID: 2,
				Remote:   IPv4Addr(raddr4, 2000),
				Backup:   true,
			},
		},
		{
			desc: "subflow closed",
			s:    serverSchema,
			cmd:  mptcph.EventSubClosed,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x06)},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1000)},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(2000)},
			},
			want: SubflowClosed{
				Token:  0x06,
				Local:  IPv4Addr(laddr4, 1000),
				Remote: IPv4Addr(raddr4, 2000),
			},
		},
		{
			desc: "subflow priority without backup flag",
			s:    serverSchema,
			cmd:  mptcph.EventSubPriority,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x07)},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1000)},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(2000)},
			},
			want: SubflowPriority{
				Token:  0x07,
				Local:  IPv4Addr(laddr4, 1000),
				Remote: IPv4Addr(raddr4, 2000),
				Backup: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			ev, err := decodeEvent(discardLogger(), tt.s, eventMessage(t, tt.cmd, tt.attrs))
			if err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}

			if diff := cmp.Diff(tt.want, ev); diff != "" {
				t.Fatalf("unexpected event (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEventRequiredMissing(t *testing.T) {
	laddr4 := net.ParseIP("10.0.0.1").To4()
	raddr4 := net.ParseIP("10.0.0.2").To4()

	tests := []struct {
		desc  string
		cmd   uint8
		attrs []netlink.Attribute
	}{
		{
			desc: "created missing remote port",
			cmd:  mptcph.EventCreated,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x01)},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1234)},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
			},
		},
		{
			desc:  "closed missing token",
			cmd:   mptcph.EventClosed,
			attrs: nil,
		},
		{
			desc: "announced missing address",
			cmd:  mptcph.EventAnnounced,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x01)},
				{Type: mptcph.AttrRemID, Data: []byte{1}},
				{Type: mptcph.AttrDport, Data: portBytes(80)},
			},
		},
		{
			desc: "subflow established missing local id",
			cmd:  mptcph.EventSubEstablished,
			attrs: []netlink.Attribute{
				{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x01)},
				{Type: mptcph.AttrSaddr4, Data: laddr4},
				{Type: mptcph.AttrSport, Data: portBytes(1)},
				{Type: mptcph.AttrRemID, Data: []byte{2}},
				{Type: mptcph.AttrDaddr4, Data: raddr4},
				{Type: mptcph.AttrDport, Data: portBytes(2)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			rec := &logRecorder{}
			ll := slog.New(rec)

			ev, err := decodeEvent(ll, serverSchema, eventMessage(t, tt.cmd, tt.attrs))
			if err == nil {
				t.Fatalf("expected an error, but none occurred: %+v", ev)
			}

			if n := rec.count(slog.LevelError, "required attributes missing"); n != 1 {
				t.Fatalf("expected 1 required-attributes error log, got %d", n)
			}
		})
	}
}

// A malformed attribute length leaves the slot unset: the event is rejected
// when the attribute is required and decoded without it when optional.
func TestDecodeEventAttributeLength(t *testing.T) {
	laddr4 := net.ParseIP("10.0.0.1").To4()
	raddr4 := net.ParseIP("192.0.2.7").To4()

	t.Run("announced with oversized remote id", func(t *testing.T) {
		rec := &logRecorder{}
		ll := slog.New(rec)

		// REM_ID carries two bytes instead of one.
		m := eventMessage(t, mptcph.EventAnnounced, []netlink.Attribute{
			{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x09)},
			{Type: mptcph.AttrRemID, Data: []byte{1, 2}},
			{Type: mptcph.AttrDaddr4, Data: raddr4},
			{Type: mptcph.AttrDport, Data: portBytes(80)},
		})

		if _, err := decodeEvent(ll, serverSchema, m); err == nil {
			t.Fatal("expected an error, but none occurred")
		}

		if n := rec.count(slog.LevelError, "attribute length"); n != 1 {
			t.Fatalf("expected 1 attribute-length error log, got %d", n)
		}
		if n := rec.count(slog.LevelError, "required attributes missing"); n != 1 {
			t.Fatalf("expected 1 required-attributes error log, got %d", n)
		}
	})

	t.Run("created with non-empty backup flag", func(t *testing.T) {
		rec := &logRecorder{}
		ll := slog.New(rec)

		m := eventMessage(t, mptcph.EventCreated, []netlink.Attribute{
			{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x0A)},
			{Type: mptcph.AttrSaddr4, Data: laddr4},
			{Type: mptcph.AttrSport, Data: portBytes(1)},
			{Type: mptcph.AttrDaddr4, Data: raddr4},
			{Type: mptcph.AttrDport, Data: portBytes(2)},
			{Type: mptcph.AttrBackup, Data: []byte{1}},
		})

		ev, err := decodeEvent(ll, serverSchema, m)
		if err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}

		created, ok := ev.(ConnectionCreated)
		if !ok {
			t.Fatalf("unexpected event type: %T", ev)
		}
		if created.Backup {
			t.Fatal("malformed backup flag must decode as unset")
		}

		if n := rec.count(slog.LevelError, "attribute length"); n != 1 {
			t.Fatalf("expected 1 attribute-length error log, got %d", n)
		}
	})
}

func TestDecodeEventUnknownAttributeSkipped(t *testing.T) {
	rec := &logRecorder{}
	ll := slog.New(rec)

	m := eventMessage(t, mptcph.EventClosed, []netlink.Attribute{
		{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x0B)},
		{Type: 200, Data: []byte{1, 2, 3}},
	})

	ev, err := decodeEvent(ll, serverSchema, m)
	if err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}

	if diff := cmp.Diff(ConnectionClosed{Token: 0x0B}, ev); diff != "" {
		t.Fatalf("unexpected event (-want +got):\n%s", diff)
	}

	if n := rec.count(slog.LevelWarn, "unknown event attribute"); n != 1 {
		t.Fatalf("expected 1 unknown-attribute warning, got %d", n)
	}
}

// The path manager name attribute is only decoded on the schema that
// defines it.
func TestDecodeEventPathManagerSchemaGated(t *testing.T) {
	laddr4 := net.ParseIP("10.0.0.1").To4()
	raddr4 := net.ParseIP("10.0.0.2").To4()

	attrs := []netlink.Attribute{
		{Type: mptcph.AttrToken, Data: nlenc.Uint32Bytes(0x0C)},
		{Type: mptcph.AttrSaddr4, Data: laddr4},
		{Type: mptcph.AttrSport, Data: portBytes(1)},
		{Type: mptcph.AttrDaddr4, Data: raddr4},
		{Type: mptcph.AttrDport, Data: portBytes(2)},
		{Type: mptcph.AttrPathManager, Data: pmNameBytes("bw")},
	}

	for _, tt := range []struct {
		desc string
		s    *schema
		want string
	}{
		{desc: "client schema decodes the name", s: clientSchema, want: "bw"},
		{desc: "server schema ignores the name", s: serverSchema, want: ""},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			ev, err := decodeEvent(discardLogger(), tt.s, eventMessage(t, mptcph.EventCreated, attrs))
			if err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}

			if got := ev.(ConnectionCreated).PathManager; got != tt.want {
				t.Fatalf("unexpected path manager name: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeEventUnhandledCommand(t *testing.T) {
	m := eventMessage(t, 42, nil)

	if _, err := decodeEvent(discardLogger(), serverSchema, m); err == nil {
		t.Fatal("expected an error, but none occurred")
	}
}

func TestEventNameFallback(t *testing.T) {
	if got, want := eventName(99), fmt.Sprintf("MPTCP event %d", 99); got != want {
		t.Fatalf("unexpected event name: got %q, want %q", got, want)
	}
}
