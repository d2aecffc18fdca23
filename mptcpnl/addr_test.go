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
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddrBytes(t *testing.T) {
	tests := []struct {
		desc    string
		addr    Addr
		wantLen int
		invalid bool
	}{
		{
			desc:    "IPv4",
			addr:    IPv4Addr(net.ParseIP("192.0.2.5"), 80),
			wantLen: net.IPv4len,
		},
		{
			desc:    "IPv6",
			addr:    IPv6Addr(net.ParseIP("2001:db8::1"), 80),
			wantLen: net.IPv6len,
		},
		{
			desc:    "IPv6 address tagged as IPv4",
			addr:    Addr{Family: unix.AF_INET, IP: net.ParseIP("2001:db8::1")},
			invalid: true,
		},
		{
			desc:    "unknown family",
			addr:    Addr{Family: unix.AF_PACKET, IP: net.ParseIP("192.0.2.5")},
			invalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			b, err := tt.addr.bytes()
			if tt.invalid {
				if err == nil {
					t.Fatal("expected an error, but none occurred")
				}
				return
			}

			if err != nil {
				t.Fatalf("failed to get address bytes: %v", err)
			}
			if len(b) != tt.wantLen {
				t.Fatalf("unexpected length: got %d, want %d", len(b), tt.wantLen)
			}
		})
	}
}

func TestAddrString(t *testing.T) {
	a := IPv4Addr(net.ParseIP("10.0.0.1"), 1234)
	if got, want := a.String(), "10.0.0.1:1234"; got != want {
		t.Fatalf("unexpected string: got %q, want %q", got, want)
	}
}

func TestTokenString(t *testing.T) {
	if got, want := Token(0xA1B2C3D4).String(), "0xa1b2c3d4"; got != want {
		t.Fatalf("unexpected string: got %q, want %q", got, want)
	}
}
