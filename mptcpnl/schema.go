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

import "github.com/multipath-tcp/go-mptcpd/mptcpnl/internal/mptcph"

// A schemaKind selects one of the two kernel MPTCP netlink API variants.
type schemaKind int

const (
	// kindServer is the upstream, server-oriented API ("mptcp_pm").
	kindServer schemaKind = iota

	// kindClient is the multipath-tcp.org, client-oriented API ("mptcp").
	kindClient
)

// A schema describes one kernel MPTCP netlink API variant: its family name,
// the multicast groups that carry MPTCP events, and which attributes it
// defines.  The codec is bound to exactly one schema per resolved family;
// there is no dual-mode encoding on a single socket.
type schema struct {
	// Kind discriminates the command encoding.
	Kind schemaKind

	// Name is the generic netlink family name to resolve.
	Name string

	// EventGroups are the multicast group names carrying MPTCP events.
	EventGroups []string

	// PathManager reports whether the variant defines the fixed-length
	// path manager name event attribute.
	PathManager bool
}

// The two known schemas.  The upstream variant wins when both families are
// present.
var (
	serverSchema = &schema{
		Kind:        kindServer,
		Name:        mptcph.PMName,
		EventGroups: []string{mptcph.PMEventGroupName},
		PathManager: false,
	}

	clientSchema = &schema{
		Kind:        kindClient,
		Name:        mptcph.GenlName,
		EventGroups: []string{mptcph.GenlEventGroupName},
		PathManager: true,
	}

	// schemas is the family probe order.
	schemas = []*schema{serverSchema, clientSchema}
)

// knownFamily reports whether name is the family name of a known schema.
func knownFamily(name string) bool {
	for _, s := range schemas {
		if s.Name == name {
			return true
		}
	}

	return false
}
