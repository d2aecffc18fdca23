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

// Package mptcph contains constants mirroring the <linux/mptcp.h> UAPI
// headers used to access MPTCP path management information over generic
// netlink.
//
// Two variants of the header exist in the wild: the upstream, server-oriented
// API (generic netlink family "mptcp_pm") and the multipath-tcp.org,
// client-oriented API (family "mptcp").  Both are kept here since the variant
// in use is only known at runtime, once one of the families resolves.
package mptcph
