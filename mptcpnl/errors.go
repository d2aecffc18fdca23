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

import "errors"

// ErrUnavailable is returned by commands while the MPTCP generic netlink
// family is not present in the kernel.  The family may appear later; callers
// are free to retry.
var ErrUnavailable = errors.New("MPTCP generic netlink family is unavailable")

// ErrUnsupported is returned by commands which the resolved kernel API
// variant does not expose.  No message is sent to the kernel in that case.
var ErrUnsupported = errors.New("command not supported by the kernel MPTCP API")

// IsUnavailable checks if err indicates that the MPTCP generic netlink
// family is not currently available.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsUnsupported checks if err indicates a command the running kernel's MPTCP
// API does not expose.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
