//----------------------------------------------------------------------
// This file is part of fbpost.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// fbpost is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// fbpost is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package fbpost

import (
	"net/netip"
)

// StationConfig for WiFi station (client) mode
type StationConfig struct {
	SSID     string
	Passwd   string
	Hostname string // DHCP host name
}

// Station is the WiFi client interface.
type Station interface {
	// Configure station mode with credentials. Must be called before Start.
	Configure(cfg StationConfig) error

	// Start association; WiFi events are posted to sink.
	Start(sink EventSink) error

	// Disconnect from the access point.
	Disconnect() error
}

// ResolveStatus is the immediate outcome of a resolver call.
type ResolveStatus int

// resolver outcomes
const (
	ResolveCached     ResolveStatus = iota // answer available now
	ResolveInProgress                      // answer is posted later
)

// Resolver translates host names to IPv4 addresses.
type Resolver interface {
	// Resolve host name. A cached answer is returned directly; otherwise
	// the result is posted as Resolved or ResolveFailed event.
	Resolve(host string) (netip.Addr, ResolveStatus, error)
}

// Endpoint of a secure connection.
type Endpoint struct {
	Remote      netip.AddrPort
	LocalPort   uint16 // zero for ephemeral port
	ServerName  string // TLS server name
	RecvBufSize int    // TLS receive buffer hint
}

// SecureConn is an established TLS connection.
type SecureConn interface {
	// Send data; completion is posted as Sent event.
	Send(data []byte) error

	// Close the connection; a Disconnected event follows.
	Close() error
}

// SecureDialer opens TLS connections.
type SecureDialer interface {
	// DialSecure starts a connection; the outcome is posted as
	// Connected or Disconnected event.
	DialSecure(ep Endpoint) error
}

// Platform bundles the network services a session needs.
type Platform interface {
	Station
	Resolver
	SecureDialer
}

// Device is a hardware abstraction
type Device interface {
	Platform

	// LED on or off (if applicable)
	LED(on bool)

	// ResetCause returns the reason for the last restart.
	ResetCause() ResetCause
}
