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

// Event is a transition input delivered by the platform.
type Event interface {
	// Name of the event (for logging)
	Name() string
}

// WifiConnected: station associated with the access point.
type WifiConnected struct {
	SSID    string
	Channel int
}

// WifiDisconnected: station lost (or never got) the association.
type WifiDisconnected struct {
	SSID   string
	Reason int
}

// disconnect reasons not defined by 802.11
const (
	ReasonJoinFailed    = -1 // association or authentication refused
	ReasonDeviceFailure = -2 // WiFi chip did not initialize
)

// AuthModeChanged: access point changed its authentication mode.
type AuthModeChanged struct {
	Old, New int
}

// GotIP: station acquired an IP address.
type GotIP struct {
	IP      netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
}

// DHCPTimeout: no DHCP lease was obtained.
type DHCPTimeout struct{}

// Resolved: pending name resolution completed.
type Resolved struct {
	Host string
	Addr netip.Addr
}

// ResolveFailed: pending name resolution failed.
type ResolveFailed struct {
	Host string
	Err  error
}

// Connected: secure connection established.
type Connected struct {
	Conn SecureConn
}

// Sent: request data was written.
type Sent struct {
	N int
}

// Received: response data arrived.
type Received struct {
	Data []byte
}

// Disconnected: secure connection closed (or failed to open).
type Disconnected struct {
	Err error
}

func (WifiConnected) Name() string    { return "wifi-connected" }
func (WifiDisconnected) Name() string { return "wifi-disconnected" }
func (AuthModeChanged) Name() string  { return "auth-mode-changed" }
func (GotIP) Name() string            { return "got-ip" }
func (DHCPTimeout) Name() string      { return "dhcp-timeout" }
func (Resolved) Name() string         { return "resolved" }
func (ResolveFailed) Name() string    { return "resolve-failed" }
func (Connected) Name() string        { return "connected" }
func (Sent) Name() string             { return "sent" }
func (Received) Name() string         { return "received" }
func (Disconnected) Name() string     { return "disconnected" }

// EventSink receives events from the platform.
type EventSink interface {
	Post(ev Event)
}
