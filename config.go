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
	"errors"
)

// Connection constants
const (
	RemotePort  = 443      // HTTPS
	RecvBufSize = 5 * 1024 // TLS receive buffer hint
	hostSuffix  = ".firebaseio.com"
	pathPrefix  = "/rest/saving-data/"
)

// Error messages
var (
	errNoSSID    = errors.New("no SSID configured")
	errNoProject = errors.New("no database project configured")
	errNoSave    = errors.New("no save path configured")
)

// Credentials for the WiFi access point.
type Credentials struct {
	SSID   string
	Passwd string
}

// Validate returns an error if no SSID is set. An empty passphrase
// selects an open network.
func (c Credentials) Validate() error {
	if len(c.SSID) == 0 {
		return errNoSSID
	}
	return nil
}

// Target describes the database endpoint and the record to store.
type Target struct {
	Project string // database project (first label of the host name)
	Save    string // path of the saved record below "/rest/saving-data/"
	Auth    string // database secret/token

	Key  string // name of the stored record
	Name string // "name" field of the record
	Date string // "date" field of the record
}

// DefaultTarget returns a target with the default record content.
func DefaultTarget(project, save, auth string) Target {
	return Target{
		Project: project,
		Save:    save,
		Auth:    auth,
		Key:     "test1",
		Name:    "hiro99ma",
		Date:    "06/04",
	}
}

// Host name of the database server.
func (t Target) Host() string {
	return t.Project + hostSuffix
}

// Path (with query) of the POST request.
func (t Target) Path() string {
	return pathPrefix + t.Save + ".json?auth=" + t.Auth
}

// Validate the target.
func (t Target) Validate() error {
	if len(t.Project) == 0 {
		return errNoProject
	}
	if len(t.Save) == 0 {
		return errNoSave
	}
	return nil
}
