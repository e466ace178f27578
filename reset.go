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

import "strconv"

// ResetCause is the hardware-reported reason for the last restart.
type ResetCause int

// reset causes
const (
	ResetPowerOn       ResetCause = iota // power-on (default)
	ResetWatchdog                        // hardware watchdog
	ResetException                       // fatal exception
	ResetSoftWatchdog                    // software watchdog
	ResetSoftRestart                     // software restart
	ResetDeepSleepWake                   // wake from deep sleep
	ResetExternal                        // external reset pin
)

var resetNames = map[ResetCause]string{
	ResetPowerOn:       "power-on",
	ResetWatchdog:      "watchdog",
	ResetException:     "exception",
	ResetSoftWatchdog:  "soft-watchdog",
	ResetSoftRestart:   "soft-restart",
	ResetDeepSleepWake: "deep-sleep-wake",
	ResetExternal:      "external",
}

// Known returns true for a recognized reset cause.
func (r ResetCause) Known() bool {
	_, ok := resetNames[r]
	return ok
}

// String returns a human-readable label
func (r ResetCause) String() string {
	if s, ok := resetNames[r]; ok {
		return s
	}
	return "unknown(0x" + strconv.FormatInt(int64(r), 16) + ")"
}
