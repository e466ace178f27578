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
	"fmt"
	"sync/atomic"
	"time"
)

// status codes
const (
	StatUNK  = iota // unknown status (init)
	StatOK          // processing active
	StatDEV         // device failure
	StatCFG         // invalid build-time configuration
	StatWIFI        // can't connect to AP
	StatWPA2        // WPA2 failed
	StatDHCP        // no DHCP lease
	StatDNS1        // resolver could not be started
	StatDNS2        // name resolution failed
	StatTLS         // secure connection failed
	StatSEND        // sending request failed
	StatDONE        // record posted, WiFi down
	StatEXCP        // exception (panic) occured
)

// Reporter receives status changes of a session.
type Reporter interface {
	Set(flag, num int)
}

// Status handler.
// Show current status depending on hardware device.
type Status struct {
	curr   atomic.Int32 // current state
	repeat atomic.Int32 // current repeat counter
}

// NewStatus creates a new status display blinking the device LED.
// A nil device only keeps track of the state.
func NewStatus(dev Device) (state *Status) {
	state = new(Status)
	state.curr.Store(StatOK)
	if dev == nil {
		return
	}
	go func() {
		// blink LED <state>; <repeat> times
		for {
			time.Sleep(5 * time.Second)
			num := state.curr.Load()
			for num > 5 {
				dev.LED(true)
				time.Sleep(1000 * time.Millisecond)
				dev.LED(false)
				time.Sleep(300 * time.Millisecond)
				num -= 5
			}
			for range num {
				dev.LED(true)
				time.Sleep(150 * time.Millisecond)
				dev.LED(false)
				time.Sleep(150 * time.Millisecond)
			}
			// zero repeat count means "forever"
			if state.repeat.Add(-1) == 0 {
				state.curr.Store(StatOK)
			}
		}
	}()
	return
}

// Set status and repeat <num> times (0: until changed).
func (state *Status) Set(flag, num int) {
	if state != nil {
		state.curr.Store(int32(flag))
		state.repeat.Store(int32(num))
	}
}

// Get current state and repeat counter
func (state *Status) Get() (int, int) {
	return int(state.curr.Load()), int(state.repeat.Load())
}

// Trap critical failures (panic) and keep the status visible
// for the given time.
func (state *Status) Trap(t time.Duration) {
	s, _ := state.Get()
	if r := recover(); r != nil {
		fmt.Printf("EXCP: %v\n", r)
		state.Set(StatEXCP, 0)
	} else if s == StatOK {
		state.Set(StatUNK, 0)
	}
	time.Sleep(t)
}
