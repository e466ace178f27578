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

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/bfix/fbpost"
)

// WiFi credentials, database target and diagnostics listener
// (set with -ldflags '-X main.SSID=...').
var (
	SSID     string
	Passwd   string
	Hostname string = "fbpost"
	Project  string
	Save     string
	Auth     string
	Listen   string // 9p listen address for diagnostics (host only)
)

// post one record and tear down WiFi
func main() {
	// access device
	dev := fbpost.InitDevice()
	state := fbpost.NewStatus(dev)
	defer state.Trap(30 * time.Second)

	// Give time to connect to USB and monitor output.
	time.Sleep(2 * time.Second)
	logger := fbpost.ConsoleLogger()

	creds := fbpost.Credentials{SSID: SSID, Passwd: Passwd}
	target := fbpost.DefaultTarget(Project, Save, Auth)
	for _, err := range []error{creds.Validate(), target.Validate()} {
		if err != nil {
			logger.Error("config:invalid", slog.String("err", err.Error()))
			state.Set(fbpost.StatCFG, 0)
			return
		}
	}

	session, loop, err := fbpost.Boot(dev, fbpost.BootConfig{
		Credentials: creds,
		Hostname:    Hostname,
		Target:      target,
		Logger:      logger,
		Reporter:    state,
	})
	if len(Listen) > 0 {
		go func() {
			ns := fbpost.NewDiagnostics(dev, session, state, target)
			if err := ns.Serve(Listen); err != nil {
				logger.Warn("diag:serve-failed", slog.String("err", err.Error()))
			}
		}()
	}
	if err != nil {
		logger.Error("boot:failed", slog.String("err", err.Error()))
		return
	}
	if err = loop.Run(context.Background(), session); err != nil {
		logger.Error("main:aborted", slog.String("err", err.Error()))
		return
	}
	logger.Info("main:done", slog.String("session", session.ID()))

	// tinygo flash -target pico2-w -scheduler tasks \
	//   -ldflags '-X main.SSID=... -X main.Passwd=... -X main.Project=... -X main.Save=... -X main.Auth=...' ./example
}
