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
	"context"
	"log/slog"

	"github.com/bassosimone/runtimex"
)

// BootConfig collects the build-time settings.
type BootConfig struct {
	Credentials Credentials
	Hostname    string // DHCP host name
	Target      Target
	Logger      *slog.Logger
	Reporter    Reporter
}

// Boot logs the reset cause, configures station mode and starts the
// WiFi association. Events are queued on the returned loop.
func Boot(dev Device, cfg BootConfig) (*Session, *Loop, error) {
	runtimex.Assert(dev != nil)
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	logger.Info("boot:ready")

	cause := dev.ResetCause()
	if cause.Known() {
		logger.Info("boot:reset-cause", slog.String("reason", cause.String()))
	} else {
		logger.Warn("boot:reset-cause", slog.String("reason", cause.String()))
	}

	session := NewSession(SessionConfig{
		Target:   cfg.Target,
		Platform: dev,
		Logger:   logger,
		Reporter: cfg.Reporter,
	})
	loop := NewLoop(logger)

	err := dev.Configure(StationConfig{
		SSID:     cfg.Credentials.SSID,
		Passwd:   cfg.Credentials.Passwd,
		Hostname: cfg.Hostname,
	})
	if err != nil {
		logger.Error("boot:station-config-failed", errAttrs(err)...)
		session.stall(StatWIFI)
		return session, loop, err
	}
	if err = session.Associate(loop); err != nil {
		return session, loop, err
	}
	return session, loop, nil
}

// Run boots the device and processes events until the record is
// posted and WiFi is down, or the context is canceled.
func Run(ctx context.Context, dev Device, cfg BootConfig) (*Session, error) {
	session, loop, err := Boot(dev, cfg)
	if err != nil {
		return session, err
	}
	return session, loop.Run(ctx, session)
}
