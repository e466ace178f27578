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
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/bassosimone/runtimex"
)

// Error messages
var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnknownEvent      = errors.New("unknown event")
	errNotIPv4           = errors.New("resolved address is not IPv4")
)

// maximum number of response bytes kept for diagnostics
const maxResponseSnapshot = 4096

//----------------------------------------------------------------------

// State of a session
type State int

// session states
const (
	StateBooting State = iota
	StateAssociating
	StateIPAcquired
	StateResolving
	StateConnecting
	StateConnected
	StateRequestSent
	StateResponseReceived
	StateDone    // WiFi torn down after the exchange
	StateStalled // flow abandoned, waiting for reset
)

var stateNames = []string{
	"booting", "associating", "ip-acquired", "resolving", "connecting",
	"connected", "request-sent", "response-received", "done", "stalled",
}

// String returns a human-readable state name
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal returns true if no further transition (except logging
// events) is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateStalled
}

//----------------------------------------------------------------------

// SessionConfig for a new session
type SessionConfig struct {
	Target   Target
	Platform Platform
	Logger   *slog.Logger // nil for no logging
	Reporter Reporter     // nil for no status reports
}

// Snapshot of session data for diagnostics
type Snapshot struct {
	ID       string
	State    State
	Request  []byte
	Response []byte
}

// Session posts one record over one secure connection. All methods
// except Snapshot and State must be called from a single goroutine
// (see Loop).
type Session struct {
	id     string
	target Target
	plat   Platform
	log    *slog.Logger
	rep    Reporter

	req    Request    // request buffers
	conn   SecureConn // established connection (or nil)
	closed bool       // close requested on conn

	mu    sync.Mutex // guards fields below
	state State
	sent  []byte // copy of last sent request
	resp  []byte // received response (truncated)
}

// NewSession creates a session in state "booting".
func NewSession(cfg SessionConfig) *Session {
	runtimex.Assert(cfg.Platform != nil)
	s := &Session{
		id:     newSessionID(),
		target: cfg.Target,
		plat:   cfg.Platform,
		rep:    cfg.Reporter,
		state:  StateBooting,
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	s.log = logger.With(slog.String("id", s.id))
	s.log.Info("session:new", slog.String("host", s.target.Host()))
	return s
}

// ID of the session
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session data.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:       s.id,
		State:    s.state,
		Request:  append([]byte(nil), s.sent...),
		Response: append([]byte(nil), s.resp...),
	}
}

// set new state
func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Debug("session:state", slog.String("from", prev.String()), slog.String("to", st.String()))
}

// report status (if a reporter is set)
func (s *Session) report(flag int) {
	if s.rep != nil {
		s.rep.Set(flag, 0)
	}
}

// stall the session: no further progress without reset.
func (s *Session) stall(flag int) {
	s.report(flag)
	s.setState(StateStalled)
}

//----------------------------------------------------------------------

// Associate starts the WiFi association; events go to sink.
func (s *Session) Associate(sink EventSink) error {
	if st := s.State(); st != StateBooting {
		return fmt.Errorf("%w: associate in state %s", ErrIllegalTransition, st)
	}
	if err := s.plat.Start(sink); err != nil {
		s.log.Error("wifi:start-failed", errAttrs(err)...)
		s.stall(StatWIFI)
		return err
	}
	s.setState(StateAssociating)
	return nil
}

// Handle an event delivered by the platform.
func (s *Session) Handle(ev Event) error {
	st := s.State()
	switch e := ev.(type) {
	case WifiConnected:
		s.log.Info("wifi:connected", slog.String("ssid", e.SSID), slog.Int("channel", e.Channel))
		return nil
	case WifiDisconnected:
		s.log.Info("wifi:disconnected", slog.String("ssid", e.SSID), slog.Int("reason", e.Reason))
		if st == StateAssociating {
			if e.Reason == ReasonDeviceFailure {
				s.report(StatDEV)
			} else {
				s.report(StatWPA2)
			}
		}
		return nil
	case AuthModeChanged:
		s.log.Info("wifi:auth-mode-changed", slog.Int("old", e.Old), slog.Int("new", e.New))
		return nil
	case DHCPTimeout:
		s.log.Warn("wifi:dhcp-timeout")
		if st == StateAssociating {
			s.report(StatDHCP)
		}
		return nil
	case GotIP:
		if st != StateAssociating {
			break
		}
		s.onGotIP(e)
		return nil
	case Resolved:
		if st != StateResolving {
			break
		}
		s.log.Info("dns:resolved", slog.String("host", e.Host), slog.String("addr", e.Addr.String()))
		s.connect(e.Addr)
		return nil
	case ResolveFailed:
		if st != StateResolving {
			break
		}
		s.log.Error("dns:lookup-failed", append([]any{slog.String("host", e.Host)}, errAttrs(e.Err)...)...)
		s.stall(StatDNS2)
		return nil
	case Connected:
		if st != StateConnecting {
			break
		}
		s.onConnected(e.Conn)
		return nil
	case Sent:
		if st != StateConnected && st != StateRequestSent {
			break
		}
		s.log.Info("conn:sent", slog.Int("bytes", e.N))
		if st == StateConnected {
			s.setState(StateRequestSent)
		}
		return nil
	case Received:
		if st != StateConnected && st != StateRequestSent && st != StateResponseReceived {
			break
		}
		s.onReceived(e.Data)
		return nil
	case Disconnected:
		if st < StateConnecting || st > StateResponseReceived {
			break
		}
		s.onDisconnected(st, e.Err)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	s.log.Warn("session:illegal-event", slog.String("event", ev.Name()), slog.String("state", st.String()))
	return fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, ev.Name(), st)
}

// IP address acquired: start name resolution.
func (s *Session) onGotIP(e GotIP) {
	s.log.Info("wifi:got-ip",
		slog.String("ip", e.IP.String()),
		slog.String("mask", e.Mask.String()),
		slog.String("gw", e.Gateway.String()),
	)
	s.setState(StateIPAcquired)

	host := s.target.Host()
	addr, status, err := s.plat.Resolve(host)
	if err != nil {
		s.log.Error("dns:start-failed", append([]any{slog.String("host", host)}, errAttrs(err)...)...)
		s.stall(StatDNS1)
		return
	}
	s.setState(StateResolving)
	switch status {
	case ResolveCached:
		s.log.Info("dns:cached", slog.String("host", host), slog.String("addr", addr.String()))
		s.connect(addr)
	case ResolveInProgress:
		s.log.Debug("dns:in-progress", slog.String("host", host))
	default:
		s.log.Error("dns:bad-status", slog.String("host", host), slog.Int("status", int(status)))
		s.stall(StatDNS1)
	}
}

// start secure connection to resolved address
func (s *Session) connect(addr netip.Addr) {
	addr = addr.Unmap()
	if !addr.Is4() {
		s.log.Error("dns:bad-address", append([]any{slog.String("addr", addr.String())}, errAttrs(errNotIPv4)...)...)
		s.stall(StatDNS2)
		return
	}
	ep := Endpoint{
		Remote:      netip.AddrPortFrom(addr, RemotePort),
		ServerName:  s.target.Host(),
		RecvBufSize: RecvBufSize,
	}
	s.setState(StateConnecting)
	s.log.Info("tls:connect", slog.String("remote", ep.Remote.String()), slog.String("sni", ep.ServerName))
	if err := s.plat.DialSecure(ep); err != nil {
		s.log.Error("tls:connect-failed", errAttrs(err)...)
		s.stall(StatTLS)
	}
}

// secure connection established: send the request.
func (s *Session) onConnected(conn SecureConn) {
	s.conn = conn
	s.closed = false
	s.setState(StateConnected)

	if err := s.req.Format(s.target); err != nil {
		s.log.Error("http:format-failed", errAttrs(err)...)
		s.report(StatSEND)
		return
	}
	data := s.req.Bytes()
	s.mu.Lock()
	s.sent = append(s.sent[:0], data...)
	s.mu.Unlock()
	s.log.Info("http:request", slog.Int("len", len(data)), slog.String("content", string(data)))

	if err := conn.Send(data); err != nil {
		// connection is left open
		s.log.Error("http:send-failed", errAttrs(err)...)
		s.report(StatSEND)
	}
}

// response data received: close the connection.
func (s *Session) onReceived(data []byte) {
	s.log.Info("conn:received", slog.Int("len", len(data)), slog.String("payload", string(data)))
	s.mu.Lock()
	if room := maxResponseSnapshot - len(s.resp); room > 0 {
		s.resp = append(s.resp, data[:min(room, len(data))]...)
	}
	s.mu.Unlock()
	s.setState(StateResponseReceived)

	if s.closed {
		return
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		s.log.Warn("tls:close-failed", errAttrs(err)...)
	}
}

// connection closed: tear down WiFi.
func (s *Session) onDisconnected(st State, cause error) {
	if cause != nil {
		s.log.Info("conn:disconnected", errAttrs(cause)...)
	} else {
		s.log.Info("conn:disconnected")
	}
	if err := s.plat.Disconnect(); err != nil {
		s.log.Warn("wifi:disconnect-failed", errAttrs(err)...)
	}
	s.conn = nil
	if st == StateConnecting {
		s.report(StatTLS)
	} else {
		s.report(StatDONE)
	}
	s.setState(StateDone)
}
