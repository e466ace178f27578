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
	"net/netip"
	"slices"

	"github.com/bassosimone/slogstub"
)

// expected wire format for testTarget()
const (
	testBody    = "{\"test1\":{\"now\":{\".sv\":\"timestamp\"},\"name\":\"hiro99ma\",\"date\":\"06/04\"}}\r\n"
	testRequest = "POST /rest/saving-data/data.json?auth=tok HTTP/1.1\r\n" +
		"Host: proj.firebaseio.com\r\n" +
		"Accept: */*\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 72\r\n" +
		"\r\n" +
		testBody
)

func testTarget() Target {
	return DefaultTarget("proj", "data", "tok")
}

//----------------------------------------------------------------------

// fakePlatform records all calls made by a session.
type fakePlatform struct {
	reset ResetCause
	leds  []bool

	configs      []StationConfig
	configureErr error
	starts       int
	startErr     error
	sink         EventSink

	resolves      []string
	resolveAddr   netip.Addr
	resolveStatus ResolveStatus
	resolveErr    error

	dials   []Endpoint
	dialErr error

	disconnects int
}

var _ Device = &fakePlatform{}

func (p *fakePlatform) LED(on bool)            { p.leds = append(p.leds, on) }
func (p *fakePlatform) ResetCause() ResetCause { return p.reset }

func (p *fakePlatform) Configure(cfg StationConfig) error {
	p.configs = append(p.configs, cfg)
	return p.configureErr
}

func (p *fakePlatform) Start(sink EventSink) error {
	p.starts++
	p.sink = sink
	return p.startErr
}

func (p *fakePlatform) Disconnect() error {
	p.disconnects++
	return nil
}

func (p *fakePlatform) Resolve(host string) (netip.Addr, ResolveStatus, error) {
	p.resolves = append(p.resolves, host)
	return p.resolveAddr, p.resolveStatus, p.resolveErr
}

func (p *fakePlatform) DialSecure(ep Endpoint) error {
	p.dials = append(p.dials, ep)
	return p.dialErr
}

// fakeConn records sent data and close calls.
type fakeConn struct {
	sent    [][]byte
	sendErr error
	closes  int
	sink    EventSink // receives Sent after a successful send (or nil)
}

func (c *fakeConn) Send(data []byte) error {
	c.sent = append(c.sent, append([]byte(nil), data...))
	if c.sendErr == nil && c.sink != nil {
		c.sink.Post(Sent{N: len(data)})
	}
	return c.sendErr
}

func (c *fakeConn) Close() error {
	c.closes++
	return nil
}

// recordReporter collects reported status codes.
type recordReporter []int

func (r *recordReporter) Set(flag, num int) {
	*r = append(*r, flag)
}

// recordSink collects posted events.
type recordSink []Event

func (s *recordSink) Post(ev Event) {
	*s = append(*s, ev)
}

//----------------------------------------------------------------------

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. Attributes added with Logger.With are appended to each
// captured record.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	return slog.New(capturingHandler(&records, nil)), &records
}

func capturingHandler(records *[]slog.Record, attrs []slog.Attr) *slogstub.FuncHandler {
	return &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			record = record.Clone()
			record.AddAttrs(attrs...)
			*records = append(*records, record)
			return nil
		},
		WithAttrsFunc: func(more []slog.Attr) slog.Handler {
			return capturingHandler(records, append(slices.Clip(attrs), more...))
		},
		WithGroupFunc: func(name string) slog.Handler {
			return capturingHandler(records, attrs)
		},
	}
}

// findRecord returns the first record with the given message.
func findRecord(records []slog.Record, msg string) (slog.Record, bool) {
	for _, r := range records {
		if r.Message == msg {
			return r, true
		}
	}
	return slog.Record{}, false
}

// recordAttr returns the value of a record attribute.
func recordAttr(r slog.Record, key string) (val slog.Value, ok bool) {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			val, ok = a.Value, true
			return false
		}
		return true
	})
	return
}
