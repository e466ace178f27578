//go:build !rp2350

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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/tlsstub"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcExchanger adapts a function to [DNSExchanger].
type funcExchanger func(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)

func (f funcExchanger) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	return f(ctx, m, address)
}

// answerA replies to every query with one A record.
func answerA(ip net.IP, ttl uint32) funcExchanger {
	return func(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
		resp := new(dns.Msg)
		resp.SetReply(m)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   m.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			A: ip,
		})
		return resp, time.Millisecond, nil
	}
}

// chanSink forwards posted events to a channel.
type chanSink chan Event

func (s chanSink) Post(ev Event) {
	s <- ev
}

// next event or failure after a second
func (s chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return nil
	}
}

func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 54321} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 443} },
	}
}

// server simulates the database behind a TLS connection.
type server struct {
	mu       sync.Mutex
	request  []byte
	closes   int
	written  chan struct{}
	reads    int
	response string
}

func newServer(response string) *server {
	return &server{written: make(chan struct{}), response: response}
}

// tlsConn returns a TLS connection backed by the server.
func (srv *server) tlsConn() *tlsstub.FuncTLSConn {
	conn := newMinimalConn()
	conn.WriteFunc = func(b []byte) (int, error) {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		srv.request = append(srv.request, b...)
		close(srv.written)
		return len(b), nil
	}
	conn.ReadFunc = func(b []byte) (int, error) {
		<-srv.written
		srv.mu.Lock()
		defer srv.mu.Unlock()
		srv.reads++
		if srv.reads > 1 {
			return 0, io.EOF
		}
		return copy(b, srv.response), nil
	}
	conn.CloseFunc = func() error {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		srv.closes++
		return nil
	}
	return &tlsstub.FuncTLSConn{
		FuncConn: conn,
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{Version: tls.VersionTLS13}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// newTestDevice returns a host device wired to fakes.
func newTestDevice(srv *server) *LinuxDevice {
	dev := NewLinuxDevice(nil)
	dev.DNSServer = "192.168.1.1:53"
	dev.DNS = answerA(net.IPv4(10, 0, 0, 7), 300)
	dev.Addrs = func() ([]net.Addr, error) {
		return []net.Addr{
			&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)},
			&net.IPNet{IP: net.IPv4(192, 168, 1, 2), Mask: net.CIDRMask(24, 32)},
		}, nil
	}
	dev.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return newMinimalConn(), nil
		},
	}
	tconn := srv.tlsConn()
	dev.Engine = &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return tconn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
	return dev
}

// A full boot cycle against fakes posts the record and tears down.
func TestLinuxDeviceRun(t *testing.T) {
	srv := newServer("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	dev := newTestDevice(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Run(ctx, dev, testBootConfig(nil))

	require.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, testRequest, string(srv.request))
	assert.Equal(t, 1, srv.closes)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", string(s.Snapshot().Response))

	addr, ok := dev.Cache.Lookup("proj.firebaseio.com")
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), addr)
	_, _, err = dev.Resolve("proj.firebaseio.com")
	assert.ErrorIs(t, err, errStationDown)
}

func TestLinuxDeviceStart(t *testing.T) {
	dev := newTestDevice(newServer(""))
	sink := make(chanSink, 4)

	assert.ErrorIs(t, dev.Start(sink), errNotConfigured)

	require.NoError(t, dev.Configure(StationConfig{SSID: "ap"}))
	require.NoError(t, dev.Start(sink))
	assert.Equal(t, WifiConnected{SSID: "ap"}, sink.next(t))
	assert.Equal(t, GotIP{
		IP:   netip.MustParseAddr("192.168.1.2"),
		Mask: netip.MustParseAddr("255.255.255.0"),
	}, sink.next(t))
}

func TestLinuxDeviceStartNoAddress(t *testing.T) {
	dev := newTestDevice(newServer(""))
	dev.Addrs = func() ([]net.Addr, error) { return nil, nil }
	sink := make(chanSink, 4)
	require.NoError(t, dev.Configure(StationConfig{SSID: "ap"}))

	require.NoError(t, dev.Start(sink))

	sink.next(t)
	assert.Equal(t, DHCPTimeout{}, sink.next(t))
}

func TestLinuxDeviceConfigureInvalid(t *testing.T) {
	dev := newTestDevice(newServer(""))
	assert.Error(t, dev.Configure(StationConfig{}))
}

func TestLinuxDeviceResolve(t *testing.T) {
	dev := newTestDevice(newServer(""))
	sink := make(chanSink, 4)
	require.NoError(t, dev.Configure(StationConfig{SSID: "ap"}))
	require.NoError(t, dev.Start(sink))
	sink.next(t)
	sink.next(t)

	_, status, err := dev.Resolve("proj.firebaseio.com")
	require.NoError(t, err)
	assert.Equal(t, ResolveInProgress, status)
	assert.Equal(t, Resolved{Host: "proj.firebaseio.com", Addr: netip.MustParseAddr("10.0.0.7")}, sink.next(t))

	addr, status, err := dev.Resolve("proj.firebaseio.com")
	require.NoError(t, err)
	assert.Equal(t, ResolveCached, status)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), addr)
}

func TestLinuxDeviceResolveFailures(t *testing.T) {
	dev := newTestDevice(newServer(""))
	sink := make(chanSink, 4)
	require.NoError(t, dev.Configure(StationConfig{SSID: "ap"}))

	_, _, err := dev.Resolve("proj.firebaseio.com")
	assert.ErrorIs(t, err, errStationDown)

	require.NoError(t, dev.Start(sink))
	sink.next(t)
	sink.next(t)

	dev.DNS = funcExchanger(func(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
		resp := new(dns.Msg)
		resp.SetRcode(m, dns.RcodeNameError)
		return resp, time.Millisecond, nil
	})
	_, _, err = dev.Resolve("proj.firebaseio.com")
	require.NoError(t, err)
	ev, ok := sink.next(t).(ResolveFailed)
	require.True(t, ok)
	assert.ErrorContains(t, ev.Err, "NXDOMAIN")

	dev.DNSServer = ""
	_, _, err = dev.Resolve("proj.firebaseio.com")
	assert.ErrorIs(t, err, errNoDNSServer)
}

func TestLinuxDeviceDialFailure(t *testing.T) {
	dev := newTestDevice(newServer(""))
	refused := errors.New("connection refused")
	dev.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, refused
		},
	}
	sink := make(chanSink, 4)
	require.NoError(t, dev.Configure(StationConfig{SSID: "ap"}))
	require.NoError(t, dev.Start(sink))
	sink.next(t)
	sink.next(t)

	require.NoError(t, dev.DialSecure(Endpoint{
		Remote:      netip.MustParseAddrPort("10.0.0.7:443"),
		ServerName:  "proj.firebaseio.com",
		RecvBufSize: RecvBufSize,
	}))

	ev, ok := sink.next(t).(Disconnected)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, refused)
}

func TestLinuxDeviceDisconnect(t *testing.T) {
	dev := newTestDevice(newServer(""))
	require.NoError(t, dev.Configure(StationConfig{SSID: "ap"}))
	assert.ErrorIs(t, dev.Disconnect(), errStationDown)

	require.NoError(t, dev.Start(make(chanSink, 4)))
	require.NoError(t, dev.Disconnect())
	assert.ErrorIs(t, dev.DialSecure(Endpoint{}), errStationDown)
}

func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}
	assert.Equal(t, "stdlib", engine.Name())
	assert.Equal(t, "", engine.Parrot())
	_, ok := engine.Client(newMinimalConn(), &tls.Config{}).(*tls.Conn)
	assert.True(t, ok)
}
