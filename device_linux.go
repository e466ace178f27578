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
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/juju/errors"
	"github.com/miekg/dns"
)

// Error messages
var (
	errNotConfigured = errors.New("station not configured")
	errStationDown   = errors.New("station not associated")
	errNoDNSServer   = errors.New("no DNS server available")
	errNoAnswer      = errors.New("no IPv4 answer")
)

// Dialer abstracts the [*net.Dialer] behavior.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TLSConn abstracts over [*tls.Conn].
type TLSConn interface {
	ConnectionState() tls.ConnectionState
	HandshakeContext(ctx context.Context) error
	net.Conn
}

// TLSEngine creates client TLS connections.
type TLSEngine interface {
	Client(conn net.Conn, config *tls.Config) TLSConn
	Name() string
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] with [crypto/tls].
type TLSEngineStdlib struct{}

// Client returns a [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Name returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot returns "".
func (TLSEngineStdlib) Parrot() string {
	return ""
}

// DNSExchanger sends a DNS query and returns the response.
// [*dns.Client] satisfies this interface.
type DNSExchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// ConsoleLogger logs to stderr.
func ConsoleLogger() *slog.Logger {
	return NewLogger(os.Stderr, slog.LevelDebug)
}

//----------------------------------------------------------------------

// LinuxDevice (for testing purposes) simulates the WiFi station on top
// of the host network. Fields can be changed before Start.
type LinuxDevice struct {
	Dialer    Dialer
	Engine    TLSEngine
	TLSConfig *tls.Config // base TLS configuration (server name is set per dial)
	DNS       DNSExchanger
	DNSServer string // "host:port" of the DNS server
	Cache     *Cache
	Addrs     func() ([]net.Addr, error) // interface addresses
	Reset     ResetCause
	Logger    *slog.Logger

	mu     sync.Mutex
	cfg    *StationConfig
	sink   EventSink
	up     bool
	ctx    context.Context
	cancel context.CancelFunc
	conns  map[*hostConn]struct{}
}

// Initialize device
func InitDevice() Device {
	return NewLinuxDevice(nil)
}

// NewLinuxDevice with the host resolver configuration.
func NewLinuxDevice(logger *slog.Logger) *LinuxDevice {
	if logger == nil {
		logger = discardLogger()
	}
	dev := &LinuxDevice{
		Dialer:    &net.Dialer{},
		Engine:    TLSEngineStdlib{},
		TLSConfig: &tls.Config{},
		DNS:       &dns.Client{},
		Cache:     NewCache(nil),
		Addrs:     net.InterfaceAddrs,
		Logger:    logger,
		conns:     make(map[*hostConn]struct{}),
	}
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cc.Servers) > 0 {
		dev.DNSServer = net.JoinHostPort(cc.Servers[0], cc.Port)
	}
	return dev
}

// LED on or off (not applicable)
func (dev *LinuxDevice) LED(on bool) {}

// ResetCause returns the configured reset cause.
func (dev *LinuxDevice) ResetCause() ResetCause {
	return dev.Reset
}

// Configure station mode
func (dev *LinuxDevice) Configure(cfg StationConfig) error {
	if err := (Credentials{SSID: cfg.SSID, Passwd: cfg.Passwd}).Validate(); err != nil {
		return err
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.cfg = &cfg
	return nil
}

// Start "association": report the first non-loopback IPv4 address
// of the host as DHCP result.
func (dev *LinuxDevice) Start(sink EventSink) error {
	dev.mu.Lock()
	if dev.cfg == nil {
		dev.mu.Unlock()
		return errNotConfigured
	}
	ssid := dev.cfg.SSID
	dev.sink = sink
	dev.ctx, dev.cancel = context.WithCancel(context.Background())
	dev.up = true
	dev.mu.Unlock()

	sink.Post(WifiConnected{SSID: ssid})
	addrs, err := dev.Addrs()
	if err != nil {
		return errors.Annotate(err, "interface addresses")
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipn.IP.To4())
		if !ok {
			continue
		}
		mask, _ := netip.AddrFromSlice(net.IP(ipn.Mask).To4())
		sink.Post(GotIP{IP: ip, Mask: mask})
		return nil
	}
	sink.Post(DHCPTimeout{})
	return nil
}

// Disconnect the station: cancel pending operations and close
// connections.
func (dev *LinuxDevice) Disconnect() error {
	dev.mu.Lock()
	if !dev.up {
		dev.mu.Unlock()
		return errStationDown
	}
	dev.up = false
	dev.cancel()
	conns := dev.conns
	dev.conns = make(map[*hostConn]struct{})
	dev.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	dev.Logger.Info("wifi:station-down")
	return nil
}

// active returns the context and sink if the station is up.
func (dev *LinuxDevice) active() (context.Context, EventSink, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.up {
		return nil, nil, errStationDown
	}
	return dev.ctx, dev.sink, nil
}

//----------------------------------------------------------------------

// Resolve host name via cache or a DNS A query.
func (dev *LinuxDevice) Resolve(host string) (netip.Addr, ResolveStatus, error) {
	ctx, sink, err := dev.active()
	if err != nil {
		return netip.Addr{}, ResolveInProgress, err
	}
	if addr, ok := dev.Cache.Lookup(host); ok {
		return addr, ResolveCached, nil
	}
	if len(dev.DNSServer) == 0 {
		return netip.Addr{}, ResolveInProgress, errNoDNSServer
	}
	go func() {
		addr, ttl, err := dev.lookup(ctx, host)
		if err != nil {
			sink.Post(ResolveFailed{Host: host, Err: err})
			return
		}
		dev.Cache.Store(host, addr, ttl)
		sink.Post(Resolved{Host: host, Addr: addr})
	}()
	return netip.Addr{}, ResolveInProgress, nil
}

// lookup the first IPv4 address of host.
func (dev *LinuxDevice) lookup(ctx context.Context, host string) (netip.Addr, time.Duration, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	query.RecursionDesired = true

	t0 := time.Now()
	resp, _, err := dev.DNS.ExchangeContext(ctx, query, dev.DNSServer)
	dev.Logger.Debug("dns:exchange",
		slog.String("host", host),
		slog.String("server", dev.DNSServer),
		slog.Duration("rtt", time.Since(t0)),
		slog.Any("err", err),
	)
	if err != nil {
		return netip.Addr{}, 0, errors.Annotatef(err, "query %s", host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, 0, errors.Errorf("query %s: %s", host, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
			return addr, time.Duration(a.Hdr.Ttl) * time.Second, nil
		}
	}
	return netip.Addr{}, 0, errNoAnswer
}

//----------------------------------------------------------------------

// DialSecure connects and handshakes in the background.
func (dev *LinuxDevice) DialSecure(ep Endpoint) error {
	ctx, sink, err := dev.active()
	if err != nil {
		return err
	}
	config := dev.TLSConfig.Clone()
	config.ServerName = ep.ServerName
	go func() {
		conn, err := dev.dial(ctx, ep, config)
		if err != nil {
			sink.Post(Disconnected{Err: err})
			return
		}
		hc := &hostConn{conn: conn, sink: sink, dev: dev}
		dev.mu.Lock()
		dev.conns[hc] = struct{}{}
		dev.mu.Unlock()
		sink.Post(Connected{Conn: hc})
		hc.readLoop(max(ep.RecvBufSize, 512))
	}()
	return nil
}

// dial TCP and perform the TLS handshake.
func (dev *LinuxDevice) dial(ctx context.Context, ep Endpoint, config *tls.Config) (TLSConn, error) {
	conn, err := dev.Dialer.DialContext(ctx, "tcp", ep.Remote.String())
	dev.Logger.Info("tcp:connect",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("remoteAddr", ep.Remote.String()),
		slog.Any("err", err),
	)
	if err != nil {
		return nil, errors.Annotatef(err, "connect %s", ep.Remote)
	}
	tconn := dev.Engine.Client(conn, config)
	err = tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	dev.Logger.Info("tls:handshake",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.String("engine", dev.Engine.Name()),
		slog.String("serverName", config.ServerName),
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.Any("err", err),
	)
	if err != nil {
		tconn.Close()
		return nil, errors.Annotatef(err, "handshake %s", config.ServerName)
	}
	return tconn, nil
}

//----------------------------------------------------------------------

// hostConn is a secure connection on the host network.
type hostConn struct {
	conn net.Conn
	sink EventSink
	dev  *LinuxDevice
	once sync.Once
}

// Send data over the connection.
func (c *hostConn) Send(data []byte) error {
	n, err := c.conn.Write(data)
	if err != nil {
		return errors.Annotate(err, "send")
	}
	c.sink.Post(Sent{N: n})
	return nil
}

// Close the connection (once).
func (c *hostConn) Close() (err error) {
	c.once.Do(func() {
		err = c.conn.Close()
	})
	return
}

// readLoop posts received data until the connection is closed.
func (c *hostConn) readLoop(size int) {
	buf := make([]byte, size)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.sink.Post(Received{Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			c.dev.mu.Lock()
			delete(c.dev.conns, c)
			c.dev.mu.Unlock()
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.sink.Post(Disconnected{Err: err})
			return
		}
	}
}
