//go:build rp2350

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
	"io"
	"log/slog"
	"machine"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"device/rp"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

const mtu = cyw43439.MTU

// Error messages
var (
	errNotConfigured = errors.New("station not configured")
	errStationDown   = errors.New("station not associated")
	errNoDNSServer   = errors.New("no DNS server available")
	errEstablish     = errors.New("tcp connect timed out")
	errNoTLS         = errors.New("no TLS client available")
)

// TLSClient wraps an established TCP connection into a TLS session and
// completes the handshake. TinyGo's crypto/tls has no client, so the
// device has none unless one is installed with SetTLSClient.
type TLSClient func(conn net.Conn, serverName string) (io.ReadWriteCloser, error)

// ConsoleLogger logs to the serial console.
func ConsoleLogger() *slog.Logger {
	return NewLogger(machine.Serial, slog.LevelDebug)
}

// Raspberry Pico2 W  [RP2350]
type Pico2WDevice struct {
	ref    *cyw43439.Device // reference to device
	logger *slog.Logger
	cache  *Cache

	mu       sync.Mutex
	cfg      *StationConfig
	sink     EventSink
	stack    *stacks.PortStack
	dhcp     *stacks.DHCPClient
	resolver *Resolver
	conns    map[*picoConn]struct{}
	tls      TLSClient
	up       atomic.Bool // station associated and stack running
}

// Initialize device
func InitDevice() Device {
	// access device
	dev := new(Pico2WDevice)
	dev.ref = cyw43439.NewPicoWDevice()
	dev.logger = ConsoleLogger()
	dev.cache = NewCache(nil)
	dev.conns = make(map[*picoConn]struct{})
	return dev
}

// SetTLSClient installs the TLS client used by DialSecure.
func (dev *Pico2WDevice) SetTLSClient(c TLSClient) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.tls = c
}

// LED on or off (if applicable)
func (dev *Pico2WDevice) LED(on bool) {
	dev.ref.GPIOSet(0, on)
}

// ResetCause from the watchdog reason register. A reset without
// watchdog involvement is reported as power-on.
func (dev *Pico2WDevice) ResetCause() ResetCause {
	reason := rp.WATCHDOG.REASON.Get()
	switch {
	case reason&rp.WATCHDOG_REASON_FORCE != 0:
		return ResetSoftRestart
	case reason&rp.WATCHDOG_REASON_TIMER != 0:
		return ResetWatchdog
	}
	return ResetPowerOn
}

// Configure station mode
func (dev *Pico2WDevice) Configure(cfg StationConfig) error {
	if err := (Credentials{SSID: cfg.SSID, Passwd: cfg.Passwd}).Validate(); err != nil {
		return err
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.cfg = &cfg
	return nil
}

// Start association and DHCP in the background.
func (dev *Pico2WDevice) Start(sink EventSink) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.cfg == nil {
		return errNotConfigured
	}
	dev.sink = sink
	go dev.associate(*dev.cfg, sink)
	return nil
}

// join the access point, start the stack and request a lease.
func (dev *Pico2WDevice) associate(cfg StationConfig, sink EventSink) {
	logger := dev.logger
	wificfg := cyw43439.DefaultWifiConfig()
	wificfg.Logger = logger
	devInitTime := time.Now()
	if err := dev.ref.Init(wificfg); err != nil {
		logger.Error("cyw43439:init-failed", slog.String("err", err.Error()))
		sink.Post(WifiDisconnected{SSID: cfg.SSID, Reason: ReasonDeviceFailure})
		return
	}
	logger.Info("cyw43439:init", slog.Duration("duration", time.Since(devInitTime)))
	if len(cfg.Passwd) == 0 {
		logger.Info("wifi:join-open", slog.String("ssid", cfg.SSID))
	} else {
		logger.Info("wifi:join-wpa2", slog.String("ssid", cfg.SSID), slog.Int("passlen", len(cfg.Passwd)))
	}
	if err := dev.ref.JoinWPA2(cfg.SSID, cfg.Passwd); err != nil {
		logger.Error("wifi:join-failed", slog.String("err", err.Error()))
		sink.Post(WifiDisconnected{SSID: cfg.SSID, Reason: ReasonJoinFailed})
		return
	}
	sink.Post(WifiConnected{SSID: cfg.SSID})

	mac, _ := dev.ref.HardwareAddr6()
	logger.Info("wifi:mac", slog.String("mac", net.HardwareAddr(mac[:]).String()))
	stack := stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             mac,
		MaxOpenPortsUDP: 2, // DHCP + DNS
		MaxOpenPortsTCP: 1,
		MTU:             mtu,
		Logger:          logger,
	})
	dev.ref.RecvEthHandle(stack.RecvEth)
	dev.up.Store(true)

	// Begin asynchronous packet handling.
	go nicLoop(dev.ref, stack, &dev.up)

	dhcpClient := stacks.NewDHCPClient(stack, dhcp.DefaultClientPort)
	err := dhcpClient.BeginRequest(stacks.DHCPRequestConfig{
		Xid:      uint32(time.Now().Nanosecond()),
		Hostname: cfg.Hostname,
	})
	if err != nil {
		logger.Error("dhcp:request-failed", slog.String("err", err.Error()))
		sink.Post(DHCPTimeout{})
		return
	}
	for i := 0; dhcpClient.State() != dhcp.StateBound; i++ {
		if i > 15 {
			sink.Post(DHCPTimeout{})
			return
		}
		logger.Debug("dhcp:ongoing")
		time.Sleep(time.Second / 2)
	}
	ip := dhcpClient.Offer()
	stack.SetAddr(ip) // It's important to set the IP address after DHCP completes.
	logger.Info("dhcp:complete",
		slog.Uint64("cidrbits", uint64(dhcpClient.CIDRBits())),
		slog.String("broadcast", dhcpClient.BroadcastAddr().String()),
		slog.String("router", dhcpClient.Router().String()),
		slog.String("dhcp", dhcpClient.DHCPServer().String()),
		slog.Duration("lease", dhcpClient.IPLeaseTime()),
	)

	dev.mu.Lock()
	dev.stack = stack
	dev.dhcp = dhcpClient
	dev.mu.Unlock()

	bits := dhcpClient.CIDRBits()
	mask := ^uint32(0) << (32 - uint32(bits))
	sink.Post(GotIP{
		IP:      ip,
		Mask:    netip.AddrFrom4([4]byte{byte(mask >> 24), byte(mask >> 16), byte(mask >> 8), byte(mask)}),
		Gateway: dhcpClient.Gateway(),
	})
}

// Disconnect from the network: abort open connections and stop the
// packet loop. The chip stays powered for the status LED.
func (dev *Pico2WDevice) Disconnect() error {
	if !dev.up.Swap(false) {
		return errStationDown
	}
	dev.mu.Lock()
	conns := dev.conns
	dev.conns = make(map[*picoConn]struct{})
	dev.mu.Unlock()
	for c := range conns {
		c.conn.Abort()
	}
	dev.logger.Info("wifi:station-down")
	return nil
}

//----------------------------------------------------------------------

// Resolve host name from cache or via the DHCP-provided DNS server.
func (dev *Pico2WDevice) Resolve(host string) (netip.Addr, ResolveStatus, error) {
	if !dev.up.Load() {
		return netip.Addr{}, ResolveInProgress, errStationDown
	}
	if addr, ok := dev.cache.Lookup(host); ok {
		return addr, ResolveCached, nil
	}
	dev.mu.Lock()
	if dev.resolver == nil {
		r, err := NewResolver(dev.stack, dev.dhcp)
		if err != nil {
			dev.mu.Unlock()
			return netip.Addr{}, ResolveInProgress, err
		}
		dev.resolver = r
	}
	r, sink := dev.resolver, dev.sink
	dev.mu.Unlock()

	go func() {
		addrs, err := r.LookupNetIP(host)
		if err != nil {
			sink.Post(ResolveFailed{Host: host, Err: err})
			return
		}
		// seqs hands out answer data only, no TTL: cache for the minimum
		dev.cache.Store(host, addrs[0], minCacheTTL)
		sink.Post(Resolved{Host: host, Addr: addrs[0]})
	}()
	return netip.Addr{}, ResolveInProgress, nil
}

// ResolveHardwareAddr obtains the hardware address of the given IP address.
func ResolveHardwareAddr(stack *stacks.PortStack, ip netip.Addr) ([6]byte, error) {
	if !ip.IsValid() {
		return [6]byte{}, errors.New("invalid ip")
	}
	arpc := stack.ARP()
	arpc.Abort() // Remove any previous ARP requests.
	err := arpc.BeginResolve(ip)
	if err != nil {
		return [6]byte{}, err
	}
	time.Sleep(4 * time.Millisecond)
	// ARP exchanges should be fast, don't wait too long for them.
	const timeout = time.Second
	const maxretries = 20
	retries := maxretries
	for !arpc.IsDone() && retries > 0 {
		retries--
		if retries == 0 {
			return [6]byte{}, errors.New("arp timed out")
		}
		time.Sleep(timeout / maxretries)
	}
	_, hw, err := arpc.ResultAs6()
	return hw, err
}

// Resolver for A records using the DNS server announced by DHCP.
type Resolver struct {
	stack     *stacks.PortStack
	dns       *stacks.DNSClient
	dnsaddr   netip.Addr
	dnshwaddr [6]byte
}

// NewResolver for a bound DHCP client.
func NewResolver(stack *stacks.PortStack, dhcp *stacks.DHCPClient) (*Resolver, error) {
	if stack == nil || dhcp == nil {
		return nil, errStationDown
	}
	dnsaddrs := dhcp.DNSServers()
	if len(dnsaddrs) == 0 || !dnsaddrs[0].IsValid() {
		return nil, errNoDNSServer
	}
	return &Resolver{
		stack:   stack,
		dns:     stacks.NewDNSClient(stack, dns.ClientPort),
		dnsaddr: dnsaddrs[0],
	}, nil
}

// LookupNetIP returns the IPv4 addresses of host.
func (r *Resolver) LookupNetIP(host string) ([]netip.Addr, error) {
	name, err := dns.NewName(host)
	if err != nil {
		return nil, err
	}
	if r.dnshwaddr, err = ResolveHardwareAddr(r.stack, r.dnsaddr); err != nil {
		return nil, err
	}
	err = r.dns.StartResolve(stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{
				Name:  name,
				Type:  dns.TypeA,
				Class: dns.ClassINET,
			},
		},
		DNSAddr:         r.dnsaddr,
		DNSHWAddr:       r.dnshwaddr,
		EnableRecursion: true,
	})
	if err != nil {
		return nil, err
	}
	time.Sleep(5 * time.Millisecond)
	retries := 100
	for retries > 0 {
		if done, _ := r.dns.IsDone(); done {
			break
		}
		retries--
		time.Sleep(20 * time.Millisecond)
	}
	done, rcode := r.dns.IsDone()
	if !done && retries == 0 {
		return nil, errors.New("dns lookup timed out")
	} else if rcode != dns.RCodeSuccess {
		return nil, errors.New("dns lookup failed:" + rcode.String())
	}
	var addrs []netip.Addr
	for _, answer := range r.dns.Answers() {
		data := answer.RawData()
		if len(data) == 4 {
			addrs = append(addrs, netip.AddrFrom4([4]byte(data)))
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no ipv4 dns answers")
	}
	return addrs, nil
}

//----------------------------------------------------------------------

// DialSecure opens a TCP connection via the router and performs the
// TLS handshake in the background. Without a TLS client it fails
// right away with errNoTLS.
func (dev *Pico2WDevice) DialSecure(ep Endpoint) error {
	if !dev.up.Load() {
		return errStationDown
	}
	dev.mu.Lock()
	if dev.tls == nil {
		dev.mu.Unlock()
		return errNoTLS
	}
	if dev.dhcp == nil {
		dev.mu.Unlock()
		return errStationDown
	}
	stack, router, sink, client := dev.stack, dev.dhcp.Router(), dev.sink, dev.tls
	dev.mu.Unlock()

	conn, err := stacks.NewTCPConn(stack, stacks.TCPConnConfig{
		TxBufSize: RequestCap,
		RxBufSize: uint16(ep.RecvBufSize),
	})
	if err != nil {
		return err
	}
	lport := ep.LocalPort
	if lport == 0 {
		lport = uint16(49152 + rand.IntN(16384)) // ephemeral
	}
	go func() {
		pc, err := dev.dial(stack, conn, lport, router, ep, sink, client)
		if err != nil {
			conn.Abort()
			sink.Post(Disconnected{Err: err})
			return
		}
		dev.mu.Lock()
		dev.conns[pc] = struct{}{}
		dev.mu.Unlock()
		sink.Post(Connected{Conn: pc})
		pc.readLoop(ep.RecvBufSize)
	}()
	return nil
}

// dial and handshake.
func (dev *Pico2WDevice) dial(stack *stacks.PortStack, conn *stacks.TCPConn, lport uint16, router netip.Addr, ep Endpoint, sink EventSink, client TLSClient) (*picoConn, error) {
	routerhw, err := ResolveHardwareAddr(stack, router)
	if err != nil {
		return nil, err
	}
	err = conn.OpenDialTCP(lport, routerhw, ep.Remote, seqs.Value(rand.Uint32()))
	if err != nil {
		return nil, err
	}
	retries := 50
	for conn.State() != seqs.StateEstablished {
		if retries--; retries == 0 {
			return nil, errEstablish
		}
		time.Sleep(100 * time.Millisecond)
	}
	dev.logger.Info("tcp:connected",
		slog.Uint64("localPort", uint64(lport)),
		slog.String("remote", ep.Remote.String()),
	)
	tconn, err := client(conn, ep.ServerName)
	if err != nil {
		return nil, err
	}
	dev.logger.Info("tls:handshake", slog.String("sni", ep.ServerName))
	return &picoConn{conn: conn, tls: tconn, sink: sink, dev: dev}, nil
}

//----------------------------------------------------------------------

// picoConn is a TLS session over a seqs TCP connection.
type picoConn struct {
	conn *stacks.TCPConn
	tls  io.ReadWriteCloser
	sink EventSink
	dev  *Pico2WDevice
	once sync.Once
}

// Send data over the connection.
func (c *picoConn) Send(data []byte) error {
	n, err := c.tls.Write(data)
	if err != nil {
		return err
	}
	c.sink.Post(Sent{N: n})
	return nil
}

// Close the secure connection (once).
func (c *picoConn) Close() (err error) {
	c.once.Do(func() {
		err = c.tls.Close()
	})
	return
}

// readLoop posts received data until the connection is closed.
func (c *picoConn) readLoop(size int) {
	buf := make([]byte, size)
	for {
		n, err := c.tls.Read(buf)
		if n > 0 {
			c.sink.Post(Received{Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			c.dev.mu.Lock()
			delete(c.dev.conns, c)
			c.dev.mu.Unlock()
			c.conn.Abort()
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.sink.Post(Disconnected{Err: err})
			return
		}
	}
}

//----------------------------------------------------------------------

// nicLoop moves packets between chip and stack while running is set.
func nicLoop(dev *cyw43439.Device, Stack *stacks.PortStack, running *atomic.Bool) {
	// Maximum number of packets to queue before sending them.
	const (
		queueSize                = 3
		maxRetriesBeforeDropping = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		lenBuf[i] = 0
		retries[i] = 0
	}
	for running.Load() {
		stallRx := true
		// Poll for incoming packets.
		gotPacket, err := dev.PollOne()
		if err != nil {
			println("poll error:", err.Error())
		}
		if gotPacket {
			stallRx = false
		}

		// Queue packets to be sent.
		for i := range queue {
			if retries[i] != 0 {
				continue // Packet currently queued for retransmission.
			}
			var err error
			lenBuf[i], err = Stack.HandleEth(queue[i][:])
			if err != nil {
				println("stack error n(should be 0)=", lenBuf[i], "err=", err.Error())
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		if lenBuf == [queueSize]int{} {
			if stallRx {
				// Avoid busy waiting when both Rx and Tx stall.
				time.Sleep(51 * time.Millisecond)
			}
			continue
		}

		// Send queued packets.
		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			if err := dev.SendEth(queue[i][:n]); err != nil {
				// Queue packet for retransmission.
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					println("dropped outgoing packet:", err.Error())
				}
			} else {
				markSent(i)
			}
		}
	}
}
