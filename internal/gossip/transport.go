// Copyright 2023 The Corrosion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package gossip runs cluster membership. A single UDP socket carries
// both SWIM failure-detector datagrams and application broadcasts,
// distinguished by a leading payload-kind byte; the matching TCP port
// is shared between SWIM streams and the peer HTTP server the same
// way.
package gossip

import (
	"bufio"
	"net"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/broadcast"
)

// udpRecvBufLen fits any datagram a peer may legally send: kind byte
// plus a payload capped at the fragment limit, with headroom for SWIM
// packets.
const udpRecvBufLen = 2 * broadcast.FragmentsAt

// Transport owns the shared gossip sockets and implements
// memberlist.Transport for the SWIM side. Broadcast payloads are
// handed to OnBroadcast; HTTP connections to the peer API are surfaced
// through HTTPListener.
type Transport struct {
	udp *net.UDPConn
	tcp *net.TCPListener

	// OnBroadcast receives the payload of kind-1/2 datagrams, kind
	// byte stripped. Must be set before Run.
	OnBroadcast func(payload []byte)

	packetCh chan *memberlist.Packet
	streamCh chan net.Conn
	httpCh   chan net.Conn
	done     chan struct{}
}

var _ memberlist.Transport = (*Transport)(nil)

// NewTransport binds the gossip UDP socket and TCP listener on addr.
func NewTransport(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed gossip address %q", addr)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "could not bind gossip udp socket")
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		_ = udp.Close()
		return nil, errors.Wrapf(err, "malformed gossip address %q", addr)
	}
	tcp, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		_ = udp.Close()
		return nil, errors.Wrap(err, "could not bind gossip tcp listener")
	}

	return &Transport{
		udp:      udp,
		tcp:      tcp,
		packetCh: make(chan *memberlist.Packet, 1024),
		streamCh: make(chan net.Conn, 16),
		httpCh:   make(chan net.Conn, 128),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound UDP address.
func (t *Transport) Addr() *net.UDPAddr {
	return t.udp.LocalAddr().(*net.UDPAddr)
}

// Run starts the socket read loops.
func (t *Transport) Run() {
	go t.readUDP()
	go t.acceptTCP()
}

func (t *Transport) readUDP() {
	buf := make([]byte, udpRecvBufLen)
	for {
		n, from, err := t.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.WithError(err).Error("error receiving on gossip udp socket")
			time.Sleep(time.Second)
			continue
		}
		if n == 0 {
			continue
		}
		ts := time.Now()

		kind := broadcast.PayloadKind(buf[0])
		payload := make([]byte, n-1)
		copy(payload, buf[1:n])

		switch kind {
		case broadcast.PayloadSwim:
			select {
			case t.packetCh <- &memberlist.Packet{Buf: payload, From: from, Timestamp: ts}:
			default:
				droppedPackets.WithLabelValues("swim").Inc()
			}
		case broadcast.PayloadBroadcast, broadcast.PayloadPriorityBroadcast:
			recvBytes.WithLabelValues(kind.String()).Observe(float64(n))
			t.OnBroadcast(payload)
		default:
			log.WithField("byte", buf[0]).Warn("received unknown payload kind")
			droppedPackets.WithLabelValues("unknown").Inc()
		}
	}
}

// acceptTCP splits incoming connections between SWIM streams and the
// peer HTTP server. SWIM dialers announce themselves with a leading
// zero byte; anything else is HTTP.
func (t *Transport) acceptTCP() {
	for {
		conn, err := t.tcp.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.WithError(err).Error("error accepting on gossip tcp listener")
			time.Sleep(time.Second)
			continue
		}
		go t.routeConn(conn)
	}
}

func (t *Transport) routeConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if broadcast.PayloadKind(first[0]) == broadcast.PayloadSwim {
		_, _ = br.Discard(1)
		select {
		case t.streamCh <- &peekedConn{Conn: conn, r: br}:
		case <-t.done:
			_ = conn.Close()
		}
		return
	}

	select {
	case t.httpCh <- &peekedConn{Conn: conn, r: br}:
	case <-t.done:
		_ = conn.Close()
	}
}

// SendRaw writes one datagram whose payload already carries its kind
// byte. Used by the broadcast dispatcher.
func (t *Transport) SendRaw(addr *net.UDPAddr, payload []byte) error {
	_, err := t.udp.WriteToUDP(payload, addr)
	return errors.WithStack(err)
}

// FinalAdvertiseAddr implements memberlist.Transport.
func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, 0, errors.Errorf("could not parse advertise ip %q", ip)
		}
		return parsed, port, nil
	}
	local := t.Addr()
	if local.IP.IsUnspecified() {
		// Pick a private interface address the way memberlist's own
		// net transport does.
		addr, err := firstPrivateIP()
		if err != nil {
			return nil, 0, err
		}
		return addr, local.Port, nil
	}
	return local.IP, local.Port, nil
}

// WriteTo implements memberlist.Transport by prefixing the SWIM kind
// byte.
func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	payload := make([]byte, 0, len(b)+1)
	payload = append(payload, byte(broadcast.PayloadSwim))
	payload = append(payload, b...)
	now := time.Now()
	_, err = t.udp.WriteToUDP(payload, udpAddr)
	return now, errors.WithStack(err)
}

// PacketCh implements memberlist.Transport.
func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

// DialTimeout implements memberlist.Transport. The leading SWIM byte
// routes the stream past the HTTP side of the shared listener.
func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{byte(broadcast.PayloadSwim)}); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

// StreamCh implements memberlist.Transport.
func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Shutdown implements memberlist.Transport.
func (t *Transport) Shutdown() error {
	close(t.done)
	err := t.udp.Close()
	if terr := t.tcp.Close(); err == nil {
		err = terr
	}
	return errors.WithStack(err)
}

// HTTPListener exposes the non-SWIM side of the shared TCP port as a
// net.Listener for the peer HTTP server.
func (t *Transport) HTTPListener() net.Listener {
	return &chanListener{t: t}
}

type chanListener struct {
	t *Transport
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.t.httpCh:
		return conn, nil
	case <-l.t.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error   { return nil }
func (l *chanListener) Addr() net.Addr { return l.t.tcp.Addr() }

// peekedConn replays bytes buffered while sniffing the first byte.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func firstPrivateIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ipnet.IP.IsPrivate() {
			return ipnet.IP, nil
		}
	}
	return net.IPv4(127, 0, 0, 1), nil
}
