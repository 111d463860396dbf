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

package gossip

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/webclinic017/corrosion/internal/config"
)

// randomNodesChoices caps how many resolved addresses are announced to
// per bootstrap cycle.
const randomNodesChoices = 10

// savedAddrsFallback is how many persisted member addresses are used
// when DNS yields nothing.
const savedAddrsFallback = 5

// ResolveBootstrap expands bootstrap entries of the form
// host[:port][@dns-server] into concrete "ip:port" addresses. Literal
// addresses are used directly; hostnames resolve to A or AAAA records
// matching the local gossip address family. The local address is
// always filtered out.
func ResolveBootstrap(ctx context.Context, entries []string, ourAddr *net.UDPAddr) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(ip net.IP, port int) {
		if sameAddr(ourAddr, ip, port) || !sameFamily(ourAddr.IP, ip) {
			log.WithField("addr", joinHostPort(ip, port)).Debug("ignore node with addr")
			return
		}
		addr := joinHostPort(ip, port)
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for _, entry := range entries {
		hostPort, dnsServer, hasDNS := strings.Cut(entry, "@")

		// A literal address needs no resolution.
		if host, portStr, err := net.SplitHostPort(hostPort); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return nil, errors.Wrapf(err, "malformed bootstrap entry %q", entry)
				}
				add(ip, port)
				continue
			}
		} else if ip := net.ParseIP(hostPort); ip != nil {
			add(ip, config.DefaultGossipPort)
			continue
		}

		host := hostPort
		port := config.DefaultGossipPort
		if h, portStr, err := net.SplitHostPort(hostPort); err == nil {
			host = h
			port, err = strconv.Atoi(portStr)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed bootstrap entry %q", entry)
			}
		}

		resolver := net.DefaultResolver
		if hasDNS {
			server, err := dnsServerAddr(dnsServer)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed dns server in bootstrap entry %q", entry)
			}
			log.WithField("server", server).Debug("using custom resolver")
			resolver = &net.Resolver{
				PreferGo: true,
				Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, server)
				},
			}
		}

		network := "ip4"
		if ourAddr.IP.To4() == nil {
			network = "ip6"
		}
		log.WithField("host", host).Info("resolving bootstrap hostname")
		ips, err := resolver.LookupIP(ctx, network, host)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				// No records might be fine; other entries may resolve.
				continue
			}
			return nil, errors.Wrapf(err, "could not resolve %q", host)
		}
		for _, ip := range ips {
			add(ip, port)
		}
	}

	return out, nil
}

// dnsServerAddr parses the @dns-server suffix, ip[:port] with port
// defaulting to 53.
func dnsServerAddr(s string) (string, error) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		if net.ParseIP(host) == nil {
			return "", errors.Errorf("dns server %q is not an ip", s)
		}
		return net.JoinHostPort(host, port), nil
	}
	if net.ParseIP(s) == nil {
		return "", errors.Errorf("dns server %q is not an ip", s)
	}
	return net.JoinHostPort(s, "53"), nil
}

// GenerateBootstrap resolves the bootstrap set, falling back to
// persisted member addresses, and picks a random subset to announce
// to.
func GenerateBootstrap(
	ctx context.Context,
	entries []string,
	ourAddr *net.UDPAddr,
	saved func(limit int) ([]string, error),
) ([]string, error) {
	addrs, err := ResolveBootstrap(ctx, entries, ourAddr)
	if err != nil {
		log.WithError(err).Warn("could not resolve bootstraps, falling back to in-db nodes")
		addrs = nil
	}

	if len(addrs) == 0 {
		fromDB, err := saved(savedAddrsFallback)
		if err != nil {
			return nil, err
		}
		for _, addr := range fromDB {
			udpAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil || sameAddr(ourAddr, udpAddr.IP, udpAddr.Port) || !sameFamily(ourAddr.IP, udpAddr.IP) {
				continue
			}
			addrs = append(addrs, addr)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rng.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	if len(addrs) > randomNodesChoices {
		addrs = addrs[:randomNodesChoices]
	}
	return addrs, nil
}

func sameAddr(our *net.UDPAddr, ip net.IP, port int) bool {
	return our.Port == port && our.IP.Equal(ip)
}

func sameFamily(a, b net.IP) bool {
	return (a.To4() == nil) == (b.To4() == nil)
}
