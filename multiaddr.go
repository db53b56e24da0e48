// Copyright 2025 The Steer Authors
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

package steer

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ProtocolKind enumerates the layers a Multiaddr may contain.
type ProtocolKind int

const (
	ProtocolDNS ProtocolKind = iota
	ProtocolIP
	ProtocolTCP
	ProtocolTLS
	ProtocolHTTP
)

// Protocol is one layer of a Multiaddr. Exactly the field
// corresponding to Kind is meaningful; the rest are zero.
type Protocol struct {
	Kind ProtocolKind

	Host string     // ProtocolDNS
	IP   netip.Addr // ProtocolIP
	Port uint16     // ProtocolTCP
	Path string     // ProtocolHTTP; always begins with "/"
}

// Multiaddr is a layered, slash-delimited network address of the form
// /ip4/127.0.0.1/tcp/8080/https. It is the canonical wire form for
// listener addresses in both stored configuration and the admin API.
//
// A well-formed listener multiaddr contains exactly one of dns|ip4|ip6,
// exactly one tcp, at most one tls, and at most one http layer, with
// tls (if present) preceding http (if present). Well-formedness is not
// enforced at parse time; callers that need a bindable address check it
// via SocketAddr and friends.
type Multiaddr struct {
	protocols []Protocol
}

// ParseMultiaddr parses the textual form of a multiaddr.
//
// Unknown tokens are skipped silently: the next slash-separated segment
// is treated as a new token. This is a forward-compatibility policy;
// it lets an older binary read a config written by a newer one.
func ParseMultiaddr(s string) (Multiaddr, error) {
	var protocols []Protocol
	rest := strings.TrimPrefix(s, "/")
	for rest != "" {
		token, next, _ := strings.Cut(rest, "/")
		switch token {
		case "dns":
			host, after, _ := strings.Cut(next, "/")
			protocols = append(protocols, Protocol{Kind: ProtocolDNS, Host: host})
			rest = after
		case "ip4", "ip6":
			lit, after, _ := strings.Cut(next, "/")
			addr, err := netip.ParseAddr(lit)
			if err != nil || (token == "ip4") != addr.Is4() {
				return Multiaddr{}, InvalidMultiaddrError{Addr: s}
			}
			protocols = append(protocols, Protocol{Kind: ProtocolIP, IP: addr})
			rest = after
		case "tcp":
			lit, after, _ := strings.Cut(next, "/")
			port, err := strconv.ParseUint(lit, 10, 16)
			if err != nil {
				return Multiaddr{}, InvalidMultiaddrError{Addr: s}
			}
			protocols = append(protocols, Protocol{Kind: ProtocolTCP, Port: uint16(port)})
			rest = after
		case "tls":
			protocols = append(protocols, Protocol{Kind: ProtocolTLS})
			rest = next
		case "http":
			// http consumes the remainder verbatim as a path prefix
			protocols = append(protocols, Protocol{Kind: ProtocolHTTP, Path: "/" + next})
			rest = ""
		case "https":
			protocols = append(protocols, Protocol{Kind: ProtocolTLS})
			protocols = append(protocols, Protocol{Kind: ProtocolHTTP, Path: "/" + next})
			rest = ""
		default:
			rest = next
		}
	}
	return Multiaddr{protocols: protocols}, nil
}

// MustParseMultiaddr is like ParseMultiaddr but panics on error.
// Intended for tests and hard-coded addresses.
func MustParseMultiaddr(s string) Multiaddr {
	ma, err := ParseMultiaddr(s)
	if err != nil {
		panic(err)
	}
	return ma
}

// Protocols returns the layers in order.
func (ma Multiaddr) Protocols() []Protocol { return ma.protocols }

// IsTLS reports whether the address contains a tls layer.
func (ma Multiaddr) IsTLS() bool {
	for _, p := range ma.protocols {
		if p.Kind == ProtocolTLS {
			return true
		}
	}
	return false
}

// IsHTTP reports whether the address contains an http layer.
func (ma Multiaddr) IsHTTP() bool {
	for _, p := range ma.protocols {
		if p.Kind == ProtocolHTTP {
			return true
		}
	}
	return false
}

// HTTPPath returns the path prefix of the http layer, if any.
func (ma Multiaddr) HTTPPath() (string, bool) {
	for _, p := range ma.protocols {
		if p.Kind == ProtocolHTTP {
			return p.Path, true
		}
	}
	return "", false
}

// Addr returns the IP layer of the address.
func (ma Multiaddr) Addr() (netip.Addr, error) {
	for _, p := range ma.protocols {
		if p.Kind == ProtocolIP {
			return p.IP, nil
		}
	}
	return netip.Addr{}, InvalidMultiaddrError{Addr: ma.String()}
}

// Port returns the TCP port layer of the address.
func (ma Multiaddr) Port() (uint16, error) {
	for _, p := range ma.protocols {
		if p.Kind == ProtocolTCP {
			return p.Port, nil
		}
	}
	return 0, InvalidMultiaddrError{Addr: ma.String()}
}

// Host returns the DNS name or the IP literal, whichever comes first.
func (ma Multiaddr) Host() (string, error) {
	for _, p := range ma.protocols {
		switch p.Kind {
		case ProtocolDNS:
			return p.Host, nil
		case ProtocolIP:
			return p.IP.String(), nil
		}
	}
	return "", InvalidMultiaddrError{Addr: ma.String()}
}

// SocketAddr combines the IP and TCP layers into a bindable address.
// It fails if the address names a DNS host instead of an IP literal;
// hosts are resolved during the prepare step of a port context.
func (ma Multiaddr) SocketAddr() (netip.AddrPort, error) {
	addr, err := ma.Addr()
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := ma.Port()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}

// ProtocolName names the outermost application protocol of the
// address: HTTPS, HTTP, TCP over TLS, or TCP.
func (ma Multiaddr) ProtocolName() string {
	switch {
	case ma.IsHTTP() && ma.IsTLS():
		return "HTTPS"
	case ma.IsHTTP():
		return "HTTP"
	case ma.IsTLS():
		return "TCP over TLS"
	default:
		return "TCP"
	}
}

// String formats the address. Formatting is the inverse of parsing
// after normalization: a tls layer followed by an http layer prints
// as a single https token, and a bare or "/" http path is elided.
func (ma Multiaddr) String() string {
	var sb strings.Builder
	for _, p := range ma.protocols {
		switch p.Kind {
		case ProtocolDNS:
			fmt.Fprintf(&sb, "/dns/%s", p.Host)
		case ProtocolIP:
			if p.IP.Is4() {
				fmt.Fprintf(&sb, "/ip4/%s", p.IP)
			} else {
				fmt.Fprintf(&sb, "/ip6/%s", p.IP)
			}
		case ProtocolTCP:
			fmt.Fprintf(&sb, "/tcp/%d", p.Port)
		case ProtocolTLS:
			if !ma.IsHTTP() {
				sb.WriteString("/tls")
			}
		case ProtocolHTTP:
			path := p.Path
			if path == "/" {
				path = ""
			}
			if ma.IsTLS() {
				sb.WriteString("/https")
			} else {
				sb.WriteString("/http")
			}
			sb.WriteString(path)
		}
	}
	return sb.String()
}

// MarshalJSON encodes the address in its textual form.
func (ma Multiaddr) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(ma.String())), nil
}

// UnmarshalJSON decodes the address from its textual form.
func (ma *Multiaddr) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	parsed, err := ParseMultiaddr(s)
	if err != nil {
		return err
	}
	*ma = parsed
	return nil
}
