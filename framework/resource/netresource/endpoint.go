/*
Greylistd - greylisting policy daemon for mail transfer agents.
Copyright © 2025 The greylistd authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package netresource

import (
	"fmt"
	"net"
	"strings"
)

// Endpoint represents a parsed listener address in the
// scheme://address form used in configuration.
//
// Supported schemes:
//
//	unix://<filesystem path>
//	tcp://<host>:<port>
//	fd://<file descriptor number>
//	fdname://<name in $LISTEN_FDNAMES>
//
// A value without a scheme is treated as a unix socket path.
type Endpoint struct {
	Scheme string

	// Address meaning depends on the scheme: filesystem path for unix,
	// host:port for tcp, descriptor number for fd, descriptor name
	// for fdname.
	Address string
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

// Network returns the value suitable for the network argument of the
// net package functions.
func (e Endpoint) Network() string {
	if e.Scheme == "tcp" {
		return "tcp"
	}
	return "unix"
}

// Inherited reports whether the endpoint refers to a listener created by
// the supervising process and passed to us instead of one we bind
// ourselves.
func (e Endpoint) Inherited() bool {
	return e.Scheme == "fd" || e.Scheme == "fdname"
}

func ParseEndpoint(raw string) (Endpoint, error) {
	scheme, addr, found := strings.Cut(raw, "://")
	if !found {
		if !strings.HasPrefix(raw, "/") {
			return Endpoint{}, fmt.Errorf("malformed endpoint: %s", raw)
		}
		return Endpoint{Scheme: "unix", Address: raw}, nil
	}

	switch scheme {
	case "unix", "fd", "fdname":
		if addr == "" {
			return Endpoint{}, fmt.Errorf("malformed endpoint: %s", raw)
		}
	case "tcp":
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Endpoint{}, fmt.Errorf("malformed endpoint: %s: %v", raw, err)
		}
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme: %s", scheme)
	}

	return Endpoint{Scheme: scheme, Address: addr}, nil
}
