/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package tunnel

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

const (
	socks5Version    = 0x05
	socks5NoAuth     = 0x00
	socks5CmdConnect = 0x01
	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04

	socks5Succeeded           = 0x00
	socks5ConnectionRefused   = 0x05
	socks5CommandUnsupported  = 0x07
	socks5AddrTypeUnsupported = 0x08
)

// socks5Handshake performs the server side of a SOCKS5 negotiation and
// returns the requested target.  Requests that cannot be served are answered
// with the matching reply code before the error is returned.
func socks5Handshake(conn net.Conn) (string, error) {
	// VER NMETHODS
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", errors.Wrap(err, "read greeting")
	}
	if buf[0] != socks5Version {
		return "", errors.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	methods := make([]byte, buf[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", errors.Wrap(err, "read methods")
	}
	if _, err := conn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return "", errors.Wrap(err, "write method reply")
	}

	// VER CMD RSV ATYP
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", errors.Wrap(err, "read request header")
	}
	if header[0] != socks5Version {
		return "", errors.Errorf("invalid request version: %d", header[0])
	}
	var host string
	switch header[3] {
	case socks5AddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", errors.Wrap(err, "read IPv4 address")
		}
		host = net.IP(addr).String()
	case socks5AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", errors.Wrap(err, "read domain length")
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", errors.Wrap(err, "read domain")
		}
		host = string(domain)
	case socks5AddrIPv6:
		// Consumed so the reply is not lost to a reset on close.
		if _, err := io.ReadFull(conn, make([]byte, 16+2)); err != nil {
			return "", errors.Wrap(err, "read IPv6 address")
		}
		socks5Reply(conn, socks5AddrTypeUnsupported)
		return "", errors.New("IPv6 targets are not supported")
	default:
		socks5Reply(conn, socks5AddrTypeUnsupported)
		return "", errors.Errorf("unsupported address type: %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", errors.Wrap(err, "read port")
	}
	port := binary.BigEndian.Uint16(portBuf)
	if header[1] != socks5CmdConnect {
		socks5Reply(conn, socks5CommandUnsupported)
		return "", errors.Errorf("unsupported command: %d", header[1])
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// socks5Reply sends VER REP RSV ATYP BND.ADDR BND.PORT with a zero bound
// address.
func socks5Reply(conn net.Conn, status byte) {
	reply := []byte{socks5Version, status, 0x00, socks5AddrIPv4, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}
