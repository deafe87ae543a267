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

package proxysock

import (
	"fmt"
	"io"
	"net"
)

const (
	socks5Version = 0x05

	socksMethodNoAuth       = 0x00
	socksMethodUserPass     = 0x02
	socksMethodNoAcceptable = 0xff

	socksUserPassVersion = 0x01

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04
)

var socksReplyText = map[byte]string{
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

// SOCKS5ReplyText describes a SOCKS5 reply code.
func SOCKS5ReplyText(code byte) string {
	if text, ok := socksReplyText[code]; ok {
		return text
	}
	return fmt.Sprintf("unknown reply code 0x%02x", code)
}

func socks5Connect(conn net.Conn, d *Descriptor, targetHost string, targetPort int) error {
	methods := []byte{socksMethodNoAuth}
	if d.Username != "" {
		methods = append(methods, socksMethodUserPass)
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return ioError(d, "failed to send SOCKS5 greeting", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return ioError(d, "failed to read SOCKS5 method selection", err)
	}
	if resp[0] != socks5Version {
		return protocolError(d, fmt.Sprintf("unexpected SOCKS version %d", resp[0]))
	}

	switch resp[1] {
	case socksMethodNoAuth:
	case socksMethodUserPass:
		if d.Username == "" {
			return protocolError(d, "proxy demanded username/password authentication but no credentials were supplied")
		}
		if err := socks5Authenticate(conn, d); err != nil {
			return err
		}
	case socksMethodNoAcceptable:
		return protocolError(d, "no acceptable authentication methods")
	default:
		return protocolError(d, fmt.Sprintf("proxy selected unsupported authentication method 0x%02x", resp[1]))
	}

	req := []byte{socks5Version, socksCmdConnect, 0x00}
	if ip := net.ParseIP(targetHost); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, socksAtypIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, socksAtypIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(targetHost) > 255 {
			return protocolError(d, "target hostname too long for SOCKS5")
		}
		req = append(req, socksAtypDomain, byte(len(targetHost)))
		req = append(req, targetHost...)
	}
	req = append(req, byte(targetPort>>8), byte(targetPort))
	if _, err := conn.Write(req); err != nil {
		return ioError(d, "failed to send SOCKS5 connect request", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return ioError(d, "failed to read SOCKS5 connect reply", err)
	}
	if header[0] != socks5Version {
		return protocolError(d, fmt.Sprintf("unexpected SOCKS version %d in reply", header[0]))
	}
	if header[1] != 0x00 {
		return protocolError(d, fmt.Sprintf("SOCKS5 connect to %s failed: %s", targetAddress(targetHost, targetPort), SOCKS5ReplyText(header[1])))
	}

	var skip int
	switch header[3] {
	case socksAtypIPv4:
		skip = net.IPv4len + 2
	case socksAtypIPv6:
		skip = net.IPv6len + 2
	case socksAtypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return ioError(d, "failed to read SOCKS5 bound address", err)
		}
		skip = int(l[0]) + 2
	default:
		return protocolError(d, fmt.Sprintf("unknown address type 0x%02x in SOCKS5 reply", header[3]))
	}
	if _, err := io.ReadFull(conn, make([]byte, skip)); err != nil {
		return ioError(d, "failed to read SOCKS5 bound address", err)
	}
	return nil
}

func socks5Authenticate(conn net.Conn, d *Descriptor) error {
	req := []byte{socksUserPassVersion, byte(len(d.Username))}
	req = append(req, d.Username...)
	req = append(req, byte(len(d.Password)))
	req = append(req, d.Password...)
	if _, err := conn.Write(req); err != nil {
		return ioError(d, "failed to send SOCKS5 credentials", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return ioError(d, "failed to read SOCKS5 authentication status", err)
	}
	if resp[1] != 0x00 {
		return protocolError(d, fmt.Sprintf("SOCKS5 authentication failed (status 0x%02x)", resp[1]))
	}
	return nil
}
