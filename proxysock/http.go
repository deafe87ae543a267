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
	"bytes"
	"encoding/base64"
	"net"
	"strings"
)

const maxHTTPResponseHeader = 16 * 1024

// prefixedConn replays bytes that were read past the end of the proxy
// response before handing reads to the underlying connection.
type prefixedConn struct {
	net.Conn
	pending []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func httpConnect(conn net.Conn, d *Descriptor, targetHost string, targetPort int) (net.Conn, error) {
	target := targetAddress(targetHost, targetPort)

	var req strings.Builder
	req.WriteString("CONNECT " + target + " HTTP/1.1\r\n")
	req.WriteString("Host: " + target + "\r\n")
	if d.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		req.WriteString("Proxy-Authorization: Basic " + creds + "\r\n")
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, ioError(d, "failed to send CONNECT request", err)
	}

	terminator := []byte("\r\n\r\n")
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if idx := bytes.Index(buf, terminator); idx >= 0 {
			header := buf[:idx]
			rest := buf[idx+len(terminator):]
			statusLine := string(header)
			if nl := strings.Index(statusLine, "\r\n"); nl >= 0 {
				statusLine = statusLine[:nl]
			}
			if !strings.HasPrefix(statusLine, "HTTP/1.1 200") && !strings.HasPrefix(statusLine, "HTTP/1.0 200") {
				return nil, protocolError(d, "CONNECT to "+target+" rejected: "+statusLine)
			}
			if len(rest) > 0 {
				return &prefixedConn{Conn: conn, pending: append([]byte(nil), rest...)}, nil
			}
			return conn, nil
		}
		if len(buf) > maxHTTPResponseHeader {
			return nil, protocolError(d, "CONNECT response header too large")
		}
		if err != nil {
			return nil, ioError(d, "failed to read CONNECT response", err)
		}
	}
}
