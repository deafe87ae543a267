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
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/hopshell/hopshell/conn_errors"
)

// startFakeProxy accepts a single connection and hands it to handler.
func startFakeProxy(t *testing.T, handler func(conn net.Conn)) *Descriptor {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return &Descriptor{Host: "127.0.0.1", Port: addr.Port}
}

func echo(conn net.Conn) {
	_, _ = io.Copy(conn, conn)
}

func TestHTTPConnectSuccess(t *testing.T) {
	gotRequest := make(chan *http.Request, 1)
	d := startFakeProxy(t, func(conn net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		gotRequest <- req
		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection established\r\nX-Proxy: test\r\n\r\nbanner"))
		echo(conn)
	})
	d.Kind = KindHTTP
	d.Username = "alice"
	d.Password = "s3cret"

	conn, err := ConnectViaProxy(context.Background(), d, "target.example", 22)
	require.NoError(t, err)
	defer conn.Close()

	req := <-gotRequest
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "target.example:22", req.Host)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:s3cret")), req.Header.Get("Proxy-Authorization"))

	// Bytes after the header terminator must not be lost
	banner := make([]byte, 6)
	_, err = io.ReadFull(conn, banner)
	require.NoError(t, err)
	assert.Equal(t, "banner", string(banner))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
}

func TestHTTPConnectHTTP10(t *testing.T) {
	d := startFakeProxy(t, func(conn net.Conn) {
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.0 200 OK\r\n\r\n"))
		echo(conn)
	})
	d.Kind = KindHTTP

	conn, err := ConnectViaProxy(context.Background(), d, "10.0.0.1", 2222)
	require.NoError(t, err)
	conn.Close()
}

func TestHTTPConnectRejected(t *testing.T) {
	closed := make(chan struct{})
	d := startFakeProxy(t, func(conn net.Conn) {
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n"))
		// The client must destroy the socket
		_, err := conn.Read(make([]byte, 1))
		if err == io.EOF {
			close(closed)
		}
	})
	d.Kind = KindHTTP

	_, err := ConnectViaProxy(context.Background(), d, "target.example", 22)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP/1.1 407 Proxy Authentication Required")

	var proxyErr *ProxyError
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, conn_errors.KindProtocol, conn_errors.Classify(err))

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("proxy socket was not closed after rejection")
	}
}

type socksRecorder struct {
	steps []string
}

// serveSOCKS5 implements just enough of a SOCKS5 server to check what the
// client sends.  method is the method the server picks; replyCode is the
// CONNECT reply.
func serveSOCKS5(rec *socksRecorder, method byte, replyCode byte, done chan<- struct{}) func(net.Conn) {
	return func(conn net.Conn) {
		defer close(done)
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		rec.steps = append(rec.steps, "greeting:"+string(rune('0'+len(methods))))
		_, _ = conn.Write([]byte{5, method})

		if method == 0x02 {
			ver := make([]byte, 2)
			if _, err := io.ReadFull(conn, ver); err != nil {
				return
			}
			user := make([]byte, ver[1])
			_, _ = io.ReadFull(conn, user)
			plen := make([]byte, 1)
			_, _ = io.ReadFull(conn, plen)
			pass := make([]byte, plen[0])
			_, _ = io.ReadFull(conn, pass)
			rec.steps = append(rec.steps, "auth:"+string(user)+":"+string(pass))
			status := byte(0)
			if string(pass) != "good" {
				status = 1
			}
			_, _ = conn.Write([]byte{1, status})
			if status != 0 {
				return
			}
		}

		req := make([]byte, 4)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		var addr string
		switch req[3] {
		case 0x01:
			ip := make([]byte, 4)
			_, _ = io.ReadFull(conn, ip)
			addr = net.IP(ip).String()
		case 0x03:
			l := make([]byte, 1)
			_, _ = io.ReadFull(conn, l)
			name := make([]byte, l[0])
			_, _ = io.ReadFull(conn, name)
			addr = string(name)
		case 0x04:
			ip := make([]byte, 16)
			_, _ = io.ReadFull(conn, ip)
			addr = net.IP(ip).String()
		}
		port := make([]byte, 2)
		_, _ = io.ReadFull(conn, port)
		rec.steps = append(rec.steps, "connect:"+strconv.Itoa(int(req[3]))+":"+net.JoinHostPort(addr, strconv.Itoa(int(port[0])<<8|int(port[1]))))

		_, _ = conn.Write([]byte{5, replyCode, 0, 1, 0, 0, 0, 0, 0, 0})
		if replyCode == 0 {
			echo(conn)
		}
	}
}

func TestSOCKS5WithCredentials(t *testing.T) {
	rec := &socksRecorder{}
	done := make(chan struct{})
	d := startFakeProxy(t, serveSOCKS5(rec, 0x02, 0x00, done))
	d.Kind = KindSOCKS5
	d.Username = "bob"
	d.Password = "good"

	conn, err := ConnectViaProxy(context.Background(), d, "internal.example", 2200)
	require.NoError(t, err)
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = io.ReadFull(conn, b)
	require.NoError(t, err)
	conn.Close()
	<-done

	assert.Equal(t, []string{"greeting:2", "auth:bob:good", "connect:3:internal.example:2200"}, rec.steps)
}

func TestSOCKS5NoAuthSkipsSubnegotiation(t *testing.T) {
	rec := &socksRecorder{}
	done := make(chan struct{})
	d := startFakeProxy(t, serveSOCKS5(rec, 0x00, 0x00, done))
	d.Kind = KindSOCKS5
	d.Username = "bob"
	d.Password = "good"

	conn, err := ConnectViaProxy(context.Background(), d, "192.0.2.10", 22)
	require.NoError(t, err)
	conn.Close()
	<-done

	assert.Equal(t, []string{"greeting:2", "connect:1:192.0.2.10:22"}, rec.steps)
}

func TestSOCKS5IPv6Target(t *testing.T) {
	rec := &socksRecorder{}
	done := make(chan struct{})
	d := startFakeProxy(t, serveSOCKS5(rec, 0x00, 0x00, done))
	d.Kind = KindSOCKS5

	conn, err := ConnectViaProxy(context.Background(), d, "2001:db8::1", 22)
	require.NoError(t, err)
	conn.Close()
	<-done
	assert.Equal(t, []string{"greeting:1", "connect:4:[2001:db8::1]:22"}, rec.steps)
}

func TestSOCKS5Failures(t *testing.T) {
	t.Run("bad-credentials", func(t *testing.T) {
		done := make(chan struct{})
		d := startFakeProxy(t, serveSOCKS5(&socksRecorder{}, 0x02, 0x00, done))
		d.Kind = KindSOCKS5
		d.Username = "bob"
		d.Password = "bad"
		_, err := ConnectViaProxy(context.Background(), d, "h", 22)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SOCKS5 authentication failed")
	})

	t.Run("no-acceptable-method", func(t *testing.T) {
		done := make(chan struct{})
		d := startFakeProxy(t, serveSOCKS5(&socksRecorder{}, 0xff, 0x00, done))
		d.Kind = KindSOCKS5
		_, err := ConnectViaProxy(context.Background(), d, "h", 22)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no acceptable authentication methods")
	})

	for code, text := range map[byte]string{
		0x01: "general SOCKS server failure",
		0x02: "connection not allowed by ruleset",
		0x03: "network unreachable",
		0x04: "host unreachable",
		0x05: "connection refused",
		0x06: "TTL expired",
		0x07: "command not supported",
		0x08: "address type not supported",
	} {
		code, text := code, text
		t.Run(text, func(t *testing.T) {
			done := make(chan struct{})
			d := startFakeProxy(t, serveSOCKS5(&socksRecorder{}, 0x00, code, done))
			d.Kind = KindSOCKS5
			_, err := ConnectViaProxy(context.Background(), d, "h", 22)
			require.Error(t, err)
			assert.Contains(t, err.Error(), text)
			var proxyErr *ProxyError
			assert.ErrorAs(t, err, &proxyErr)
		})
	}
	assert.Equal(t, "unknown reply code 0x09", SOCKS5ReplyText(0x09))
}

func TestConnectTimeout(t *testing.T) {
	d := startFakeProxy(t, func(conn net.Conn) {
		// Never answer
		_, _ = io.Copy(io.Discard, conn)
	})
	d.Kind = KindSOCKS5

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ConnectViaProxy(ctx, d, "h", 22)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, conn_errors.KindNetwork, conn_errors.Classify(err))
}

func TestConnectCancelled(t *testing.T) {
	d := startFakeProxy(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	d.Kind = KindHTTP

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := ConnectViaProxy(ctx, d, "h", 22)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, conn_errors.KindCancelled, conn_errors.Classify(err))
}

func TestProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = ConnectViaProxy(context.Background(), &Descriptor{Kind: KindHTTP, Host: "127.0.0.1", Port: port}, "h", 22)
	require.Error(t, err)
	assert.Equal(t, conn_errors.KindNetwork, conn_errors.Classify(err))
}

func TestDialerImplementsContextDialer(t *testing.T) {
	done := make(chan struct{})
	rec := &socksRecorder{}
	d := startFakeProxy(t, serveSOCKS5(rec, 0x00, 0x00, done))
	d.Kind = KindSOCKS5

	var dialer proxy.ContextDialer = NewDialer(d, proxy.Direct)
	conn, err := dialer.DialContext(context.Background(), "tcp", "db.internal:5432")
	require.NoError(t, err)
	conn.Close()
	<-done
	assert.Equal(t, "connect:3:db.internal:5432", rec.steps[len(rec.steps)-1])

	_, err = dialer.DialContext(context.Background(), "udp", "db.internal:5432")
	assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))
}

func TestParseURL(t *testing.T) {
	d, err := ParseURL("socks5://user:pw@proxy.example:9050")
	require.NoError(t, err)
	assert.Equal(t, &Descriptor{Kind: KindSOCKS5, Host: "proxy.example", Port: 9050, Username: "user", Password: "pw"}, d)

	d, err = ParseURL("http://proxy.example")
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, d.Kind)
	assert.Equal(t, 8080, d.Port)
	assert.Equal(t, "http://proxy.example:8080", d.String())

	_, err = ParseURL("ftp://proxy.example")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"ok", Descriptor{Kind: KindHTTP, Host: "h", Port: 1}, true},
		{"bad kind", Descriptor{Kind: "socks4", Host: "h", Port: 1}, false},
		{"no host", Descriptor{Kind: KindHTTP, Port: 1}, false},
		{"bad port", Descriptor{Kind: KindSOCKS5, Host: "h", Port: 70000}, false},
		{"password only", Descriptor{Kind: KindSOCKS5, Host: "h", Port: 1, Password: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))
			}
		})
	}
}
