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

package test_utils

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

type (
	// SSHServerConfig controls what the in-process SSH server accepts.
	SSHServerConfig struct {
		// Passwords maps user names to accepted passwords (password and
		// keyboard-interactive auth).
		Passwords map[string]string
		// AuthorizedKeys lists public keys accepted for any user.
		AuthorizedKeys []ssh.PublicKey
		// TrustedUserCA enables certificate auth for certificates signed by it.
		TrustedUserCA ssh.PublicKey
		// HostKey defaults to a fresh ed25519 key.
		HostKey ssh.Signer
		// RefuseDirectTCPIP rejects every direct-tcpip channel.
		RefuseDirectTCPIP bool
		// DenyRemoteForward rejects tcpip-forward requests.
		DenyRemoteForward bool
	}

	// SSHServer is a minimal SSH server for tests.  It supports shells, exec,
	// direct-tcpip and tcpip-forward, and records the order in which it
	// authenticated users and opened forwarded channels.
	SSHServer struct {
		config   *ssh.ServerConfig
		cfg      SSHServerConfig
		listener net.Listener
		Port     int

		mu       sync.Mutex
		log      []string
		conns    map[*ssh.ServerConn]struct{}
		ptys     []PTYRequest
		env      map[string]string
		resizes  []WindowSize
		accepted atomic.Int32
		wg       sync.WaitGroup
	}

	PTYRequest struct {
		Term string
		Cols uint32
		Rows uint32
	}

	WindowSize struct {
		Cols uint32
		Rows uint32
	}

	directTCPIPPayload struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}

	forwardRequest struct {
		Addr string
		Port uint32
	}

	forwardedTCPIPPayload struct {
		Addr     string
		Port     uint32
		OrigAddr string
		OrigPort uint32
	}
)

// NewSSHServer starts a server on 127.0.0.1 that is stopped when the test ends.
func NewSSHServer(t *testing.T, cfg SSHServerConfig) *SSHServer {
	if cfg.HostKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		cfg.HostKey, err = ssh.NewSignerFromKey(priv)
		require.NoError(t, err)
	}

	s := &SSHServer{cfg: cfg, conns: make(map[*ssh.ServerConn]struct{}), env: make(map[string]string)}
	serverConfig := &ssh.ServerConfig{}

	if len(cfg.Passwords) > 0 {
		serverConfig.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if expected, ok := cfg.Passwords[c.User()]; ok && expected == string(pass) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
		serverConfig.KeyboardInteractiveCallback = func(c ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if expected, ok := cfg.Passwords[c.User()]; ok && len(answers) == 1 && answers[0] == expected {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected for %q", c.User())
		}
	}

	if len(cfg.AuthorizedKeys) > 0 || cfg.TrustedUserCA != nil {
		checker := &ssh.CertChecker{
			IsUserAuthority: func(auth ssh.PublicKey) bool {
				return cfg.TrustedUserCA != nil && bytes.Equal(auth.Marshal(), cfg.TrustedUserCA.Marshal())
			},
			UserKeyFallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
				for _, k := range cfg.AuthorizedKeys {
					if bytes.Equal(k.Marshal(), pubKey.Marshal()) {
						return &ssh.Permissions{}, nil
					}
				}
				return nil, fmt.Errorf("unknown public key for %q", c.User())
			},
		}
		serverConfig.PublicKeyCallback = checker.Authenticate
	}

	serverConfig.AddHostKey(cfg.HostKey)
	s.config = serverConfig

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = listener
	s.Port = listener.Addr().(*net.TCPAddr).Port

	s.wg.Add(1)
	go s.acceptConnections()
	t.Cleanup(s.Stop)
	return s
}

func (s *SSHServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *SSHServer) HostKey() ssh.PublicKey {
	return s.cfg.HostKey.PublicKey()
}

// KnownHostsLine returns the known_hosts entry for this server.
func (s *SSHServer) KnownHostsLine() string {
	return fmt.Sprintf("[127.0.0.1]:%d %s", s.Port, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.HostKey()))))
}

// Log returns the recorded auth and channel events, oldest first.
func (s *SSHServer) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Accepted is the number of successful SSH handshakes.
func (s *SSHServer) Accepted() int {
	return int(s.accepted.Load())
}

// OpenConnections reports how many client connections are still alive.
func (s *SSHServer) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *SSHServer) PTYs() []PTYRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PTYRequest(nil), s.ptys...)
}

func (s *SSHServer) Env(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env[name]
}

func (s *SSHServer) Resizes() []WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowSize(nil), s.resizes...)
}

func (s *SSHServer) record(entry string) {
	s.mu.Lock()
	s.log = append(s.log, entry)
	s.mu.Unlock()
}

// DropConnections forcibly closes every client connection.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *SSHServer) Stop() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *SSHServer) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *SSHServer) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	s.accepted.Inc()
	s.record("auth:" + sshConn.User())
	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	forwards := &remoteForwards{listeners: make(map[string]net.Listener)}
	defer forwards.closeAll()
	go s.handleGlobalRequests(sshConn, reqs, forwards)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			go s.handleSession(sshConn, newChannel)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChannel)
		default:
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

type remoteForwards struct {
	mu        sync.Mutex
	listeners map[string]net.Listener
}

func (f *remoteForwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, l := range f.listeners {
		l.Close()
		delete(f.listeners, key)
	}
}

func (s *SSHServer) handleGlobalRequests(sshConn *ssh.ServerConn, reqs <-chan *ssh.Request, forwards *remoteForwards) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var fwd forwardRequest
			if s.cfg.DenyRemoteForward || ssh.Unmarshal(req.Payload, &fwd) != nil {
				_ = req.Reply(false, nil)
				continue
			}
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(fwd.Port))))
			if err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			port := uint32(l.Addr().(*net.TCPAddr).Port)
			key := net.JoinHostPort(fwd.Addr, strconv.Itoa(int(port)))
			forwards.mu.Lock()
			forwards.listeners[key] = l
			forwards.mu.Unlock()
			s.record("tcpip-forward:" + key)
			_ = req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
			go s.serveRemoteForward(sshConn, l, fwd.Addr, port)
		case "cancel-tcpip-forward":
			var fwd forwardRequest
			if ssh.Unmarshal(req.Payload, &fwd) != nil {
				_ = req.Reply(false, nil)
				continue
			}
			key := net.JoinHostPort(fwd.Addr, strconv.Itoa(int(fwd.Port)))
			forwards.mu.Lock()
			l, ok := forwards.listeners[key]
			delete(forwards.listeners, key)
			forwards.mu.Unlock()
			if ok {
				l.Close()
				s.record("cancel-tcpip-forward:" + key)
			}
			_ = req.Reply(ok, nil)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// RemoteForwardPort returns the server-side port bound for a remote forward.
func (s *SSHServer) RemoteForwardPort() int {
	for _, entry := range s.Log() {
		if strings.HasPrefix(entry, "tcpip-forward:") {
			_, port, err := net.SplitHostPort(strings.TrimPrefix(entry, "tcpip-forward:"))
			if err == nil {
				p, _ := strconv.Atoi(port)
				return p
			}
		}
	}
	return 0
}

func (s *SSHServer) serveRemoteForward(sshConn *ssh.ServerConn, l net.Listener, addr string, port uint32) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			orig := conn.RemoteAddr().(*net.TCPAddr)
			ch, reqs, err := sshConn.OpenChannel("forwarded-tcpip", ssh.Marshal(forwardedTCPIPPayload{
				Addr:     addr,
				Port:     port,
				OrigAddr: orig.IP.String(),
				OrigPort: uint32(orig.Port),
			}))
			if err != nil {
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(ch, conn)
		}()
	}
}

func (s *SSHServer) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	target := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	s.record("direct-tcpip:" + target)
	if s.cfg.RefuseDirectTCPIP {
		_ = newChannel.Reject(ssh.Prohibited, "forwarding disabled")
		return
	}
	conn, err := net.Dial("tcp", target)
	if err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer conn.Close()
	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, conn)
}

func pipe(ch ssh.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch, conn)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, ch)
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
}

func sendExitStatus(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	ch.Close()
}

func (s *SSHServer) handleSession(sshConn *ssh.ServerConn, newChannel ssh.NewChannel) {
	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var pty struct {
				Term   string
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
				Modes  string
			}
			if err := ssh.Unmarshal(req.Payload, &pty); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.ptys = append(s.ptys, PTYRequest{Term: pty.Term, Cols: pty.Cols, Rows: pty.Rows})
			s.mu.Unlock()
			_ = req.Reply(true, nil)
		case "env":
			var kv struct {
				Name  string
				Value string
			}
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				s.mu.Lock()
				s.env[kv.Name] = kv.Value
				s.mu.Unlock()
			}
			_ = req.Reply(true, nil)
		case "window-change":
			var wc struct {
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
			}
			if err := ssh.Unmarshal(req.Payload, &wc); err == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, WindowSize{Cols: wc.Cols, Rows: wc.Rows})
				s.mu.Unlock()
			}
		case "auth-agent-req@openssh.com":
			s.record("agent-forwarding")
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go func() {
				s.runShell(ch)
			}()
		case "exec":
			var cmd struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &cmd); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.record("exec:" + cmd.Command)
			go s.runExec(sshConn, ch, cmd.Command)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runShell implements a line-oriented fake shell:
//
//	exit N          exit with status N
//	burst N SIZE    write N chunks of SIZE bytes
//	stderr TEXT     write TEXT to stderr
//	anything else   echoed back
func (s *SSHServer) runShell(ch ssh.Channel) {
	scanner := bufio.NewScanner(ch)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		switch {
		case len(fields) == 2 && fields[0] == "exit":
			code, _ := strconv.Atoi(fields[1])
			sendExitStatus(ch, code)
			return
		case len(fields) == 3 && fields[0] == "burst":
			n, _ := strconv.Atoi(fields[1])
			size, _ := strconv.Atoi(fields[2])
			chunk := bytes.Repeat([]byte("x"), size)
			for i := 0; i < n; i++ {
				_, _ = ch.Write(chunk)
			}
		case len(fields) >= 1 && fields[0] == "stderr":
			_, _ = ch.Stderr().Write([]byte(strings.TrimPrefix(line, "stderr ") + "\n"))
		default:
			_, _ = ch.Write([]byte(line + "\n"))
		}
	}
	sendExitStatus(ch, 0)
}

// runExec implements a few fixed commands:
//
//	echo ARGS       print ARGS
//	fail            print to stderr and exit 3
//	cat             copy stdin to stdout
//	agent-list      list the forwarded agent's keys
//	hangup          close the channel without an exit status
func (s *SSHServer) runExec(sshConn *ssh.ServerConn, ch ssh.Channel, command string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		sendExitStatus(ch, 127)
		return
	}
	switch fields[0] {
	case "echo":
		_, _ = ch.Write([]byte(strings.TrimPrefix(command, "echo ") + "\n"))
		sendExitStatus(ch, 0)
	case "fail":
		_, _ = ch.Stderr().Write([]byte("failure requested\n"))
		sendExitStatus(ch, 3)
	case "cat":
		_, _ = io.Copy(ch, ch)
		sendExitStatus(ch, 0)
	case "agent-list":
		agentCh, reqs, err := sshConn.OpenChannel("auth-agent@openssh.com", nil)
		if err != nil {
			_, _ = ch.Stderr().Write([]byte(err.Error() + "\n"))
			sendExitStatus(ch, 1)
			return
		}
		go ssh.DiscardRequests(reqs)
		keys, err := agent.NewClient(agentCh).List()
		agentCh.Close()
		if err != nil {
			_, _ = ch.Stderr().Write([]byte(err.Error() + "\n"))
			sendExitStatus(ch, 1)
			return
		}
		for _, k := range keys {
			_, _ = ch.Write([]byte(k.Format + " " + k.Comment + "\n"))
		}
		sendExitStatus(ch, 0)
	case "hangup":
		ch.Close()
	default:
		_, _ = ch.Stderr().Write([]byte(fields[0] + ": command not found\n"))
		sendExitStatus(ch, 127)
	}
}
