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
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/metrics"
	"github.com/hopshell/hopshell/param"
)

type Kind string

const (
	KindLocal   Kind = "local"
	KindRemote  Kind = "remote"
	KindDynamic Kind = "dynamic"

	defaultBindAddress = "127.0.0.1"

	// socksHandshakeTimeout bounds how long a dynamic forward client may take
	// to send its request.
	socksHandshakeTimeout = 30 * time.Second
)

type (
	// Spec describes a port forward.  Local and remote forwards carry a
	// fixed target; dynamic forwards take the target from each SOCKS5 request.
	Spec struct {
		Kind        Kind   `json:"kind"`
		BindAddress string `json:"bindAddress,omitempty"`
		BindPort    int    `json:"bindPort"`
		TargetHost  string `json:"targetHost,omitempty"`
		TargetPort  int    `json:"targetPort,omitempty"`
	}

	// Tunnel is a running port forward.  It owns its connection: stopping
	// the tunnel closes the connection, and losing the connection stops the
	// tunnel.
	Tunnel struct {
		ID      string
		Spec    Spec
		Started time.Time

		manager  *Manager
		conn     *chain.Connection
		listener net.Listener
		status   atomic.String

		mu     sync.Mutex
		active map[net.Conn]struct{}

		connections atomic.Int64
		bytesIn     atomic.Int64
		bytesOut    atomic.Int64

		stopOnce sync.Once
		done     chan struct{}
		wg       sync.WaitGroup
	}

	Info struct {
		ID          string              `json:"id"`
		Kind        Kind                `json:"kind"`
		Bind        string              `json:"bind"`
		Target      string              `json:"target,omitempty"`
		Status      events.TunnelStatus `json:"status"`
		Connections int64               `json:"connections"`
		BytesIn     int64               `json:"bytesIn"`
		BytesOut    int64               `json:"bytesOut"`
		Started     time.Time           `json:"started"`
	}

	// Manager is the table of running tunnels.
	Manager struct {
		sink events.Sink

		// DialTimeout overrides Tunnel.DialTimeout when positive.
		DialTimeout time.Duration

		mu      sync.RWMutex
		tunnels map[string]*Tunnel
	}
)

// Validate checks the spec before anything is bound.
func (s *Spec) Validate() error {
	if s.BindPort < 0 || s.BindPort > 65535 {
		return conn_errors.NewConfiguration("validate tunnel", s.BindAddress, "invalid bind port %d", s.BindPort)
	}
	switch s.Kind {
	case KindLocal, KindRemote:
		if s.TargetHost == "" {
			return conn_errors.NewConfiguration("validate tunnel", s.BindAddress, "%s forward requires a target host", s.Kind)
		}
		if s.TargetPort <= 0 || s.TargetPort > 65535 {
			return conn_errors.NewConfiguration("validate tunnel", s.BindAddress, "invalid target port %d", s.TargetPort)
		}
	case KindDynamic:
		if s.TargetHost != "" || s.TargetPort != 0 {
			return conn_errors.NewConfiguration("validate tunnel", s.BindAddress, "dynamic forward takes no target")
		}
	default:
		return conn_errors.NewConfiguration("validate tunnel", s.BindAddress, "unknown tunnel kind %q", s.Kind)
	}
	return nil
}

func (s *Spec) bindAddr() string {
	host := s.BindAddress
	if host == "" {
		host = defaultBindAddress
	}
	return net.JoinHostPort(host, strconv.Itoa(s.BindPort))
}

func (s *Spec) target() string {
	if s.Kind == KindDynamic {
		return ""
	}
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

func NewManager(sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{sink: sink, tunnels: make(map[string]*Tunnel)}
}

func (m *Manager) dialTimeout() time.Duration {
	if m.DialTimeout > 0 {
		return m.DialTimeout
	}
	return param.Tunnel_DialTimeout.GetDuration()
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tunnels[id]; ok {
		return conn_errors.NewConfiguration("start tunnel", "", "tunnel %q already exists", id)
	}
	m.tunnels[id] = nil
	return nil
}

func (m *Manager) set(id string, t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[id] = t
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, id)
}

func (m *Manager) Get(id string) (*Tunnel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tunnels[id]
	return t, t != nil
}

// Start binds the forward described by spec on conn.  An empty id is
// replaced with a generated one.  If Start fails, conn is closed.
func (m *Manager) Start(ctx context.Context, id string, spec Spec, conn *chain.Connection) (*Tunnel, error) {
	if err := spec.Validate(); err != nil {
		conn.Close()
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.reserve(id); err != nil {
		conn.Close()
		return nil, err
	}

	m.sink.PortForwardStatus(id, events.TunnelConnecting, nil)
	t := &Tunnel{
		ID:      id,
		Spec:    spec,
		Started: time.Now(),
		manager: m,
		conn:    conn,
		active:  make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	t.status.Store(string(events.TunnelConnecting))

	listener, err := t.bind(ctx)
	if err != nil {
		m.remove(id)
		conn.Close()
		err = conn_errors.Wrap(err, "bind "+string(spec.Kind)+" forward", spec.bindAddr())
		t.status.Store(string(events.TunnelError))
		m.sink.PortForwardStatus(id, events.TunnelError, err)
		return nil, err
	}
	t.listener = listener
	m.set(id, t)
	metrics.ActiveTunnels.WithLabelValues(string(spec.Kind)).Inc()

	t.status.Store(string(events.TunnelActive))
	m.sink.PortForwardStatus(id, events.TunnelActive, nil)
	log.Infof("Tunnel %s (%s) active on %s", id, spec.Kind, listener.Addr())

	t.wg.Add(1)
	go t.acceptLoop()
	go func() {
		select {
		case <-conn.Done():
			log.Infof("Connection for tunnel %s closed; stopping tunnel", id)
			t.stop(nil)
		case <-t.done:
		}
	}()
	return t, nil
}

func (t *Tunnel) bind(ctx context.Context) (net.Listener, error) {
	addr := t.Spec.bindAddr()
	if t.Spec.Kind == KindRemote {
		l, err := t.conn.Client.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "remote forward on %s refused", addr)
		}
		return l, nil
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// Addr is the address actually bound; for remote forwards it is the
// address on the SSH server.
func (t *Tunnel) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *Tunnel) Status() events.TunnelStatus {
	return events.TunnelStatus(t.status.Load())
}

func (t *Tunnel) Info() Info {
	info := Info{
		ID:          t.ID,
		Kind:        t.Spec.Kind,
		Target:      t.Spec.target(),
		Status:      t.Status(),
		Connections: t.connections.Load(),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		Started:     t.Started,
	}
	if t.listener != nil {
		info.Bind = t.listener.Addr().String()
	}
	return info
}

func (t *Tunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return false
	default:
	}
	t.active[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, c)
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Warnf("Tunnel %s stopped accepting: %v", t.ID, err)
				go t.stop(err)
			}
			return
		}
		if !t.track(c) {
			c.Close()
			return
		}
		t.connections.Inc()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.untrack(c)
			t.handle(c)
		}()
	}
}

func (t *Tunnel) handle(c net.Conn) {
	kind := string(t.Spec.Kind)
	var (
		remote net.Conn
		err    error
	)
	switch t.Spec.Kind {
	case KindLocal:
		remote, err = t.dialRemote(t.Spec.target())
	case KindRemote:
		var d net.Dialer
		ctx, cancel := context.WithTimeout(context.Background(), t.manager.dialTimeout())
		remote, err = d.DialContext(ctx, "tcp", t.Spec.target())
		cancel()
	case KindDynamic:
		_ = c.SetDeadline(time.Now().Add(socksHandshakeTimeout))
		var target string
		target, err = socks5Handshake(c)
		if err != nil {
			log.Debugf("Tunnel %s: SOCKS5 handshake failed: %v", t.ID, err)
			break
		}
		_ = c.SetDeadline(time.Time{})
		remote, err = t.dialRemote(target)
		if err != nil {
			socks5Reply(c, socks5ConnectionRefused)
		} else {
			socks5Reply(c, socks5Succeeded)
		}
	}
	if err != nil {
		log.Debugf("Tunnel %s: dropping connection from %s: %v", t.ID, c.RemoteAddr(), err)
		metrics.TunnelConnectionsTotal.WithLabelValues(kind, metrics.ResultFailure).Inc()
		c.Close()
		return
	}
	metrics.TunnelConnectionsTotal.WithLabelValues(kind, metrics.ResultSuccess).Inc()
	if !t.track(remote) {
		c.Close()
		remote.Close()
		return
	}
	defer t.untrack(remote)
	t.relay(c, remote)
}

// dialRemote opens a forwarded channel from the SSH server to target.
func (t *Tunnel) dialRemote(target string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := t.conn.Client.Dial("tcp", target)
		done <- result{conn, err}
	}()
	timer := time.NewTimer(t.manager.dialTimeout())
	defer timer.Stop()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-timer.C:
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, errors.Errorf("timed out opening channel to %s", target)
	case <-t.done:
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, errors.New("tunnel stopped")
	}
}

// stop tears the tunnel down once.  A non-nil cause is reported as an
// error before the final inactive status.
func (t *Tunnel) stop(cause error) {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		close(t.done)
		active := make([]net.Conn, 0, len(t.active))
		for c := range t.active {
			active = append(active, c)
		}
		t.mu.Unlock()

		t.listener.Close()
		for _, c := range active {
			c.Close()
		}
		t.conn.Close()

		m := t.manager
		m.remove(t.ID)
		metrics.ActiveTunnels.WithLabelValues(string(t.Spec.Kind)).Dec()
		if cause != nil {
			t.status.Store(string(events.TunnelError))
			m.sink.PortForwardStatus(t.ID, events.TunnelError, cause)
		}
		t.status.Store(string(events.TunnelInactive))
		m.sink.PortForwardStatus(t.ID, events.TunnelInactive, nil)
		log.Infof("Tunnel %s stopped (%d connection(s), %d bytes in, %d bytes out)",
			t.ID, t.connections.Load(), t.bytesIn.Load(), t.bytesOut.Load())
	})
}

// Stop stops the tunnel and waits for its connections to finish.  Stopping
// an unknown or already stopped tunnel is not an error.
func (m *Manager) Stop(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return nil
	}
	t.stop(nil)
	t.wg.Wait()
	return nil
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		if t != nil {
			tunnels = append(tunnels, t)
		}
	}
	m.mu.RUnlock()

	result := make([]Info, 0, len(tunnels))
	for _, t := range tunnels {
		result = append(result, t.Info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Shutdown stops every tunnel.
func (m *Manager) Shutdown() {
	for _, info := range m.List() {
		_ = m.Stop(info.ID)
	}
}
