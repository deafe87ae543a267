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

package chain

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mwitkow/go-conntrack"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"

	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/metrics"
	"github.com/hopshell/hopshell/param"
	"github.com/hopshell/hopshell/proxysock"
	"github.com/hopshell/hopshell/signing"
)

type (
	// ProgressFunc receives chain progress; it is called synchronously from
	// the goroutine building the chain.
	ProgressFunc func(events.Progress)

	// Builder establishes multi-hop SSH connections.  The zero value dials
	// directly, verifies host keys against the configured known_hosts file and
	// reports nothing.
	Builder struct {
		// Dialer opens the first TCP connection, to the proxy if one is used.
		Dialer proxy.ContextDialer
		// HostKeys is consulted when HostKeyCallback is nil.
		HostKeys        *HostKeyVerifier
		HostKeyCallback ssh.HostKeyCallback
		// Authenticator performs WebAuthn ceremonies for hardware identities.
		Authenticator signing.Authenticator
		Reporter      ProgressFunc

		ConnectTimeout     time.Duration
		HardwareTimeout    time.Duration
		KeepaliveMaxMissed int
	}

	// Result is an established chain of jump hosts: Transport is the channel
	// forwarded from the last hop to the target, Clients the hop connections
	// in order.
	Result struct {
		Transport net.Conn
		Clients   []*ssh.Client

		closeOnce sync.Once
	}

	// Connection is an authenticated SSH connection to a target together with
	// the chain it runs over.  Closing it closes every hop.
	Connection struct {
		Client *ssh.Client
		Hops   []*ssh.Client
		// Target is the host:port of the final SSH server.
		Target string

		result    *Result
		cancel    context.CancelFunc
		closeOnce sync.Once
		done      chan struct{}
	}

	// HopError reports the hop at which chain construction failed.
	HopError struct {
		Index int
		Total int
		Label string
		Host  string
		Stage string
		Err   error
	}
)

const (
	stageConnect   = "connect"
	stageHandshake = "handshake"
	stageForward   = "forward"
)

func (e *HopError) Error() string {
	return fmt.Sprintf("hop %d/%d (%s): %s failed: %v", e.Index, e.Total, e.Label, e.Stage, e.Err)
}

func (e *HopError) Unwrap() error {
	return e.Err
}

func (e *HopError) ErrorKind() conn_errors.Kind {
	return conn_errors.Classify(e.Err)
}

// Close closes the transport and then every hop, last hop first.  Only the
// first call has any effect.
func (r *Result) Close() error {
	var firstErr error
	r.closeOnce.Do(func() {
		if r.Transport != nil {
			firstErr = r.Transport.Close()
		}
		for i := len(r.Clients) - 1; i >= 0; i-- {
			if err := r.Clients[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Close closes the target connection and the chain beneath it.  It is safe
// to call more than once and from several goroutines.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		err = c.Client.Close()
		if c.result != nil {
			c.result.Close()
		}
		close(c.done)
		log.Debugf("Closed SSH connection to %s (%d hop(s))", c.Target, len(c.Hops))
	})
	return err
}

// Done is closed once the connection is closed, whether by Close or because
// the target or any hop dropped.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// dialContextFunc adapts a dial function to proxy.ContextDialer.
type dialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialContextFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// firstHopDialer opens the TCP connection of every chain, to the first jump
// host or to the proxy, and feeds the net_conntrack_dialer metrics.
var firstHopDialer = dialContextFunc(conntrack.NewDialContextFunc(
	conntrack.DialWithName("first_hop"),
	conntrack.DialWithTracing(),
))

func (b *Builder) dialer() proxy.ContextDialer {
	if b.Dialer != nil {
		return b.Dialer
	}
	return firstHopDialer
}

func (b *Builder) connectTimeout() time.Duration {
	if b.ConnectTimeout > 0 {
		return b.ConnectTimeout
	}
	return param.Client_ConnectTimeout.GetDuration()
}

func (b *Builder) hardwareTimeout() time.Duration {
	if b.HardwareTimeout > 0 {
		return b.HardwareTimeout
	}
	return param.Client_HardwareAuthTimeout.GetDuration()
}

func (b *Builder) report(index, total int, label string, status events.ChainStatus, err error) {
	if b.Reporter == nil {
		return
	}
	p := events.Progress{HopIndex: index, TotalHops: total, Label: label, Status: status}
	if err != nil {
		p.Error = err.Error()
	}
	b.Reporter(p)
}

// reportError emits an error progress event unless the attempt was
// cancelled, which is never surfaced.
func (b *Builder) reportError(index, total int, label string, err error) {
	if conn_errors.IsCancelled(err) {
		return
	}
	b.report(index, total, label, events.HopError, err)
}

func (b *Builder) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if b.HostKeyCallback != nil {
		return b.HostKeyCallback, nil
	}
	if b.HostKeys == nil {
		verifier, err := NewHostKeyVerifierFromConfig()
		if err != nil {
			return nil, err
		}
		b.HostKeys = verifier
	}
	return b.HostKeys.Callback()
}

// prepare validates the whole request and parses auth material, so that
// configuration errors surface before any socket is opened.
func (b *Builder) prepare(hops []HopSpec, proxyDesc *proxysock.Descriptor) ([]*hopAuth, error) {
	if proxyDesc != nil {
		if err := proxyDesc.Validate(); err != nil {
			return nil, err
		}
	}
	auths := make([]*hopAuth, len(hops))
	for i := range hops {
		hop := &hops[i]
		if err := hop.Validate(b.Authenticator != nil); err != nil {
			return nil, err
		}
		auth, err := prepareAuth(hop, b.Authenticator)
		if err != nil {
			return nil, err
		}
		auths[i] = auth
	}
	return auths, nil
}

// ConnectChain connects through hops in order and returns a transport to
// targetHost:targetPort forwarded from the last hop.  With no hops the
// transport is a direct (or proxied) TCP connection.  Progress counts the
// target as the final hop.
func (b *Builder) ConnectChain(ctx context.Context, hops []HopSpec, proxyDesc *proxysock.Descriptor, targetHost string, targetPort int) (*Result, error) {
	if targetHost == "" || targetPort <= 0 || targetPort > 65535 {
		return nil, conn_errors.NewConfiguration("validate", targetHost, "invalid target %s:%d", targetHost, targetPort)
	}
	auths, err := b.prepare(hops, proxyDesc)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	res, err := b.connectChain(ctx, hops, auths, proxyDesc, target, target, len(hops)+1)
	metrics.RecordChainAttempt(err)
	return res, err
}

// ConnectTarget connects through hops and authenticates to target, which is
// reported as hop N+1 of N+1.
func (b *Builder) ConnectTarget(ctx context.Context, hops []HopSpec, proxyDesc *proxysock.Descriptor, target HopSpec) (*Connection, error) {
	conn, err := b.connectTarget(ctx, hops, proxyDesc, target)
	metrics.RecordChainAttempt(err)
	return conn, err
}

func (b *Builder) connectTarget(ctx context.Context, hops []HopSpec, proxyDesc *proxysock.Descriptor, target HopSpec) (*Connection, error) {
	auths, err := b.prepare(append(hops[:len(hops):len(hops)], target), proxyDesc)
	if err != nil {
		return nil, err
	}
	targetAuth := auths[len(hops)]
	auths = auths[:len(hops)]
	total := len(hops) + 1
	label := target.DisplayLabel()

	if len(hops) == 0 {
		b.report(total, total, label, events.HopConnecting, nil)
	}
	res, err := b.connectChain(ctx, hops, auths, proxyDesc, target.Address(), label, total)
	if err != nil {
		return nil, err
	}
	if len(hops) > 0 {
		b.report(total, total, label, events.HopConnecting, nil)
	}

	client, err := b.handshake(ctx, res.Transport, &target, targetAuth)
	if err != nil {
		res.Close()
		b.reportError(total, total, label, err)
		return nil, &HopError{Index: total, Total: total, Label: label, Host: target.Address(), Stage: stageHandshake, Err: err}
	}
	b.report(total, total, label, events.HopConnected, nil)
	log.Infof("SSH connection to %s established over %d hop(s)", target.Address(), len(hops))

	kctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		Client: client,
		Hops:   res.Clients,
		Target: target.Address(),
		result: res,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for i, hopClient := range res.Clients {
		b.startKeepalive(kctx, hopClient, &hops[i])
	}
	b.startKeepalive(kctx, client, &target)
	go func() {
		err := client.Wait()
		log.Debugf("SSH connection to %s ended: %v", c.Target, err)
		c.Close()
	}()
	return c, nil
}

func (b *Builder) startKeepalive(ctx context.Context, client *ssh.Client, hop *HopSpec) {
	interval := hop.KeepaliveInterval
	if interval == 0 {
		interval = param.Client_KeepaliveInterval.GetDuration()
	}
	if interval <= 0 {
		return
	}
	maxMissed := b.KeepaliveMaxMissed
	if maxMissed <= 0 {
		maxMissed = param.Client_KeepaliveMaxMissed.GetInt()
	}
	go newKeepalive(client, hop.DisplayLabel(), interval, maxMissed).run(ctx)
}

// connectChain dials the first hop and walks the jump hosts. targetLabel names
// the target in progress events when there are no jump hosts.
func (b *Builder) connectChain(ctx context.Context, hops []HopSpec, auths []*hopAuth, proxyDesc *proxysock.Descriptor, target, targetLabel string, total int) (*Result, error) {
	res := &Result{}
	success := false
	defer func() {
		if !success {
			res.Close()
		}
	}()

	firstAddr := target
	if len(hops) > 0 {
		firstAddr = hops[0].Address()
		b.report(1, total, hops[0].DisplayLabel(), events.HopConnecting, nil)
	}
	transport, err := b.dialFirst(ctx, proxyDesc, firstAddr)
	if err != nil {
		label := targetLabel
		if len(hops) > 0 {
			label = hops[0].DisplayLabel()
		}
		b.reportError(1, total, label, err)
		return nil, &HopError{Index: 1, Total: total, Label: label, Host: firstAddr, Stage: stageConnect, Err: err}
	}

	for i := range hops {
		hop := &hops[i]
		index := i + 1
		label := hop.DisplayLabel()
		if i > 0 {
			b.report(index, total, label, events.HopConnecting, nil)
		}

		client, err := b.handshake(ctx, transport, hop, auths[i])
		if err != nil {
			transport.Close()
			b.reportError(index, total, label, err)
			return nil, &HopError{Index: index, Total: total, Label: label, Host: hop.Address(), Stage: stageHandshake, Err: err}
		}
		res.Clients = append(res.Clients, client)
		b.report(index, total, label, events.HopConnected, nil)

		next := target
		if i+1 < len(hops) {
			next = hops[i+1].Address()
		}
		b.report(index, total, label, events.HopForwarding, nil)
		transport, err = dialThrough(ctx, client, next)
		if err != nil {
			b.reportError(index, total, label, err)
			return nil, &HopError{Index: index, Total: total, Label: label, Host: hop.Address(), Stage: stageForward,
				Err: errors.Wrapf(err, "failed to open forwarded channel to %s", next)}
		}
		log.Debugf("Hop %d/%d (%s) forwarding to %s", index, total, label, next)
	}

	res.Transport = transport
	success = true
	return res, nil
}

func (b *Builder) dialFirst(ctx context.Context, proxyDesc *proxysock.Descriptor, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.connectTimeout())
	defer cancel()
	if proxyDesc != nil {
		log.Debugf("Connecting to %s via %s", addr, proxyDesc)
		return proxysock.NewDialer(proxyDesc, b.dialer()).DialContext(dialCtx, "tcp", addr)
	}
	conn, err := b.dialer().DialContext(dialCtx, "tcp", addr)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return conn, err
}

// handshake performs the SSH handshake and authentication over conn.  conn
// is closed if the handshake fails or ctx ends first.
func (b *Builder) handshake(ctx context.Context, conn net.Conn, hop *HopSpec, auth *hopAuth) (*ssh.Client, error) {
	timeout := b.connectTimeout()
	if hop.Auth.Hardware != nil {
		timeout = b.hardwareTimeout()
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := &handshakeRecorder{}
	methods, cleanup, err := auth.methods(hctx, rec)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer cleanup()

	verify, err := b.hostKeyCallback()
	if err != nil {
		conn.Close()
		return nil, conn_errors.New(conn_errors.KindConfiguration, "load known hosts", hop.Host, err)
	}

	config := &ssh.ClientConfig{
		User: hop.User,
		Auth: methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return rec.record(verify(hostname, remote, key))
		},
		HostKeyAlgorithms: hop.HostKeyAlgorithms,
		Timeout:           timeout,
		Config: ssh.Config{
			Ciphers:      hop.Ciphers,
			KeyExchanges: hop.KeyExchanges,
			MACs:         hop.MACs,
		},
	}
	if len(config.HostKeyAlgorithms) == 0 && b.HostKeyCallback == nil && b.HostKeys != nil {
		config.HostKeyAlgorithms = b.HostKeys.PreferredAlgorithms(hop.Host, hop.Port)
	}

	start := time.Now()
	sshConn, chans, reqs, err := newClientConnWithContext(hctx, conn, hop.Address(), config)
	if err != nil {
		metrics.RecordHandshake(hop.Auth.method(), false, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if recorded := rec.Err(); recorded != nil {
			return nil, recorded
		}
		return nil, err
	}
	metrics.RecordHandshake(hop.Auth.method(), true, time.Since(start))
	log.Debugf("Authenticated to %s as %s (server version %s)", hop.Address(), hop.User, sshConn.ServerVersion())
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// newClientConnWithContext runs the handshake in a goroutine and aborts it
// by closing conn if ctx ends first.
func newClientConnWithContext(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		sshConn ssh.Conn
		chans   <-chan ssh.NewChannel
		reqs    <-chan *ssh.Request
		err     error
	}

	done := make(chan result, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{sshConn, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		if r := <-done; r.sshConn != nil {
			r.sshConn.Close()
		}
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			conn.Close()
		}
		return r.sshConn, r.chans, r.reqs, r.err
	}
}

// dialThrough opens a direct-tcpip channel from client to addr.  If ctx ends
// first the client is closed, which aborts the pending channel open.
func dialThrough(ctx context.Context, client *ssh.Client, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := client.Dial("tcp", addr)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		if r := <-done; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-done:
		return r.conn, r.err
	}
}
