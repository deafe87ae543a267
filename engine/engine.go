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

// Package engine is the command surface of the SSH core: it turns connect,
// exec and port-forward requests into chains, sessions and tunnels, and
// converts every failure into the events the UI understands.
package engine

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/net/proxy"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/metrics"
	"github.com/hopshell/hopshell/proxysock"
	"github.com/hopshell/hopshell/session"
	"github.com/hopshell/hopshell/signing"
	"github.com/hopshell/hopshell/tunnel"
)

type (
	// CredentialStore releases secrets held by the operating system, such
	// as the passphrase of a stored private key.
	CredentialStore interface {
		Passphrase(ctx context.Context, ref string) ([]byte, error)
	}

	// UserVerifier asks the user to confirm their presence, typically with a
	// platform biometric prompt.
	UserVerifier interface {
		VerifyUser(ctx context.Context, reason string) (bool, error)
	}

	Config struct {
		Sink          events.Sink
		Authenticator signing.Authenticator
		Credentials   CredentialStore
		Verifier      UserVerifier
		// Dialer opens the first TCP connection of every chain.
		Dialer   proxy.ContextDialer
		HostKeys *chain.HostKeyVerifier
	}

	// ConnectOptions is a connect request: the jump hosts, the target and
	// the proxy for the first hop.
	ConnectOptions struct {
		SessionID string                `json:"sessionId,omitempty"`
		Hops      []chain.HopSpec       `json:"jumpHosts,omitempty"`
		Target    chain.HopSpec         `json:"target"`
		Proxy     *proxysock.Descriptor `json:"proxy,omitempty"`
		Shell     session.ShellOptions  `json:"shell"`
	}

	ExecOptions struct {
		Hops   []chain.HopSpec       `json:"jumpHosts,omitempty"`
		Target chain.HopSpec         `json:"target"`
		Proxy  *proxysock.Descriptor `json:"proxy,omitempty"`
		session.ExecOptions
	}

	PortForwardOptions struct {
		TunnelID string                `json:"tunnelId,omitempty"`
		Hops     []chain.HopSpec       `json:"jumpHosts,omitempty"`
		Target   chain.HopSpec         `json:"target"`
		Proxy    *proxysock.Descriptor `json:"proxy,omitempty"`
		Tunnel   tunnel.Spec           `json:"tunnel"`
	}

	Engine struct {
		cfg      Config
		sink     events.Sink
		sessions *session.Manager
		tunnels  *tunnel.Manager

		mu      sync.Mutex
		pending map[string]context.CancelFunc
	}
)

func New(cfg Config) (*Engine, error) {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.HostKeys == nil {
		hk, err := chain.NewHostKeyVerifierFromConfig()
		if err != nil {
			return nil, err
		}
		cfg.HostKeys = hk
	}
	metrics.SetComponentHealthStatus(metrics.Engine_KnownHosts, metrics.StatusOK, "using "+cfg.HostKeys.Path())
	return &Engine{
		cfg:      cfg,
		sink:     cfg.Sink,
		sessions: session.NewManager(cfg.Sink),
		tunnels:  tunnel.NewManager(cfg.Sink),
		pending:  make(map[string]context.CancelFunc),
	}, nil
}

func (e *Engine) SessionManager() *session.Manager {
	return e.sessions
}

func (e *Engine) TunnelManager() *tunnel.Manager {
	return e.tunnels
}

func (e *Engine) builder(sessionID string) *chain.Builder {
	return &chain.Builder{
		Dialer:        e.cfg.Dialer,
		HostKeys:      e.cfg.HostKeys,
		Authenticator: e.cfg.Authenticator,
		Reporter: func(p events.Progress) {
			p.SessionID = sessionID
			e.sink.ChainProgress(p)
		},
	}
}

// track registers an in-flight connect so Close can cancel it.
func (e *Engine) track(ctx context.Context, id string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; ok {
		return nil, nil, conn_errors.NewConfiguration("start", "", "connect %q already in progress", id)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.pending[id] = cancel
	return ctx, func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		cancel()
	}, nil
}

func (e *Engine) cancelPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.pending[id]
	if ok {
		cancel()
	}
	return ok
}

// resolveAuth fills in PassphraseFunc for hops whose passphrase lives in the
// credential store.  The returned specs are copies.
func (e *Engine) resolveAuth(hops []chain.HopSpec, target chain.HopSpec) ([]chain.HopSpec, chain.HopSpec, error) {
	resolved := make([]chain.HopSpec, len(hops))
	copy(resolved, hops)
	for i := range resolved {
		if err := e.resolveHop(&resolved[i]); err != nil {
			return nil, target, err
		}
	}
	if err := e.resolveHop(&target); err != nil {
		return nil, target, err
	}
	return resolved, target, nil
}

func (e *Engine) resolveHop(hop *chain.HopSpec) error {
	ref := hop.Auth.PassphraseRef
	if ref == "" || len(hop.Auth.Passphrase) > 0 || hop.Auth.PassphraseFunc != nil {
		return nil
	}
	if e.cfg.Credentials == nil {
		return conn_errors.NewConfiguration("resolve credentials", hop.Host, "passphrase reference %q given but no credential store is configured", ref)
	}
	host := hop.Host
	hop.Auth.PassphraseFunc = func(ctx context.Context) ([]byte, error) {
		if e.cfg.Verifier != nil {
			ok, err := e.cfg.Verifier.VerifyUser(ctx, "unlock the SSH key for "+host)
			if err != nil {
				return nil, errors.Wrap(err, "user verification failed")
			}
			if !ok {
				return nil, conn_errors.New(conn_errors.KindCancelled, "verify user", host, errors.New("user declined verification"))
			}
		}
		pass, err := e.cfg.Credentials.Passphrase(ctx, ref)
		if err != nil {
			return nil, errors.Wrapf(err, "credential store could not release %q", ref)
		}
		return pass, nil
	}
	return nil
}

// connect builds the chain for a request, reporting progress under id.
func (e *Engine) connect(ctx context.Context, id string, hops []chain.HopSpec, proxyDesc *proxysock.Descriptor, target chain.HopSpec) (*chain.Connection, error) {
	hops, target, err := e.resolveAuth(hops, target)
	if err != nil {
		return nil, err
	}
	return e.builder(id).ConnectTarget(ctx, hops, proxyDesc, target)
}

// fail converts err into the event the UI expects and returns it classified.
func (e *Engine) fail(id string, target chain.HopSpec, err error) error {
	host := target.Host
	var hopErr *chain.HopError
	if errors.As(err, &hopErr) && hopErr.Host != "" {
		if h, _, splitErr := net.SplitHostPort(hopErr.Host); splitErr == nil {
			host = h
		} else {
			host = hopErr.Host
		}
	}
	classified := conn_errors.Wrap(err, "start", host)
	switch classified.Kind {
	case conn_errors.KindCancelled:
		log.Debugf("Connect %s cancelled", id)
	case conn_errors.KindAuthentication:
		log.Warnf("Authentication to %s failed for %s: %v", host, id, err)
		e.sink.AuthFailed(id, host, err)
	default:
		log.Errorf("Connect %s failed: %v", id, err)
		e.sink.Exit(id, 1, err)
	}
	return classified
}

// Start connects and opens an interactive shell.  On failure no session is
// created: authentication failures are reported as auth:failed, cancellation
// is silent and everything else ends with an exit event carrying code 1.
func (e *Engine) Start(ctx context.Context, opts ConnectOptions) (string, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := e.sessions.Registry().Get(id); ok {
		return "", conn_errors.NewConfiguration("start", opts.Target.Host, "session %q already exists", id)
	}
	ctx, done, err := e.track(ctx, id)
	if err != nil {
		return "", err
	}
	defer done()

	conn, err := e.connect(ctx, id, opts.Hops, opts.Proxy, opts.Target)
	if err != nil {
		return "", e.fail(id, opts.Target, err)
	}

	shell := opts.Shell
	if shell.AgentForwarding && shell.Agent == nil {
		if ag, closer, err := localAgent(); err != nil {
			log.Warnf("Agent forwarding requested for %s but no local agent: %v", id, err)
		} else {
			shell.Agent = ag
			go func() {
				<-conn.Done()
				closer.Close()
			}()
		}
	}
	if _, err := e.sessions.Start(ctx, id, conn, shell); err != nil {
		return "", e.fail(id, opts.Target, err)
	}
	return id, nil
}

func localAgent() (agent.ExtendedAgent, net.Conn, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK environment variable not set")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to SSH agent")
	}
	return agent.NewClient(conn), conn, nil
}

// ExecOnce runs a single command over a fresh chain and tears it down.
func (e *Engine) ExecOnce(ctx context.Context, opts ExecOptions) (*session.ExecResult, error) {
	if opts.Command == "" {
		return nil, conn_errors.NewConfiguration("exec", opts.Target.Host, "no command given")
	}
	conn, err := e.connect(ctx, "", opts.Hops, opts.Proxy, opts.Target)
	if err != nil {
		return nil, conn_errors.Wrap(err, "exec", opts.Target.Host)
	}
	return session.ExecOnce(ctx, conn, opts.ExecOptions)
}

// StartPortForward connects and binds a tunnel that owns the connection.
func (e *Engine) StartPortForward(ctx context.Context, opts PortForwardOptions) (string, error) {
	if err := opts.Tunnel.Validate(); err != nil {
		return "", err
	}
	id := opts.TunnelID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := e.tunnels.Get(id); ok {
		return "", conn_errors.NewConfiguration("portforward", "", "tunnel %q already exists", id)
	}
	ctx, done, err := e.track(ctx, id)
	if err != nil {
		return "", err
	}
	defer done()

	conn, err := e.connect(ctx, "", opts.Hops, opts.Proxy, opts.Target)
	if err != nil {
		classified := conn_errors.Wrap(err, "portforward", opts.Target.Host)
		if classified.Kind != conn_errors.KindCancelled {
			e.sink.PortForwardStatus(id, events.TunnelError, err)
		}
		return "", classified
	}
	t, err := e.tunnels.Start(ctx, id, opts.Tunnel, conn)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// StopPortForward stops a tunnel, or cancels it while still connecting.
func (e *Engine) StopPortForward(id string) error {
	if e.cancelPending(id) {
		return nil
	}
	return e.tunnels.Stop(id)
}

func (e *Engine) Write(id string, data []byte) error {
	return e.sessions.Write(id, data)
}

func (e *Engine) Resize(id string, cols, rows int) error {
	return e.sessions.Resize(id, cols, rows)
}

// Close ends a session.  A connect still in progress for id is cancelled
// without any event.
func (e *Engine) Close(id string) error {
	if e.cancelPending(id) {
		return nil
	}
	return e.sessions.Close(id)
}

func (e *Engine) Sessions() []session.Info {
	return e.sessions.List()
}

func (e *Engine) Tunnels() []tunnel.Info {
	return e.tunnels.List()
}

// Shutdown cancels pending connects, then closes every tunnel and session.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.pending {
		cancel()
	}
	e.mu.Unlock()
	e.tunnels.Shutdown()
	e.sessions.Shutdown()
}
