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

package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/session"
	"github.com/hopshell/hopshell/test_utils"
	"github.com/hopshell/hopshell/tunnel"
)

type fakeCredentials struct {
	secrets map[string]string
	asked   []string
}

func (f *fakeCredentials) Passphrase(_ context.Context, ref string) ([]byte, error) {
	f.asked = append(f.asked, ref)
	secret, ok := f.secrets[ref]
	if !ok {
		return nil, errors.Errorf("no secret %q", ref)
	}
	return []byte(secret), nil
}

type fakeVerifier struct {
	allow   bool
	reasons []string
}

func (f *fakeVerifier) VerifyUser(_ context.Context, reason string) (bool, error) {
	f.reasons = append(f.reasons, reason)
	return f.allow, nil
}

func hopFor(s string, label string) chain.HopSpec {
	host, port, _ := net.SplitHostPort(s)
	p, _ := strconv.Atoi(port)
	return chain.HopSpec{
		Host:              host,
		Port:              p,
		User:              "alice",
		Auth:              chain.AuthMaterial{Password: "secret"},
		Label:             label,
		KeepaliveInterval: -1,
	}
}

func passwordServer(t *testing.T) *test_utils.SSHServer {
	return test_utils.NewSSHServer(t, test_utils.SSHServerConfig{
		Passwords: map[string]string{"alice": "secret"},
	})
}

func newEngine(t *testing.T, cfg Config, servers ...*test_utils.SSHServer) (*Engine, *events.ChanSink) {
	sink := events.NewChanSink(256)
	cfg.Sink = sink
	cfg.HostKeys = chain.NewHostKeyVerifier(test_utils.WriteKnownHosts(t, servers...), false)
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e, sink
}

func drain(sink *events.ChanSink) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sink.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartShellThroughJumpHost(t *testing.T) {
	jump := passwordServer(t)
	target := passwordServer(t)
	e, sink := newEngine(t, Config{}, jump, target)

	id, err := e.Start(context.Background(), ConnectOptions{
		SessionID: "s1",
		Hops:      []chain.HopSpec{hopFor(jump.Addr(), "jump")},
		Target:    hopFor(target.Addr(), "target"),
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	require.Len(t, e.Sessions(), 1)

	require.NoError(t, e.Write(id, []byte("hello engine\n")))
	require.NoError(t, e.Resize(id, 100, 40))
	evs := test_utils.CollectUntil(t, sink, 5*time.Second, func(ev events.Event) bool {
		return ev.Type == events.TypeData
	})

	var progress []string
	for _, ev := range evs {
		if ev.Type == events.TypeChainProgress {
			assert.Equal(t, "s1", ev.Progress.SessionID)
			progress = append(progress, ev.Progress.String())
		}
	}
	assert.Equal(t, []string{
		"(1,2,jump,connecting)", "(1,2,jump,connected)", "(1,2,jump,forwarding)",
		"(2,2,target,connecting)", "(2,2,target,connected)",
	}, progress)
	assert.Equal(t, "hello engine\n", string(evs[len(evs)-1].Data))

	require.NoError(t, e.Close(id))
	exit := test_utils.CollectUntil(t, sink, 5*time.Second, func(ev events.Event) bool {
		return ev.Type == events.TypeExit
	})
	assert.Equal(t, 0, exit[len(exit)-1].Code)
	assert.Empty(t, e.Sessions())
	test_utils.Eventually(t, 2*time.Second, func() bool {
		return jump.OpenConnections() == 0 && target.OpenConnections() == 0
	}, "chain closed with the session")
}

func TestStartAuthenticationFailure(t *testing.T) {
	target := passwordServer(t)
	e, sink := newEngine(t, Config{}, target)

	hop := hopFor(target.Addr(), "target")
	hop.Auth.Password = "wrong"
	_, err := e.Start(context.Background(), ConnectOptions{SessionID: "s2", Target: hop})
	require.Error(t, err)
	assert.True(t, conn_errors.IsAuthentication(err))

	evs := test_utils.CollectUntil(t, sink, 2*time.Second, func(ev events.Event) bool {
		return ev.Type == events.TypeAuthFailed
	})
	failed := evs[len(evs)-1]
	assert.Equal(t, "s2", failed.SessionID)
	assert.Equal(t, hop.Host, failed.Hostname)
	assert.NotEmpty(t, failed.Error)
	for _, ev := range append(evs, drain(sink)...) {
		assert.NotEqual(t, events.TypeExit, ev.Type)
	}
	assert.Empty(t, e.Sessions())
}

func TestStartCertificateSigningFails(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ca := test_utils.NewCA(t)
	target := test_utils.NewSSHServer(t, test_utils.SSHServerConfig{TrustedUserCA: ca.PublicKey()})
	e, sink := newEngine(t, Config{}, target)

	cert := test_utils.IssueUserCert(t, ca, &key.PublicKey, "alice")
	hop := hopFor(target.Addr(), "target")
	hop.Auth = chain.AuthMaterial{
		PrivateKey:  test_utils.PEMKey(t, other),
		Certificate: ssh.MarshalAuthorizedKey(cert),
	}
	_, err = e.Start(context.Background(), ConnectOptions{SessionID: "s3", Target: hop})
	require.Error(t, err)
	assert.False(t, conn_errors.IsAuthentication(err))

	evs := test_utils.CollectUntil(t, sink, 2*time.Second, func(ev events.Event) bool {
		return ev.Type == events.TypeExit
	})
	exit := evs[len(evs)-1]
	assert.Equal(t, "s3", exit.SessionID)
	assert.NotEqual(t, 0, exit.Code)
	assert.Contains(t, exit.Error, "sign")
	assert.Empty(t, e.Sessions())
	_, ok := e.SessionManager().Registry().Get("s3")
	assert.False(t, ok)
}

func TestStartConfigurationErrorOpensNothing(t *testing.T) {
	target := passwordServer(t)
	e, sink := newEngine(t, Config{}, target)

	hop := hopFor(target.Addr(), "target")
	hop.Auth = chain.AuthMaterial{}
	_, err := e.Start(context.Background(), ConnectOptions{SessionID: "s4", Target: hop})
	require.Error(t, err)
	assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))

	evs := test_utils.CollectUntil(t, sink, 2*time.Second, func(ev events.Event) bool {
		return ev.Type == events.TypeExit
	})
	assert.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].Code)
	assert.Equal(t, 0, target.Accepted())
}

func TestCloseCancelsPendingConnect(t *testing.T) {
	addr, accepted := test_utils.BlackHole(t)
	e, sink := newEngine(t, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Start(context.Background(), ConnectOptions{SessionID: "s5", Target: hopFor(addr, "slow")})
		errCh <- err
	}()
	test_utils.Eventually(t, 5*time.Second, func() bool { return accepted() > 0 }, "connect reached the server")
	require.NoError(t, e.Close("s5"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, conn_errors.IsCancelled(err), err.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	for _, ev := range drain(sink) {
		assert.Equal(t, events.TypeChainProgress, ev.Type)
		assert.NotEqual(t, events.HopError, ev.Progress.Status)
	}
}

func TestPassphraseFromCredentialStore(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	target := test_utils.NewSSHServer(t, test_utils.SSHServerConfig{AuthorizedKeys: []ssh.PublicKey{pub}})

	hop := hopFor(target.Addr(), "target")
	hop.Auth = chain.AuthMaterial{
		PrivateKey:    test_utils.EncryptedECKey(t, key, []byte("hunter2")),
		PassphraseRef: "vault/target",
	}

	t.Run("verified", func(t *testing.T) {
		creds := &fakeCredentials{secrets: map[string]string{"vault/target": "hunter2"}}
		verifier := &fakeVerifier{allow: true}
		e, _ := newEngine(t, Config{Credentials: creds, Verifier: verifier}, target)
		res, err := e.ExecOnce(context.Background(), ExecOptions{
			Target:      hop,
			ExecOptions: session.ExecOptions{Command: "echo", Args: []string{"unlocked"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "unlocked\n", string(res.Stdout))
		assert.Equal(t, []string{"vault/target"}, creds.asked)
		require.Len(t, verifier.reasons, 1)
		assert.Contains(t, verifier.reasons[0], hop.Host)
	})

	t.Run("declined", func(t *testing.T) {
		creds := &fakeCredentials{secrets: map[string]string{"vault/target": "hunter2"}}
		e, sink := newEngine(t, Config{Credentials: creds, Verifier: &fakeVerifier{}}, target)
		_, err := e.Start(context.Background(), ConnectOptions{SessionID: "s6", Target: hop})
		require.Error(t, err)
		assert.True(t, conn_errors.IsCancelled(err), err.Error())
		assert.Empty(t, creds.asked)
		for _, ev := range drain(sink) {
			assert.NotEqual(t, events.TypeExit, ev.Type)
			assert.NotEqual(t, events.TypeAuthFailed, ev.Type)
		}
	})

	t.Run("no store", func(t *testing.T) {
		e, _ := newEngine(t, Config{}, target)
		before := target.Accepted()
		_, err := e.Start(context.Background(), ConnectOptions{SessionID: "s7", Target: hop})
		require.Error(t, err)
		assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))
		assert.Equal(t, before, target.Accepted())
	})
}

func TestExecOnceRequiresCommand(t *testing.T) {
	target := passwordServer(t)
	e, _ := newEngine(t, Config{}, target)
	_, err := e.ExecOnce(context.Background(), ExecOptions{Target: hopFor(target.Addr(), "t")})
	require.Error(t, err)
	assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))
	assert.Equal(t, 0, target.Accepted())
}

func TestPortForward(t *testing.T) {
	target := passwordServer(t)
	echo := test_utils.EchoServer(t)
	echoHost, echoPort, _ := net.SplitHostPort(echo)
	port, _ := strconv.Atoi(echoPort)
	e, sink := newEngine(t, Config{}, target)

	id, err := e.StartPortForward(context.Background(), PortForwardOptions{
		TunnelID: "fwd",
		Target:   hopFor(target.Addr(), "t"),
		Tunnel:   tunnel.Spec{Kind: tunnel.KindLocal, TargetHost: echoHost, TargetPort: port},
	})
	require.NoError(t, err)
	assert.Equal(t, "fwd", id)

	infos := e.Tunnels()
	require.Len(t, infos, 1)
	c, err := net.Dial("tcp", infos[0].Bind)
	require.NoError(t, err)
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	c.Close()

	require.NoError(t, e.StopPortForward(id))
	require.NoError(t, e.StopPortForward(id))
	evs := test_utils.CollectUntil(t, sink, 2*time.Second, func(ev events.Event) bool {
		return ev.Type == events.TypePortForwardStatus && ev.Status == events.TunnelInactive
	})
	assert.Equal(t, "fwd", evs[len(evs)-1].TunnelID)
	assert.Empty(t, e.Tunnels())
	test_utils.Eventually(t, 2*time.Second, func() bool { return target.OpenConnections() == 0 }, "tunnel connection closed")

	_, err = e.StartPortForward(context.Background(), PortForwardOptions{
		Target: hopFor(target.Addr(), "t"),
		Tunnel: tunnel.Spec{Kind: tunnel.KindDynamic, TargetHost: "x", TargetPort: 1},
	})
	assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))
}
