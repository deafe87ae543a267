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

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/engine"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/signing"
	"github.com/hopshell/hopshell/test_utils"
)

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func newBridge(t *testing.T, servers ...*test_utils.SSHServer) (*httptest.Server, *Hub, *engine.Engine) {
	hub := NewHub()
	eng, err := engine.New(engine.Config{
		Sink:          events.Multi(hub.Sink(), events.LogSink{}),
		Authenticator: hub,
		HostKeys:      chain.NewHostKeyVerifier(test_utils.WriteKnownHosts(t, servers...), false),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(eng, hub).Handler())
	t.Cleanup(func() {
		eng.Shutdown()
		srv.Close()
	})
	return srv, hub, eng
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1.0/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	c := &testClient{t: t, ws: ws}
	// The pong proves the server side has attached this client.
	c.send(MsgPing, "attach", nil)
	c.until(ofType(MsgPong))
	return c
}

func (c *testClient) send(msgType, id string, payload interface{}) {
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(WebSocketMessage{Type: msgType, ID: id, Payload: raw}))
}

// until reads messages until pred matches, returning the match.
func (c *testClient) until(pred func(WebSocketMessage) bool) WebSocketMessage {
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var msg WebSocketMessage
		require.NoError(c.t, c.ws.ReadJSON(&msg))
		if pred(msg) {
			return msg
		}
	}
}

func ofType(msgType string) func(WebSocketMessage) bool {
	return func(msg WebSocketMessage) bool { return msg.Type == msgType }
}

func hopFor(s *test_utils.SSHServer) chain.HopSpec {
	host, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return chain.HopSpec{
		Host:              host,
		Port:              p,
		User:              "alice",
		Auth:              chain.AuthMaterial{Password: "secret"},
		KeepaliveInterval: -1,
	}
}

func TestPingPong(t *testing.T) {
	srv, _, _ := newBridge(t)
	c := dial(t, srv)
	c.send(MsgPing, "p1", nil)
	msg := c.until(ofType(MsgPong))
	assert.Equal(t, "p1", msg.ID)

	c.send("teleport", "x1", map[string]string{})
	msg = c.until(ofType(MsgError))
	assert.Equal(t, "x1", msg.ID)
	var body ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.Contains(t, body.Error, "teleport")
}

func TestShellOverWebSocket(t *testing.T) {
	target := test_utils.NewSSHServer(t, test_utils.SSHServerConfig{
		Passwords: map[string]string{"alice": "secret"},
	})
	srv, _, _ := newBridge(t, target)
	c := dial(t, srv)

	c.send(MsgStart, "r1", engine.ConnectOptions{SessionID: "ws-1", Target: hopFor(target)})
	msg := c.until(func(m WebSocketMessage) bool { return m.Type == MsgResult && m.ID == "r1" })
	var started StartResult
	require.NoError(t, json.Unmarshal(msg.Payload, &started))
	assert.Equal(t, "ws-1", started.SessionID)

	resp, err := http.Get(srv.URL + "/api/v1.0/status")
	require.NoError(t, err)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "ws-1", status.Sessions[0].ID)

	c.send(MsgWrite, "w1", WritePayload{SessionID: "ws-1", Data: "over the bridge\n"})
	msg = c.until(ofType(string(events.TypeData)))
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, "ws-1", ev.SessionID)
	assert.Equal(t, "over the bridge\n", string(ev.Data))

	c.send(MsgClose, "c1", ClosePayload{SessionID: "ws-1"})
	msg = c.until(ofType(string(events.TypeExit)))
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, 0, ev.Code)
}

func TestStartFailureReportedAsAuthFailed(t *testing.T) {
	target := test_utils.NewSSHServer(t, test_utils.SSHServerConfig{
		Passwords: map[string]string{"alice": "secret"},
	})
	srv, _, _ := newBridge(t, target)
	c := dial(t, srv)

	hop := hopFor(target)
	hop.Auth.Password = "nope"
	c.send(MsgStart, "r2", engine.ConnectOptions{SessionID: "ws-2", Target: hop})
	msg := c.until(ofType(string(events.TypeAuthFailed)))
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, "ws-2", ev.SessionID)

	msg = c.until(func(m WebSocketMessage) bool { return m.ID == "r2" })
	assert.Equal(t, MsgError, msg.Type)
	var body ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.Equal(t, conn_errors.KindAuthentication.String(), body.Kind)
}

func TestDisconnectCancelsPendingStart(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	accepted := make(chan struct{})
	dropped := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		close(accepted)
		// Never answer the handshake; wait for the client to hang up.
		_, _ = io.Copy(io.Discard, conn)
		close(dropped)
	}()

	srv, _, eng := newBridge(t)
	c := dial(t, srv)
	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	c.send(MsgStart, "r-pending", engine.ConnectOptions{SessionID: "pending-1", Target: chain.HopSpec{
		Host:              host,
		Port:              p,
		User:              "alice",
		Auth:              chain.AuthMaterial{Password: "secret"},
		KeepaliveInterval: -1,
	}})

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connect never reached the target")
	}
	require.NoError(t, c.ws.Close())

	select {
	case <-dropped:
	case <-time.After(5 * time.Second):
		t.Fatal("pending connect survived the client going away")
	}
	test_utils.Eventually(t, 5*time.Second, func() bool {
		return eng.Close("pending-1") != nil
	}, "no pending connect left for the session")
}

func TestWebAuthnRoundTrip(t *testing.T) {
	srv, hub, _ := newBridge(t)

	_, err := hub.GetAssertion(context.Background(), &signing.AssertionRequest{RelyingPartyID: "example.com"})
	require.Error(t, err)
	assert.Equal(t, conn_errors.KindConfiguration, conn_errors.Classify(err))

	c := dial(t, srv)
	type result struct {
		assertion *signing.Assertion
		err       error
	}
	done := make(chan result, 1)
	go func() {
		a, err := hub.GetAssertion(context.Background(), &signing.AssertionRequest{
			RelyingPartyID: "example.com",
			CredentialID:   []byte{1, 2, 3},
			Challenge:      []byte("challenge"),
		})
		done <- result{a, err}
	}()

	msg := c.until(ofType(MsgWebAuthnRequest))
	var req signing.AssertionRequest
	require.NoError(t, json.Unmarshal(msg.Payload, &req))
	assert.Equal(t, "example.com", req.RelyingPartyID)
	assert.Equal(t, []byte("challenge"), req.Challenge)

	c.send(MsgWebAuthnResponse, msg.ID, WebAuthnResponse{Assertion: &signing.Assertion{
		Origin:            "https://example.com",
		AuthenticatorData: []byte{0xaa},
		ClientDataJSON:    []byte("{}"),
		Signature:         []byte{0x30, 0x00},
	}})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "https://example.com", r.assertion.Origin)
	case <-time.After(5 * time.Second):
		t.Fatal("assertion not delivered")
	}

	// A response nobody is waiting for is an error.
	c.send(MsgWebAuthnResponse, "stale", WebAuthnResponse{Error: "late"})
	msg = c.until(ofType(MsgError))
	assert.Equal(t, "stale", msg.ID)
}

func TestWebAuthnCancelledByContext(t *testing.T) {
	srv, hub, _ := newBridge(t)
	c := dial(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := hub.GetAssertion(ctx, &signing.AssertionRequest{RelyingPartyID: "example.com"})
		done <- err
	}()
	c.until(ofType(MsgWebAuthnRequest))
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ceremony not cancelled")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newBridge(t)

	resp, err := http.Get(srv.URL + "/api/v1.0/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hopshell_bridge_requests_total")
	assert.Contains(t, string(body), "hopshell_component_health_status")
}
