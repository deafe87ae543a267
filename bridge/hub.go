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
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/metrics"
	"github.com/hopshell/hopshell/signing"
)

type (
	// peer is one attached WebSocket client.  gorilla/websocket allows a
	// single concurrent writer, hence the mutex.
	peer struct {
		ws *websocket.Conn
		mu sync.Mutex
	}

	// WebAuthnResponse is the payload of a webauthn:response message.
	WebAuthnResponse struct {
		Assertion *signing.Assertion `json:"assertion,omitempty"`
		Error     string             `json:"error,omitempty"`
	}

	// Hub fans engine events out to every attached client and routes
	// WebAuthn ceremonies to the most recently attached one.
	Hub struct {
		mu     sync.RWMutex
		peers  map[*peer]struct{}
		latest *peer

		pendingMu sync.Mutex
		pending   map[string]chan WebAuthnResponse
	}
)

func NewHub() *Hub {
	return &Hub{
		peers:   make(map[*peer]struct{}),
		pending: make(map[string]chan WebAuthnResponse),
	}
}

// Sink returns the events.Sink that broadcasts to the attached clients.
func (h *Hub) Sink() events.Sink {
	return events.FuncSink(func(ev events.Event) {
		h.broadcast(string(ev.Type), "", ev)
	})
}

func (p *peer) send(msgType, id string, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}
	msgBytes, err := json.Marshal(WebSocketMessage{Type: msgType, ID: id, Payload: payloadBytes})
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, msgBytes)
}

func (p *peer) sendError(id string, err error) {
	body := ErrorPayload{Error: err.Error(), Kind: conn_errors.Classify(err).String()}
	if sendErr := p.send(MsgError, id, body); sendErr != nil {
		log.Warnf("Failed to send WebSocket error: %v", sendErr)
	}
}

func (h *Hub) attach(ws *websocket.Conn) *peer {
	p := &peer{ws: ws}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.latest = p
	count := len(h.peers)
	h.mu.Unlock()
	metrics.SetComponentHealthStatus(metrics.Engine_Authenticator, metrics.StatusOK, "WebAuthn client attached")
	log.Infof("Bridge client attached from %s (%d attached)", ws.RemoteAddr(), count)
	return p
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	if h.latest == p {
		h.latest = nil
		for other := range h.peers {
			h.latest = other
			break
		}
	}
	remaining := h.latest != nil
	h.mu.Unlock()
	if !remaining {
		metrics.SetComponentHealthStatus(metrics.Engine_Authenticator, metrics.StatusWarning, "no WebAuthn client attached")
	}
}

func (h *Hub) broadcast(msgType, id string, payload interface{}) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		if err := p.send(msgType, id, payload); err != nil {
			log.Debugf("Failed to deliver %s to bridge client: %v", msgType, err)
		}
	}
}

// GetAssertion asks the attached client to run a WebAuthn ceremony.
func (h *Hub) GetAssertion(ctx context.Context, req *signing.AssertionRequest) (*signing.Assertion, error) {
	h.mu.RLock()
	p := h.latest
	h.mu.RUnlock()
	if p == nil {
		return nil, conn_errors.NewConfiguration("webauthn", req.RelyingPartyID, "no client attached to perform the WebAuthn ceremony")
	}

	id := uuid.NewString()
	ch := make(chan WebAuthnResponse, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	if err := p.send(MsgWebAuthnRequest, id, req); err != nil {
		return nil, errors.Wrap(err, "failed to send WebAuthn request")
	}
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.Errorf("authenticator refused: %s", resp.Error)
		}
		if resp.Assertion == nil {
			return nil, errors.New("authenticator returned no assertion")
		}
		return resp.Assertion, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve delivers a webauthn:response to the waiting ceremony.
func (h *Hub) resolve(id string, resp WebAuthnResponse) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}
