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

// Package bridge exposes the engine to a browser or desktop front end over a
// WebSocket, and lets that front end act as the WebAuthn authenticator.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hopshell/hopshell/engine"
	"github.com/hopshell/hopshell/metrics"
	"github.com/hopshell/hopshell/session"
	"github.com/hopshell/hopshell/tunnel"
)

// WebSocketMessage is the envelope of every message in both directions.  ID
// correlates a request with its result or error.
type WebSocketMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	MsgStart            = "start"
	MsgWrite            = "write"
	MsgResize           = "resize"
	MsgClose            = "close"
	MsgExec             = "exec"
	MsgPortForwardStart = "portforward:start"
	MsgPortForwardStop  = "portforward:stop"
	MsgPing             = "ping"
	MsgWebAuthnResponse = "webauthn:response"

	MsgResult          = "result"
	MsgError           = "error"
	MsgPong            = "pong"
	MsgWebAuthnRequest = "webauthn:request"

	shutdownTimeout = 10 * time.Second
)

type (
	ErrorPayload struct {
		Error string `json:"error"`
		Kind  string `json:"kind,omitempty"`
	}

	WritePayload struct {
		SessionID string `json:"sessionId"`
		Data      string `json:"data"`
	}

	ResizePayload struct {
		SessionID string `json:"sessionId"`
		Cols      int    `json:"cols"`
		Rows      int    `json:"rows"`
	}

	ClosePayload struct {
		SessionID string `json:"sessionId"`
	}

	StopPayload struct {
		TunnelID string `json:"tunnelId"`
	}

	StartResult struct {
		SessionID string `json:"sessionId"`
	}

	PortForwardResult struct {
		TunnelID string `json:"tunnelId"`
	}

	StatusResponse struct {
		Health   metrics.HealthStatus `json:"health"`
		Sessions []session.Info       `json:"sessions"`
		Tunnels  []tunnel.Info        `json:"tunnels"`
	}

	Server struct {
		engine   *engine.Engine
		hub      *Hub
		router   *gin.Engine
		upgrader websocket.Upgrader

		mu         sync.Mutex
		listener   net.Listener
		httpServer *http.Server
	}
)

// NewServer builds the bridge around an engine whose sink includes
// hub.Sink() and whose authenticator is hub.
func NewServer(eng *engine.Engine, hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(LoggerMiddleware(), RecoveryMiddleware())

	s := &Server{
		engine: eng,
		hub:    hub,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkLocalOrigin,
		},
	}
	s.RegisterHandlers(router)
	return s
}

// checkLocalOrigin admits same-host pages and clients that send no Origin,
// such as native front ends.
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, allowed := range []string{"http://" + r.Host, "https://" + r.Host, "http://localhost", "http://127.0.0.1", "http://" + host} {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) RegisterHandlers(router *gin.Engine) {
	// Request metrics for the routes below, plus /metrics serving the
	// default registry.
	requestMonitor().Use(router)

	api := router.Group("/api/v1.0")
	api.GET("/ws", s.handleWebSocket)
	api.GET("/status", s.handleStatus)
}

var (
	monitorOnce sync.Once
	monitor     *ginprometheus.Prometheus
)

// requestMonitor registers the gin request collectors once per process.
func requestMonitor() *ginprometheus.Prometheus {
	monitorOnce.Do(func() {
		monitor = ginprometheus.NewPrometheus("hopshell_bridge")
	})
	return monitor
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts the server and the
// engine down.  The bound address is available from Addr once Serve has
// started listening.
func (s *Server) Serve(ctx context.Context, egrp *errgroup.Group, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.SetComponentHealthStatus(metrics.Engine_Bridge, metrics.StatusCritical, err.Error())
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.httpServer = srv
	s.mu.Unlock()

	metrics.SetComponentHealthStatus(metrics.Engine_Bridge, metrics.StatusOK, "listening on "+listener.Addr().String())
	log.Infof("Bridge listening on %s", listener.Addr())

	egrp.Go(func() error {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			metrics.SetComponentHealthStatus(metrics.Engine_Bridge, metrics.StatusCritical, err.Error())
			return errors.Wrap(err, "bridge server failed")
		}
		return nil
	})
	egrp.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Bridge shutdown error: %v", err)
		}
		s.engine.Shutdown()
		metrics.DeleteComponentHealthStatus(metrics.Engine_Bridge)
		return nil
	})
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Health:   metrics.GetHealthStatus(),
		Sessions: s.engine.Sessions(),
		Tunnels:  s.engine.Tunnels(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	defer ws.Close()

	p := s.hub.attach(ws)
	defer s.hub.detach(p)

	// In-flight requests from this client are cancelled when it goes away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("WebSocket read error: %v", err)
			}
			return
		}
		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warnf("Failed to parse WebSocket message: %v", err)
			p.sendError("", errors.New("invalid message format"))
			continue
		}
		switch msg.Type {
		case MsgStart, MsgExec, MsgPortForwardStart:
			// These block for the whole chain construction.
			wg.Add(1)
			go func(msg WebSocketMessage) {
				defer wg.Done()
				s.dispatch(ctx, p, msg)
			}(msg)
		default:
			s.dispatch(ctx, p, msg)
		}
	}
}

func decode(msg WebSocketMessage, v interface{}) error {
	if len(msg.Payload) == 0 {
		return errors.Errorf("%s message has no payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return errors.Wrapf(err, "invalid %s payload", msg.Type)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, p *peer, msg WebSocketMessage) {
	result, err := s.handle(ctx, msg)
	if err != nil {
		log.Debugf("Bridge request %s (%s) failed: %v", msg.Type, msg.ID, err)
		p.sendError(msg.ID, err)
		return
	}
	if msg.Type == MsgPing {
		if sendErr := p.send(MsgPong, msg.ID, nil); sendErr != nil {
			log.Warnf("Failed to send pong: %v", sendErr)
		}
		return
	}
	if msg.Type == MsgWebAuthnResponse {
		return
	}
	if sendErr := p.send(MsgResult, msg.ID, result); sendErr != nil {
		log.Warnf("Failed to send %s result: %v", msg.Type, sendErr)
	}
}

func (s *Server) handle(ctx context.Context, msg WebSocketMessage) (interface{}, error) {
	switch msg.Type {
	case MsgStart:
		var opts engine.ConnectOptions
		if err := decode(msg, &opts); err != nil {
			return nil, err
		}
		id, err := s.engine.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		return StartResult{SessionID: id}, nil

	case MsgWrite:
		var req WritePayload
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.engine.Write(req.SessionID, []byte(req.Data))

	case MsgResize:
		var req ResizePayload
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.engine.Resize(req.SessionID, req.Cols, req.Rows)

	case MsgClose:
		var req ClosePayload
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.engine.Close(req.SessionID)

	case MsgExec:
		var opts engine.ExecOptions
		if err := decode(msg, &opts); err != nil {
			return nil, err
		}
		return s.engine.ExecOnce(ctx, opts)

	case MsgPortForwardStart:
		var opts engine.PortForwardOptions
		if err := decode(msg, &opts); err != nil {
			return nil, err
		}
		id, err := s.engine.StartPortForward(ctx, opts)
		if err != nil {
			return nil, err
		}
		return PortForwardResult{TunnelID: id}, nil

	case MsgPortForwardStop:
		var req StopPayload
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return struct{}{}, s.engine.StopPortForward(req.TunnelID)

	case MsgPing:
		return nil, nil

	case MsgWebAuthnResponse:
		var resp WebAuthnResponse
		if err := decode(msg, &resp); err != nil {
			return nil, err
		}
		if !s.hub.resolve(msg.ID, resp) {
			return nil, errors.Errorf("no WebAuthn request %q is pending", msg.ID)
		}
		return nil, nil

	default:
		log.Warnf("Unknown WebSocket message type: %s", msg.Type)
		return nil, errors.Errorf("unknown message type %q", msg.Type)
	}
}
