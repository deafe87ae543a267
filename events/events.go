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

// Package events defines the notifications the engine emits towards the UI:
// session output, session exit, authentication failures, chain progress and
// port-forward status changes.
package events

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

type (
	Type string

	// ChainStatus is the state reported for a single hop of a chain.
	ChainStatus string

	// TunnelStatus is the state reported for a port forward.
	TunnelStatus string

	// Progress describes a single step of chain construction.  HopIndex is
	// 1-based and TotalHops counts the jump hosts plus the final target.
	Progress struct {
		SessionID string      `json:"sessionId,omitempty"`
		HopIndex  int         `json:"hopIndex"`
		TotalHops int         `json:"totalHops"`
		Label     string      `json:"label"`
		Status    ChainStatus `json:"status"`
		Error     string      `json:"error,omitempty"`
	}

	// Event is the flattened form of any notification, used by sinks that
	// queue or serialize events.
	Event struct {
		Type      Type         `json:"type"`
		SessionID string       `json:"sessionId,omitempty"`
		TunnelID  string       `json:"tunnelId,omitempty"`
		Hostname  string       `json:"hostname,omitempty"`
		Data      []byte       `json:"data,omitempty"`
		Code      int          `json:"code"`
		Error     string       `json:"error,omitempty"`
		Status    TunnelStatus `json:"status,omitempty"`
		Progress  *Progress    `json:"progress,omitempty"`
	}

	// Sink receives engine notifications.  Implementations must be safe for
	// concurrent use; the engine guarantees per-session ordering of Data and
	// Exit by calling them from a single goroutine per session.
	Sink interface {
		Data(sessionID string, data []byte)
		Exit(sessionID string, code int, err error)
		AuthFailed(sessionID, hostname string, err error)
		ChainProgress(p Progress)
		PortForwardStatus(tunnelID string, status TunnelStatus, err error)
	}
)

const (
	TypeData              Type = "data"
	TypeExit              Type = "exit"
	TypeAuthFailed        Type = "auth:failed"
	TypeChainProgress     Type = "chain:progress"
	TypePortForwardStatus Type = "portforward:status"

	HopConnecting ChainStatus = "connecting"
	HopConnected  ChainStatus = "connected"
	HopForwarding ChainStatus = "forwarding"
	HopError      ChainStatus = "error"

	TunnelConnecting TunnelStatus = "connecting"
	TunnelActive     TunnelStatus = "active"
	TunnelError      TunnelStatus = "error"
	TunnelInactive   TunnelStatus = "inactive"
)

func (p Progress) String() string {
	return fmt.Sprintf("(%d,%d,%s,%s)", p.HopIndex, p.TotalHops, p.Label, p.Status)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ChanSink queues every notification as an Event on a channel.  Sends block
// when the buffer is full so that output is never dropped or reordered.
type ChanSink struct {
	FuncSink
	ch chan Event
}

func NewChanSink(buffer int) *ChanSink {
	ch := make(chan Event, buffer)
	return &ChanSink{FuncSink: func(ev Event) { ch <- ev }, ch: ch}
}

func (c *ChanSink) Events() <-chan Event {
	return c.ch
}

// FuncSink passes every notification, flattened to an Event, to a function.
type FuncSink func(Event)

func (f FuncSink) Data(sessionID string, data []byte) {
	f(Event{Type: TypeData, SessionID: sessionID, Data: data})
}

func (f FuncSink) Exit(sessionID string, code int, err error) {
	f(Event{Type: TypeExit, SessionID: sessionID, Code: code, Error: errText(err)})
}

func (f FuncSink) AuthFailed(sessionID, hostname string, err error) {
	f(Event{Type: TypeAuthFailed, SessionID: sessionID, Hostname: hostname, Error: errText(err)})
}

func (f FuncSink) ChainProgress(p Progress) {
	f(Event{Type: TypeChainProgress, SessionID: p.SessionID, Progress: &p})
}

func (f FuncSink) PortForwardStatus(tunnelID string, status TunnelStatus, err error) {
	f(Event{Type: TypePortForwardStatus, TunnelID: tunnelID, Status: status, Error: errText(err)})
}

// LogSink reports notifications through logrus; session output is only
// counted, never logged.
type LogSink struct{}

func (LogSink) Data(sessionID string, data []byte) {
	log.Tracef("Session %s produced %d bytes of output", sessionID, len(data))
}

func (LogSink) Exit(sessionID string, code int, err error) {
	if err != nil {
		log.Infof("Session %s exited with code %d: %v", sessionID, code, err)
		return
	}
	log.Infof("Session %s exited with code %d", sessionID, code)
}

func (LogSink) AuthFailed(sessionID, hostname string, err error) {
	log.Warningf("Authentication to %s failed for session %s: %v", hostname, sessionID, err)
}

func (LogSink) ChainProgress(p Progress) {
	if p.Status == HopError {
		log.Warningf("Hop %d/%d (%s) failed: %s", p.HopIndex, p.TotalHops, p.Label, p.Error)
		return
	}
	log.Debugf("Hop %d/%d (%s): %s", p.HopIndex, p.TotalHops, p.Label, p.Status)
}

func (LogSink) PortForwardStatus(tunnelID string, status TunnelStatus, err error) {
	if err != nil {
		log.Warningf("Port forward %s is %s: %v", tunnelID, status, err)
		return
	}
	log.Infof("Port forward %s is %s", tunnelID, status)
}

type multiSink []Sink

// Multi fans notifications out to every sink, in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Data(sessionID string, data []byte) {
	for _, s := range m {
		s.Data(sessionID, data)
	}
}

func (m multiSink) Exit(sessionID string, code int, err error) {
	for _, s := range m {
		s.Exit(sessionID, code, err)
	}
}

func (m multiSink) AuthFailed(sessionID, hostname string, err error) {
	for _, s := range m {
		s.AuthFailed(sessionID, hostname, err)
	}
}

func (m multiSink) ChainProgress(p Progress) {
	for _, s := range m {
		s.ChainProgress(p)
	}
}

func (m multiSink) PortForwardStatus(tunnelID string, status TunnelStatus, err error) {
	for _, s := range m {
		s.PortForwardStatus(tunnelID, status, err)
	}
}

// Discard drops every notification.
var Discard Sink = multiSink(nil)
