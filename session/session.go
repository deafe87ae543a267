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

package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/metrics"
	"github.com/hopshell/hopshell/param"
)

// transportGrace is how long a session whose channel closed without an exit
// status waits to learn whether the connection itself went away.
const transportGrace = 200 * time.Millisecond

type (
	// ShellOptions configures the interactive shell.
	ShellOptions struct {
		Term string            `json:"term,omitempty"`
		Cols int               `json:"cols,omitempty"`
		Rows int               `json:"rows,omitempty"`
		Env  map[string]string `json:"env,omitempty"`
		// Charset X sets LANG=en_US.X unless Env already sets LANG.
		Charset        string `json:"charset,omitempty"`
		StartupCommand string `json:"startupCommand,omitempty"`
		// AgentForwarding offers Agent to the remote side.
		AgentForwarding bool        `json:"agentForwarding,omitempty"`
		Agent           agent.Agent `json:"-"`
	}

	// Session is a running interactive shell.
	Session struct {
		ID      string
		Target  string
		Hops    int
		Started time.Time
		Term    string

		conn    *chain.Connection
		ssh     *ssh.Session
		stdin   io.WriteCloser
		output  *batcher
		closing atomic.Bool
		cols    atomic.Int32
		rows    atomic.Int32
	}

	// Info is the externally visible state of a session.
	Info struct {
		ID      string    `json:"id"`
		Target  string    `json:"target"`
		Hops    int       `json:"hops"`
		Started time.Time `json:"started"`
		Term    string    `json:"term"`
		Cols    int       `json:"cols"`
		Rows    int       `json:"rows"`
	}

	// Manager opens shells on established connections and owns their
	// lifetime.  Output, exit and error notifications go to the sink.
	Manager struct {
		sink     events.Sink
		registry *Registry

		// FlushInterval and FlushThreshold override Session.FlushInterval
		// and Session.FlushThreshold when positive.
		FlushInterval  time.Duration
		FlushThreshold int

		wg sync.WaitGroup
	}
)

func NewManager(sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{sink: sink, registry: NewRegistry()}
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) flushSettings() (time.Duration, int) {
	interval := m.FlushInterval
	if interval <= 0 {
		interval = param.Session_FlushInterval.GetDuration()
	}
	threshold := m.FlushThreshold
	if threshold <= 0 {
		threshold = param.Session_FlushThreshold.GetInt()
	}
	return interval, threshold
}

// shellEnv merges the requested environment with the charset setting.
func shellEnv(opts *ShellOptions) map[string]string {
	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.Charset != "" {
		if _, ok := env["LANG"]; !ok {
			env["LANG"] = "en_US." + opts.Charset
		}
	}
	return env
}

// Start opens an interactive shell on conn and returns the session id.  An
// empty id is replaced with a generated one.  The session owns conn from
// here on: when the shell ends, conn is closed and an exit event is emitted.
// If Start fails, conn is closed and no event is emitted.
func (m *Manager) Start(ctx context.Context, id string, conn *chain.Connection, opts ShellOptions) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.registry.reserve(id); err != nil {
		conn.Close()
		return "", err
	}
	s, watch, err := m.open(ctx, id, conn, opts)
	if err != nil {
		m.registry.Remove(id)
		conn.Close()
		return "", err
	}
	// Published before the shell can be reaped so finish always sees it.
	m.registry.set(id, s)
	metrics.ActiveSessions.Inc()
	watch()

	if opts.StartupCommand != "" {
		if _, err := io.WriteString(s.stdin, opts.StartupCommand+"\n"); err != nil {
			log.Warnf("Failed to send startup command to session %s: %v", id, err)
		}
	}
	log.Infof("Session %s started on %s", id, s.Target)
	return id, nil
}

// open starts the shell. The returned watch func launches the goroutine that
// reaps it and must be called exactly once.
func (m *Manager) open(ctx context.Context, id string, conn *chain.Connection, opts ShellOptions) (*Session, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sess, err := conn.Client.NewSession()
	if err != nil {
		return nil, nil, conn_errors.Wrap(errors.Wrap(err, "failed to open session channel"), "start session", conn.Target)
	}
	success := false
	defer func() {
		if !success {
			sess.Close()
		}
	}()

	if opts.AgentForwarding && opts.Agent != nil {
		if err := agent.ForwardToAgent(conn.Client, opts.Agent); err != nil {
			log.Warnf("Agent forwarding unavailable for session %s: %v", id, err)
		} else if err := agent.RequestAgentForwarding(sess); err != nil {
			log.Warnf("Server refused agent forwarding for session %s: %v", id, err)
		}
	}

	for name, value := range shellEnv(&opts) {
		if err := sess.Setenv(name, value); err != nil {
			log.Debugf("Server did not accept %s for session %s: %v", name, id, err)
		}
	}

	term := opts.Term
	if term == "" {
		term = param.Session_DefaultTerm.GetString()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		return nil, nil, conn_errors.Wrap(errors.Wrap(err, "pty request failed"), "start session", conn.Target)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get stdin pipe")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get stdout pipe")
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get stderr pipe")
	}

	if err := sess.Shell(); err != nil {
		return nil, nil, conn_errors.Wrap(errors.Wrap(err, "failed to start shell"), "start session", conn.Target)
	}

	interval, threshold := m.flushSettings()
	s := &Session{
		ID:      id,
		Target:  conn.Target,
		Hops:    len(conn.Hops),
		Started: time.Now(),
		Term:    term,
		conn:    conn,
		ssh:     sess,
		stdin:   stdin,
		output: newBatcher(interval, threshold, func(chunk []byte) {
			m.sink.Data(id, chunk)
		}),
	}
	s.cols.Store(int32(cols))
	s.rows.Store(int32(rows))

	var readers sync.WaitGroup
	readers.Add(2)
	go s.copyOutput(&readers, stdout, "stdout")
	go s.copyOutput(&readers, stderr, "stderr")

	success = true
	return s, func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			waitErr := sess.Wait()
			readers.Wait()
			m.finish(s, waitErr)
		}()
	}, nil
}

func (s *Session) copyOutput(wg *sync.WaitGroup, r io.Reader, name string) {
	defer wg.Done()
	n, err := io.Copy(s.output, r)
	metrics.SessionBytesTotal.WithLabelValues(metrics.DirectionIn).Add(float64(n))
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Debugf("Session %s %s ended: %v", s.ID, name, err)
	}
}

// finish runs once per session after the shell ends.
func (m *Manager) finish(s *Session, waitErr error) {
	s.output.Close()

	code, exitErr := s.exitStatus(waitErr)
	m.registry.Remove(s.ID)
	metrics.ActiveSessions.Dec()
	s.conn.Close()

	if exitErr != nil {
		log.Infof("Session %s ended with code %d: %v", s.ID, code, exitErr)
	} else {
		log.Infof("Session %s ended with code %d", s.ID, code)
	}
	m.sink.Exit(s.ID, code, exitErr)
}

func (s *Session) exitStatus(waitErr error) (int, error) {
	var exitError *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case waitErr == nil:
		return 0, nil
	case errors.As(waitErr, &exitError):
		return exitError.ExitStatus(), nil
	case errors.As(waitErr, &missing):
		if s.closing.Load() {
			return 0, nil
		}
		select {
		case <-s.conn.Done():
			if s.closing.Load() {
				return 0, nil
			}
			return -1, conn_errors.New(conn_errors.KindNetwork, "session", s.Target, errors.New("connection lost"))
		case <-time.After(transportGrace):
			return 0, nil
		}
	default:
		if s.closing.Load() {
			return 0, nil
		}
		return -1, conn_errors.Wrap(waitErr, "session", s.Target)
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return nil, conn_errors.NewConfiguration("lookup session", "", "no session %q", id)
	}
	return s, nil
}

// Write sends input to the shell.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	n, err := s.stdin.Write(data)
	metrics.SessionBytesTotal.WithLabelValues(metrics.DirectionOut).Add(float64(n))
	if err != nil {
		return conn_errors.Wrap(errors.Wrap(err, "write to session failed"), "write", s.Target)
	}
	return nil
}

// Resize changes the terminal size.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 {
		return conn_errors.NewConfiguration("resize", s.Target, "invalid terminal size %dx%d", cols, rows)
	}
	if err := s.ssh.WindowChange(rows, cols); err != nil {
		return conn_errors.Wrap(errors.Wrap(err, "window change failed"), "resize", s.Target)
	}
	s.cols.Store(int32(cols))
	s.rows.Store(int32(rows))
	return nil
}

// Close ends the session and its connection.  The exit event follows
// asynchronously with code 0.
func (m *Manager) Close(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

func (s *Session) close() {
	if s.closing.Swap(true) {
		return
	}
	log.Debugf("Closing session %s", s.ID)
	s.ssh.Close()
	s.conn.Close()
}

func (s *Session) Info() Info {
	return Info{
		ID:      s.ID,
		Target:  s.Target,
		Hops:    s.Hops,
		Started: s.Started,
		Term:    s.Term,
		Cols:    int(s.cols.Load()),
		Rows:    int(s.rows.Load()),
	}
}

func (m *Manager) List() []Info {
	sessions := m.registry.List()
	result := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.Info())
	}
	return result
}

// Shutdown closes every session and waits for their exit events.
func (m *Manager) Shutdown() {
	for _, s := range m.registry.List() {
		s.close()
	}
	m.wg.Wait()
}

// ExecOptions describes a one-shot command.
type ExecOptions struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   []byte            `json:"stdin,omitempty"`
}

// ExecResult is the outcome of ExecOnce.  ExitCode is -1 when the server
// closed the channel without reporting a status.
type ExecResult struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func (o *ExecOptions) commandLine() string {
	if len(o.Args) == 0 {
		return o.Command
	}
	return strings.TrimSpace(o.Command + " " + shellJoin(o.Args))
}
