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

package main

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hopshell/hopshell/config"
	"github.com/hopshell/hopshell/engine"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/session"
)

var (
	shellFlags     connectFlags
	forwardAgent   bool
	startupCommand string

	shellCmd = &cobra.Command{
		Use:   "shell [user@]host",
		Short: "Open an interactive shell",
		Args:  cobra.ExactArgs(1),
		RunE:  runShell,
	}
)

func init() {
	shellFlags.register(shellCmd.Flags())
	shellCmd.Flags().BoolVarP(&forwardAgent, "forward-agent", "A", false, "Forward the local SSH agent")
	shellCmd.Flags().StringVar(&startupCommand, "startup-command", "", "Command typed into the shell once it opens")
}

// terminalSink writes session output to stdout and hands the terminal
// events to the command loop.
func terminalSink(out io.Writer, exits chan<- events.Event, progress *chainProgress) events.Sink {
	return events.FuncSink(func(ev events.Event) {
		switch ev.Type {
		case events.TypeData:
			if _, err := out.Write(ev.Data); err != nil {
				log.Debugf("Failed to write session output: %v", err)
			}
		case events.TypeExit, events.TypeAuthFailed:
			select {
			case exits <- ev:
			default:
			}
		case events.TypeChainProgress:
			if ev.Progress != nil {
				log.Debugf("Chain progress %s", ev.Progress)
				progress.update(*ev.Progress)
			}
		}
	})
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	hops, target, proxyDesc, err := shellFlags.build(args[0])
	if err != nil {
		return err
	}

	exits := make(chan events.Event, 4)
	progress := newChainProgress()
	eng, err := engine.New(engine.Config{Sink: terminalSink(os.Stdout, exits, progress), Credentials: config.NewCredentialStore()})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	opts := session.ShellOptions{
		Term:            os.Getenv("TERM"),
		StartupCommand:  startupCommand,
		AgentForwarding: forwardAgent,
	}
	stdin := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdin)
	if interactive {
		if cols, rows, err := term.GetSize(stdin); err == nil {
			opts.Cols, opts.Rows = cols, rows
		}
	}

	id, err := eng.Start(ctx, engine.ConnectOptions{Hops: hops, Target: target, Proxy: proxyDesc, Shell: opts})
	progress.done()
	if err != nil {
		return err
	}

	if interactive {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return errors.Wrap(err, "failed to put the terminal into raw mode")
		}
		defer func() {
			if err := term.Restore(stdin, state); err != nil {
				log.Warnf("Failed to restore terminal: %v", err)
			}
		}()
		stopResize := watchResize(ctx, stdin, func(cols, rows int) {
			if err := eng.Resize(id, cols, rows); err != nil {
				log.Debugf("Resize failed: %v", err)
			}
		})
		defer stopResize()
	}

	go pumpInput(ctx, os.Stdin, func(data []byte) error { return eng.Write(id, data) })

	select {
	case ev := <-exits:
		if ev.Type == events.TypeAuthFailed {
			return errors.Errorf("authentication to %s failed: %s", ev.Hostname, ev.Error)
		}
		if ev.Code != 0 {
			if ev.Error != "" {
				log.Debugf("Session ended: %s", ev.Error)
			}
			return &exitStatusError{code: ev.Code}
		}
		return nil
	case <-ctx.Done():
		return eng.Close(id)
	}
}

// pumpInput copies r into write until either fails or ctx is done.
func pumpInput(ctx context.Context, r io.Reader, write func([]byte) error) {
	buf := make([]byte, 32*1024)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := write(append([]byte(nil), buf[:n]...)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
