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
	"bytes"
	"context"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/conn_errors"
)

func shellJoin(args []string) string {
	return shellquote.Join(args...)
}

// ExecOnce runs a single command on conn without a terminal and closes conn
// when it finishes.  A non-zero exit status is reported in the result, not
// as an error.
func ExecOnce(ctx context.Context, conn *chain.Connection, opts ExecOptions) (*ExecResult, error) {
	defer conn.Close()

	command := opts.commandLine()
	if command == "" {
		return nil, conn_errors.NewConfiguration("exec", conn.Target, "no command given")
	}

	sess, err := conn.Client.NewSession()
	if err != nil {
		return nil, conn_errors.Wrap(errors.Wrap(err, "failed to open session channel"), "exec", conn.Target)
	}
	defer sess.Close()

	for name, value := range opts.Env {
		if err := sess.Setenv(name, value); err != nil {
			log.Debugf("Server did not accept %s for exec: %v", name, err)
		}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if opts.Stdin != nil {
		sess.Stdin = bytes.NewReader(opts.Stdin)
	}

	log.Debugf("Running %q on %s", command, conn.Target)
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, ctx.Err()
	case runErr = <-done:
	}

	result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.As(runErr, &missing):
		result.ExitCode = -1
	default:
		return nil, conn_errors.Wrap(errors.Wrap(runErr, "command failed"), "exec", conn.Target)
	}
	return result, nil
}
