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
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hopshell/hopshell/config"
	"github.com/hopshell/hopshell/engine"
	"github.com/hopshell/hopshell/session"
)

var (
	execFlags connectFlags
	execStdin bool

	execCmd = &cobra.Command{
		Use:   "exec [user@]host -- command [args...]",
		Short: "Run a single command and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}
)

func init() {
	execFlags.register(execCmd.Flags())
	execCmd.Flags().BoolVar(&execStdin, "stdin", false, "Send standard input to the command")
}

func runExec(cmd *cobra.Command, args []string) error {
	hops, target, proxyDesc, err := execFlags.build(args[0])
	if err != nil {
		return err
	}
	opts := engine.ExecOptions{
		Hops:   hops,
		Target: target,
		Proxy:  proxyDesc,
		ExecOptions: session.ExecOptions{
			Command: args[1],
			Args:    args[2:],
		},
	}
	if execStdin {
		if opts.Stdin, err = io.ReadAll(os.Stdin); err != nil {
			return errors.Wrap(err, "failed to read standard input")
		}
	}

	progress := newChainProgress()
	eng, err := engine.New(engine.Config{Sink: progress.Sink(), Credentials: config.NewCredentialStore()})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	result, err := eng.ExecOnce(cmd.Context(), opts)
	progress.done()
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(result.Stdout); err != nil {
		return err
	}
	if _, err := cmd.ErrOrStderr().Write(result.Stderr); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		code := result.ExitCode
		if code < 0 {
			code = 255
		}
		return &exitStatusError{code: code}
	}
	return nil
}
