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
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hopshell/hopshell/config"
	"github.com/hopshell/hopshell/logging"
	"github.com/hopshell/hopshell/param"
)

var (
	cfgFile string

	errExitOnSignal = errors.New("exit program on signal")

	rootCmd = &cobra.Command{
		Use:   "hopshell",
		Short: "SSH shells and tunnels through jump hosts and proxies",
		Long: `hopshell opens interactive shells, runs commands and forwards ports
over SSH connections that may pass through any number of jump hosts and an
initial HTTP CONNECT or SOCKS5 proxy.`,
		SilenceUsage:      true,
		PersistentPreRunE: initialize,
	}
)

// exitStatusError carries a remote exit code out of a command.
type exitStatusError struct {
	code int
}

func (e *exitStatusError) Error() string {
	return "remote command exited with a non-zero status"
}

func exitCode(err error) int {
	var status *exitStatusError
	if errors.As(err, &status) {
		return status.code
	}
	return 1
}

func initialize(cmd *cobra.Command, args []string) error {
	if err := config.InitConfig(cfgFile); err != nil {
		return err
	}
	return logging.FlushLogs(param.Logging_LogLocation.GetString())
}

// Execute runs the root command with a context cancelled on SIGINT or
// SIGTERM.  Background work started by commands joins the errgroup.
func Execute() error {
	egrp, ctx := errgroup.WithContext(context.Background())
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			log.Warningf("Received signal %v; shutting down", sig)
			stop()
		case <-ctx.Done():
		}
	}()

	ctx = context.WithValue(ctx, egrpKey{}, egrp)
	exeErr := rootCmd.ExecuteContext(ctx)
	stop()
	if egrpErr := egrp.Wait(); egrpErr != nil && !errors.Is(egrpErr, errExitOnSignal) {
		log.Errorln("Fatal error occurred that lead to the shutdown of the process:", egrpErr)
		if exeErr == nil {
			return egrpErr
		}
	}
	if exeErr != nil && exitCode(exeErr) == 1 {
		log.Errorln(exeErr)
	}
	return exeErr
}

type egrpKey struct{}

func errgroupFrom(ctx context.Context) *errgroup.Group {
	if egrp, ok := ctx.Value(egrpKey{}).(*errgroup.Group); ok {
		return egrp
	}
	egrp, _ := errgroup.WithContext(ctx)
	return egrp
}

func init() {
	logging.SetupLogBuffering()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/hopshell/hopshell.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringP("log", "l", "", "Specified log output file")
	rootCmd.PersistentFlags().BoolP("version", "", false, "Print the version and exit")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if err := viper.BindPFlag(param.Debug.GetName(), rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag(param.Logging_LogLocation.GetName(), rootCmd.PersistentFlags().Lookup("log")); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hwkeyCmd)
	rootCmd.AddCommand(keyringCmd)
}
