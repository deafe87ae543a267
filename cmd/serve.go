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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hopshell/hopshell/bridge"
	"github.com/hopshell/hopshell/config"
	"github.com/hopshell/hopshell/engine"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/param"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine to a front end over a local WebSocket",
	Long: `Serve runs the connection engine behind a WebSocket on the loopback
interface.  The front end drives sessions and tunnels through it and answers
WebAuthn requests for hardware-backed keys.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default from Bridge.ListenAddress)")
	if err := viper.BindPFlag(param.Bridge_ListenAddress.GetName(), serveCmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	hub := bridge.NewHub()
	eng, err := engine.New(engine.Config{
		Sink:          events.Multi(hub.Sink(), events.LogSink{}),
		Authenticator: hub,
		Credentials:   config.NewCredentialStore(),
	})
	if err != nil {
		return err
	}
	srv := bridge.NewServer(eng, hub)
	if err := srv.Serve(ctx, errgroupFrom(ctx), param.Bridge_ListenAddress.GetString()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ws://%s/api/v1.0/ws\n", srv.Addr())
	<-ctx.Done()
	return nil
}
