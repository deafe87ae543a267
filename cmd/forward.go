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
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hopshell/hopshell/config"
	"github.com/hopshell/hopshell/engine"
	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/tunnel"
)

var (
	forwardFlags   connectFlags
	localForwards  []string
	remoteForwards []string
	dynamicForward []string

	forwardCmd = &cobra.Command{
		Use:   "forward [user@]host",
		Short: "Forward ports until interrupted",
		Long: `Forward ports over SSH.  Each -L, -R and -D opens its own tunnel:

  -L [bind:]port:host:hostport   listen locally, connect from the server
  -R [bind:]port:host:hostport   listen on the server, connect locally
  -D [bind:]port                 local SOCKS5 proxy through the server

IPv6 addresses are written in brackets.  A port of 0 picks a free port.`,
		Args: cobra.ExactArgs(1),
		RunE: runForward,
	}
)

func init() {
	forwardFlags.register(forwardCmd.Flags())
	forwardCmd.Flags().StringArrayVarP(&localForwards, "local", "L", nil, "Local forward [bind:]port:host:hostport")
	forwardCmd.Flags().StringArrayVarP(&remoteForwards, "remote", "R", nil, "Remote forward [bind:]port:host:hostport")
	forwardCmd.Flags().StringArrayVarP(&dynamicForward, "dynamic", "D", nil, "SOCKS5 proxy [bind:]port")
}

// splitForwardFields splits on colons outside of brackets and strips the
// brackets.
func splitForwardFields(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			if depth > 0 {
				return nil, errors.Errorf("nested bracket in %q", s)
			}
			depth++
		case r == ']':
			if depth == 0 {
				return nil, errors.Errorf("unbalanced bracket in %q", s)
			}
			depth--
		case r == ':' && depth == 0:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, errors.Errorf("unbalanced bracket in %q", s)
	}
	return append(fields, cur.String()), nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return port, nil
}

// parseForwardSpec parses the argument of -L, -R or -D.
func parseForwardSpec(kind tunnel.Kind, s string) (tunnel.Spec, error) {
	spec := tunnel.Spec{Kind: kind}
	fields, err := splitForwardFields(s)
	if err != nil {
		return spec, err
	}
	if kind == tunnel.KindDynamic {
		switch len(fields) {
		case 1:
		case 2:
			spec.BindAddress = fields[0]
			fields = fields[1:]
		default:
			return spec, errors.Errorf("expected [bind:]port, got %q", s)
		}
		if spec.BindPort, err = parsePort(fields[0]); err != nil {
			return spec, err
		}
		return spec, spec.Validate()
	}

	switch len(fields) {
	case 3:
	case 4:
		spec.BindAddress = fields[0]
		fields = fields[1:]
	default:
		return spec, errors.Errorf("expected [bind:]port:host:hostport, got %q", s)
	}
	if spec.BindPort, err = parsePort(fields[0]); err != nil {
		return spec, err
	}
	spec.TargetHost = fields[1]
	if spec.TargetPort, err = parsePort(fields[2]); err != nil {
		return spec, err
	}
	return spec, spec.Validate()
}

func collectForwardSpecs() ([]tunnel.Spec, error) {
	var specs []tunnel.Spec
	groups := []struct {
		kind tunnel.Kind
		args []string
	}{
		{tunnel.KindLocal, localForwards},
		{tunnel.KindRemote, remoteForwards},
		{tunnel.KindDynamic, dynamicForward},
	}
	for _, g := range groups {
		for _, arg := range g.args {
			spec, err := parseForwardSpec(g.kind, arg)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid %s forward", g.kind)
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one of -L, -R or -D is required")
	}
	return specs, nil
}

func runForward(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	specs, err := collectForwardSpecs()
	if err != nil {
		return err
	}
	hops, target, proxyDesc, err := forwardFlags.build(args[0])
	if err != nil {
		return err
	}

	statuses := make(chan events.Event, len(specs))
	progress := newChainProgress()
	sink := events.Multi(events.LogSink{}, progress.Sink(), events.FuncSink(func(ev events.Event) {
		if ev.Type == events.TypePortForwardStatus && ev.Status == events.TunnelInactive {
			statuses <- ev
		}
	}))
	eng, err := engine.New(engine.Config{Sink: sink, Credentials: config.NewCredentialStore()})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	running, err := startForwards(cmd, eng, specs, engine.PortForwardOptions{Hops: hops, Target: target, Proxy: proxyDesc}, progress)
	if err != nil {
		return err
	}

	for running > 0 {
		select {
		case ev := <-statuses:
			log.Infof("Tunnel %s closed", ev.TunnelID)
			running--
		case <-ctx.Done():
			return nil
		}
	}
	return errors.New("all tunnels closed")
}

// startForwards starts one tunnel per spec, stopping at the first failure,
// and prints where each one listens.
func startForwards(cmd *cobra.Command, eng *engine.Engine, specs []tunnel.Spec, base engine.PortForwardOptions, progress *chainProgress) (int, error) {
	defer progress.done()
	for i, spec := range specs {
		opts := base
		opts.Tunnel = spec
		id, err := eng.StartPortForward(cmd.Context(), opts)
		if err != nil {
			return i, err
		}
		if t, ok := eng.TunnelManager().Get(id); ok {
			info := t.Info()
			if info.Target != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", info.Kind, info.Bind, info.Target)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Kind, info.Bind)
			}
		}
	}
	return len(specs), nil
}
