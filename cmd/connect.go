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
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/hopshell/hopshell/chain"
	"github.com/hopshell/hopshell/config"
	"github.com/hopshell/hopshell/param"
	"github.com/hopshell/hopshell/proxysock"
	"github.com/hopshell/hopshell/signing"
)

// connectFlags are the options every connecting command shares.
type connectFlags struct {
	port          int
	identity      string
	passphraseRef string
	certificate   string
	passwordFile  string
	askPassword   bool
	jump          string
	proxy         string
	keepalive     time.Duration
	acceptNew     bool
}

type destination struct {
	user string
	host string
	port int
}

func (f *connectFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&f.port, "port", "p", 0, "Port of the target SSH server (default 22)")
	fs.StringVarP(&f.identity, "identity", "i", "", "Private key file")
	fs.StringVar(&f.passphraseRef, "passphrase-ref", "", "Unlock the private key with the passphrase stored under this name (see 'hopshell keyring add')")
	fs.StringVar(&f.certificate, "cert", "", "OpenSSH certificate for the private key")
	fs.StringVar(&f.passwordFile, "password-file", "", "Read the password from this file")
	fs.BoolVar(&f.askPassword, "ask-password", false, "Prompt for a password")
	fs.StringVarP(&f.jump, "jump", "J", "", "Comma-separated jump hosts, [user@]host[:port]")
	fs.StringVar(&f.proxy, "proxy", "", "Proxy for the first hop: socks5://[user:pass@]host:port or http://host:port")
	fs.DurationVar(&f.keepalive, "keepalive", 0, "Keepalive interval; negative disables (default from config)")
	fs.BoolVar(&f.acceptNew, "accept-new-host-keys", false, "Add unknown host keys to known_hosts instead of refusing")
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// parseDestination splits [user@]host[:port]; IPv6 literals need brackets
// when a port is given.
func parseDestination(spec, defaultUser string) (destination, error) {
	d := destination{user: defaultUser}
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		d.user = spec[:at]
		spec = spec[at+1:]
	}
	d.host = spec
	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return d, errors.Errorf("invalid port in %q", spec)
		}
		d.host = host
		d.port = port
	} else {
		d.host = strings.TrimSuffix(strings.TrimPrefix(spec, "["), "]")
	}
	if d.host == "" {
		return d, errors.Errorf("missing host in %q", spec)
	}
	if d.user == "" {
		return d, errors.Errorf("missing user for %q", d.host)
	}
	return d, nil
}

func parseJumpHosts(spec, defaultUser string) ([]destination, error) {
	if spec == "" {
		return nil, nil
	}
	var out []destination
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := parseDestination(part, defaultUser)
		if err != nil {
			return nil, errors.Wrap(err, "invalid jump host")
		}
		out = append(out, d)
	}
	return out, nil
}

func readSecretFile(path string) ([]byte, error) {
	expanded, err := config.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// promptSecret reads a line from the terminal without echo.
func promptSecret(prompt string) ([]byte, error) {
	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return nil, errors.New("cannot prompt; not connected to a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(stdin)
}

func passphrasePrompt(keyPath string) signing.PassphraseFunc {
	return func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return promptSecret(fmt.Sprintf("Enter passphrase for key '%s': ", keyPath))
	}
}

func (f *connectFlags) auth() (chain.AuthMaterial, error) {
	var m chain.AuthMaterial
	if f.identity != "" {
		key, err := readSecretFile(f.identity)
		if err != nil {
			return m, err
		}
		m.PrivateKey = key
		if f.passphraseRef != "" {
			m.PassphraseRef = f.passphraseRef
		} else {
			m.PassphraseFunc = passphrasePrompt(f.identity)
		}
	}
	if f.certificate != "" {
		cert, err := readSecretFile(f.certificate)
		if err != nil {
			return m, err
		}
		m.Certificate = cert
	}
	switch {
	case f.passwordFile != "":
		pass, err := readSecretFile(f.passwordFile)
		if err != nil {
			return m, err
		}
		m.Password = string(bytes.TrimRight(pass, "\r\n"))
	case f.askPassword:
		pass, err := promptSecret("Password: ")
		if err != nil {
			return m, err
		}
		m.Password = string(pass)
	}
	if m.Password == "" && len(m.PrivateKey) == 0 {
		m.UseAgent = true
	}
	return m, nil
}

// build turns the flags and the destination argument into a connect request.
// Jump hosts reuse the target's credentials.
func (f *connectFlags) build(dest string) ([]chain.HopSpec, chain.HopSpec, *proxysock.Descriptor, error) {
	var target chain.HopSpec
	if f.acceptNew {
		viper.Set(param.Client_AutoAddHostKey.GetName(), true)
	}

	d, err := parseDestination(dest, currentUser())
	if err != nil {
		return nil, target, nil, err
	}
	if f.port != 0 {
		d.port = f.port
	}
	auth, err := f.auth()
	if err != nil {
		return nil, target, nil, err
	}
	target = chain.HopSpec{Host: d.host, Port: d.port, User: d.user, Auth: auth, KeepaliveInterval: f.keepalive}

	jumps, err := parseJumpHosts(f.jump, d.user)
	if err != nil {
		return nil, target, nil, err
	}
	hops := make([]chain.HopSpec, 0, len(jumps))
	for _, j := range jumps {
		hops = append(hops, chain.HopSpec{Host: j.host, Port: j.port, User: j.user, Auth: auth, KeepaliveInterval: f.keepalive})
	}

	var proxyDesc *proxysock.Descriptor
	if f.proxy != "" {
		if proxyDesc, err = proxysock.ParseURL(f.proxy); err != nil {
			return nil, target, nil, err
		}
	}
	return hops, target, proxyDesc, nil
}
