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

package chain

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/signing"
)

type (
	// AuthMaterial is the credential for a single hop.  Exactly one of
	// Password, PrivateKey or Hardware selects the primary method; Certificate
	// requires PrivateKey.  Password also answers keyboard-interactive prompts.
	AuthMaterial struct {
		Password   string `json:"password,omitempty"`
		PrivateKey []byte `json:"privateKey,omitempty"`
		// Passphrase unlocks PrivateKey.  PassphraseFunc is consulted at signing
		// time when Passphrase is empty and the key turns out to be encrypted.
		Passphrase     []byte                 `json:"passphrase,omitempty"`
		PassphraseFunc signing.PassphraseFunc `json:"-"`
		// PassphraseRef names a passphrase held by the credential store; the
		// engine turns it into a PassphraseFunc.
		PassphraseRef string                  `json:"passphraseRef,omitempty"`
		Certificate   []byte                  `json:"certificate,omitempty"`
		Hardware      *signing.HardwareConfig `json:"hardware,omitempty"`
		// UseAgent adds the keys of the agent at $SSH_AUTH_SOCK.
		UseAgent bool `json:"useAgent,omitempty"`
	}

	// HopSpec describes one SSH endpoint of a chain: a jump host or the final
	// target of ConnectTarget.
	HopSpec struct {
		Host string       `json:"host"`
		Port int          `json:"port,omitempty"`
		User string       `json:"username"`
		Auth AuthMaterial `json:"auth"`

		// KeepaliveInterval of zero uses Client.KeepaliveInterval; a negative
		// value disables keepalives.
		KeepaliveInterval time.Duration `json:"keepaliveInterval,omitempty"`

		Ciphers           []string `json:"ciphers,omitempty"`
		KeyExchanges      []string `json:"kex,omitempty"`
		MACs              []string `json:"macs,omitempty"`
		HostKeyAlgorithms []string `json:"hostKeyAlgorithms,omitempty"`

		// Label is used in progress events; defaults to Host.
		Label string `json:"label,omitempty"`
	}
)

// Address returns host:port, defaulting to port 22.
func (h *HopSpec) Address() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(port))
}

func (h *HopSpec) DisplayLabel() string {
	if h.Label != "" {
		return h.Label
	}
	return h.Host
}

// Validate checks that the hop is complete enough to attempt a connection.
// hardwareCapable reports whether an authenticator is available for hardware
// identities.
func (h *HopSpec) Validate(hardwareCapable bool) error {
	host := h.Host
	if host == "" {
		return conn_errors.NewConfiguration("validate", "", "hop has no hostname")
	}
	if h.Port < 0 || h.Port > 65535 {
		return conn_errors.NewConfiguration("validate", host, "invalid port %d", h.Port)
	}
	if h.User == "" {
		return conn_errors.NewConfiguration("validate", host, "hop has no username")
	}
	return h.Auth.validate(host, hardwareCapable)
}

func (a *AuthMaterial) validate(host string, hardwareCapable bool) error {
	methods := 0
	if a.Password != "" {
		methods++
	}
	if len(a.PrivateKey) > 0 {
		methods++
	}
	if a.Hardware != nil {
		methods++
	}
	if methods > 1 {
		return conn_errors.NewConfiguration("validate", host, "more than one of password, private key and hardware identity given")
	}
	if methods == 0 && !a.UseAgent {
		return conn_errors.NewConfiguration("validate", host, "no authentication material given")
	}
	if len(a.Certificate) > 0 && len(a.PrivateKey) == 0 {
		return conn_errors.NewConfiguration("validate", host, "certificate authentication requires the matching private key")
	}
	if hw := a.Hardware; hw != nil {
		if len(hw.PublicKey) == 0 || len(hw.CredentialID) == 0 || hw.RelyingPartyID == "" {
			return conn_errors.NewConfiguration("validate", host, "hardware identity requires public key, credential id and relying party")
		}
		if !hardwareCapable {
			return conn_errors.NewConfiguration("validate", host, "hardware identity given but no authenticator is available")
		}
	}
	return nil
}

// passphrase returns the callback used to unlock an encrypted key.
func (a *AuthMaterial) passphrase() signing.PassphraseFunc {
	if len(a.Passphrase) > 0 {
		p := a.Passphrase
		return func(context.Context) ([]byte, error) {
			out := make([]byte, len(p))
			copy(out, p)
			return out, nil
		}
	}
	return a.PassphraseFunc
}

// method names the primary auth method, for metrics.
func (a *AuthMaterial) method() string {
	switch {
	case a.Hardware != nil:
		return "hardware"
	case len(a.Certificate) > 0:
		return "certificate"
	case len(a.PrivateKey) > 0:
		return "publickey"
	case a.Password != "":
		return "password"
	default:
		return "agent"
	}
}
