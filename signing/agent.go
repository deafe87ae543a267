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

package signing

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var (
	ErrReadOnlyAgent = errors.New("signing agent is read-only")
	ErrUnknownKey    = errors.New("signing agent does not hold the requested key")
)

// Agent exposes one Identity both to the local SSH client (through Signer)
// and over the agent protocol (it implements agent.ExtendedAgent) so it can
// be forwarded to remote hosts.
type Agent struct {
	identity Identity
}

var _ agent.ExtendedAgent = (*Agent)(nil)

func NewAgent(id Identity) *Agent {
	return &Agent{identity: id}
}

func NewCertificateAgent(cfg CertificateConfig) (*Agent, error) {
	id, err := NewCertificateIdentity(cfg)
	if err != nil {
		return nil, err
	}
	return NewAgent(id), nil
}

func NewHardwareAgent(cfg HardwareConfig, authenticator Authenticator) (*Agent, error) {
	id, err := NewHardwareKeyIdentity(cfg, authenticator)
	if err != nil {
		return nil, err
	}
	return NewAgent(id), nil
}

func (a *Agent) Mode() Mode {
	return a.identity.Mode()
}

// GetIdentities always returns exactly one identity.
func (a *Agent) GetIdentities() []PublicIdentity {
	return []PublicIdentity{publicIdentity(a.identity)}
}

// SignContext signs data with the agent's identity.
func (a *Agent) SignContext(ctx context.Context, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	return a.identity.Sign(ctx, data, algorithmForFlags(a.identity.PublicKey(), flags))
}

// SignBlob returns the complete wire-encoded signature.
func (a *Agent) SignBlob(ctx context.Context, data []byte, flags agent.SignatureFlags) ([]byte, error) {
	sig, err := a.SignContext(ctx, data, flags)
	if err != nil {
		return nil, err
	}
	return ssh.Marshal(sig), nil
}

func algorithmForFlags(pub ssh.PublicKey, flags agent.SignatureFlags) string {
	if BaseAlgorithm(pub.Type()) != ssh.KeyAlgoRSA {
		return ""
	}
	switch {
	case flags&agent.SignatureFlagRsaSha512 != 0:
		return ssh.KeyAlgoRSASHA512
	case flags&agent.SignatureFlagRsaSha256 != 0:
		return ssh.KeyAlgoRSASHA256
	}
	return ""
}

func (a *Agent) matches(key ssh.PublicKey) bool {
	return bytes.Equal(key.Marshal(), a.identity.PublicKey().Marshal())
}

func (a *Agent) List() ([]*agent.Key, error) {
	pub := a.identity.PublicKey()
	return []*agent.Key{{
		Format:  pub.Type(),
		Blob:    pub.Marshal(),
		Comment: a.identity.Comment(),
	}}, nil
}

func (a *Agent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return a.SignWithFlags(key, data, 0)
}

func (a *Agent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	if !a.matches(key) {
		return nil, ErrUnknownKey
	}
	return a.SignContext(context.Background(), data, flags)
}

func (a *Agent) Signers() ([]ssh.Signer, error) {
	return []ssh.Signer{a.Signer(context.Background())}, nil
}

// Signer returns an ssh.Signer whose signing calls are bound to ctx, so that
// cancelling a connection attempt also aborts a pending hardware ceremony.
func (a *Agent) Signer(ctx context.Context) ssh.Signer {
	return &contextSigner{ctx: ctx, identity: a.identity}
}

func (a *Agent) Add(agent.AddedKey) error {
	return ErrReadOnlyAgent
}

func (a *Agent) Remove(ssh.PublicKey) error {
	return ErrReadOnlyAgent
}

func (a *Agent) RemoveAll() error {
	return ErrReadOnlyAgent
}

func (a *Agent) Lock([]byte) error {
	return ErrReadOnlyAgent
}

func (a *Agent) Unlock([]byte) error {
	return ErrReadOnlyAgent
}

func (a *Agent) Extension(string, []byte) ([]byte, error) {
	return nil, agent.ErrExtensionUnsupported
}

type contextSigner struct {
	ctx      context.Context
	identity Identity
}

var _ ssh.AlgorithmSigner = (*contextSigner)(nil)

func (s *contextSigner) PublicKey() ssh.PublicKey {
	return s.identity.PublicKey()
}

func (s *contextSigner) Sign(_ io.Reader, data []byte) (*ssh.Signature, error) {
	return s.identity.Sign(s.ctx, data, "")
}

func (s *contextSigner) SignWithAlgorithm(_ io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	if BaseAlgorithm(s.identity.PublicKey().Type()) != ssh.KeyAlgoRSA {
		algorithm = ""
	}
	return s.identity.Sign(s.ctx, data, algorithm)
}
