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

// Package signing provides the in-process SSH signing agent.  An Agent wraps
// exactly one Identity, either a certificate backed by a private key or a
// hardware security key reached through a WebAuthn authenticator.
package signing

import (
	"context"
	"crypto/x509"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/sshwire"
)

type Mode string

const (
	ModeCertificate Mode = "certificate"
	ModeHardware    Mode = "hardware"

	certSuffix = "-cert-v01@openssh.com"
)

type (
	// Identity is a single public key together with the means to sign with it.
	// Implementations never expose private key material.
	Identity interface {
		Mode() Mode
		PublicKey() ssh.PublicKey
		Comment() string
		// Sign signs data.  algorithm selects the signature algorithm for key
		// types that support several (RSA); empty means the key's default.
		Sign(ctx context.Context, data []byte, algorithm string) (*ssh.Signature, error)
	}

	// PassphraseFunc releases the passphrase protecting a private key.  It is
	// invoked at signing time only.
	PassphraseFunc func(ctx context.Context) ([]byte, error)

	SigningError struct {
		Mode Mode
		Msg  string
		Err  error
		kind conn_errors.Kind
	}
)

func (e *SigningError) Error() string {
	msg := string(e.Mode) + " signing failed: " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

func (e *SigningError) ErrorKind() conn_errors.Kind {
	return e.kind
}

func newSigningError(mode Mode, msg string, err error) *SigningError {
	kind := conn_errors.KindProtocol
	var passErr *ssh.PassphraseMissingError
	var codecErr *sshwire.CodecError
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		kind = conn_errors.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = conn_errors.KindNetwork
	case errors.As(err, &codecErr):
		kind = conn_errors.KindProtocol
	case errors.As(err, &passErr), errors.Is(err, x509.IncorrectPasswordError):
		kind = conn_errors.KindConfiguration
	default:
		kind = conn_errors.Classify(err)
		if kind == conn_errors.KindNetwork {
			kind = conn_errors.KindProtocol
		}
	}
	return &SigningError{Mode: mode, Msg: msg, Err: err, kind: kind}
}

// BaseAlgorithm strips the certificate suffix from a key or certificate type,
// e.g. ecdsa-sha2-nistp256-cert-v01@openssh.com becomes ecdsa-sha2-nistp256.
func BaseAlgorithm(keyType string) string {
	if !strings.HasSuffix(keyType, certSuffix) {
		return keyType
	}
	base := strings.TrimSuffix(keyType, certSuffix)
	if strings.HasPrefix(base, "sk-") {
		base += "@openssh.com"
	}
	return base
}

// PublicIdentity is what GetIdentities exposes: the public key blob only.
type PublicIdentity struct {
	Type    string `json:"type"`
	Blob    []byte `json:"blob"`
	Comment string `json:"comment"`
}

func publicIdentity(id Identity) PublicIdentity {
	return PublicIdentity{
		Type:    id.PublicKey().Type(),
		Blob:    id.PublicKey().Marshal(),
		Comment: id.Comment(),
	}
}
