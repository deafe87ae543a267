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
	"crypto/x509"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/hopshell/hopshell/conn_errors"
	"github.com/hopshell/hopshell/signing"
)

// maxInteractiveRounds bounds how often a server may re-prompt before the
// password is considered rejected.
const maxInteractiveRounds = 3

type (
	// hopAuth is the prepared form of a hop's AuthMaterial.  Preparation parses
	// everything that can be parsed without a connection, so malformed material
	// is reported before any socket is opened.
	hopAuth struct {
		host     string
		material *AuthMaterial
		identity *signing.Agent
		// keySigner is set for unencrypted plain keys; encrypted keys are
		// unlocked when the server asks for a signature.
		keySigner ssh.Signer
	}

	// handshakeRecorder keeps the first typed error produced by a callback
	// during the handshake, since the transport reports such failures as text.
	handshakeRecorder struct {
		mu  sync.Mutex
		err error
	}

	recordingSigner struct {
		ssh.AlgorithmSigner
		rec *handshakeRecorder
	}
)

func (r *handshakeRecorder) record(err error) error {
	if err == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	return err
}

func (r *handshakeRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (s *recordingSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	sig, err := s.AlgorithmSigner.Sign(rand, data)
	return sig, s.rec.record(err)
}

func (s *recordingSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	sig, err := s.AlgorithmSigner.SignWithAlgorithm(rand, data, algorithm)
	return sig, s.rec.record(err)
}

func (r *handshakeRecorder) wrap(signer ssh.Signer) ssh.Signer {
	if as, ok := signer.(ssh.AlgorithmSigner); ok {
		return &recordingSigner{AlgorithmSigner: as, rec: r}
	}
	return signer
}

func prepareAuth(hop *HopSpec, authenticator signing.Authenticator) (*hopAuth, error) {
	a := &hopAuth{host: hop.Host, material: &hop.Auth}
	m := &hop.Auth
	switch {
	case m.Hardware != nil:
		id, err := signing.NewHardwareAgent(*m.Hardware, authenticator)
		if err != nil {
			return nil, conn_errors.New(conn_errors.KindConfiguration, "prepare hardware identity", hop.Host, err)
		}
		a.identity = id
	case len(m.Certificate) > 0:
		id, err := signing.NewCertificateAgent(signing.CertificateConfig{
			Certificate: m.Certificate,
			PrivateKey:  m.PrivateKey,
			Passphrase:  m.passphrase(),
		})
		if err != nil {
			return nil, conn_errors.New(conn_errors.KindConfiguration, "prepare certificate identity", hop.Host, err)
		}
		a.identity = id
	case len(m.PrivateKey) > 0:
		signer, err := signing.ParsePrivateKey(m.PrivateKey)
		var passErr *ssh.PassphraseMissingError
		switch {
		case err == nil:
			a.keySigner = signer
		case errors.As(err, &passErr):
			if m.passphrase() == nil {
				return nil, conn_errors.NewConfiguration("prepare private key", hop.Host,
					"private key is encrypted and no passphrase is available")
			}
		default:
			return nil, conn_errors.New(conn_errors.KindConfiguration, "prepare private key", hop.Host,
				errors.Wrap(err, "failed to parse private key"))
		}
	}
	return a, nil
}

// unlockKey decrypts the hop's private key with the configured passphrase.
func (a *hopAuth) unlockKey(ctx context.Context) (ssh.Signer, error) {
	pass, err := a.material.passphrase()(ctx)
	if err != nil {
		if conn_errors.IsCancelled(err) {
			return nil, conn_errors.New(conn_errors.KindCancelled, "unlock private key", a.host, err)
		}
		return nil, conn_errors.New(conn_errors.KindConfiguration, "unlock private key", a.host,
			errors.Wrap(err, "unable to obtain key passphrase"))
	}
	defer func() {
		for i := range pass {
			pass[i] = 0
		}
	}()
	signer, err := signing.ParsePrivateKeyWithPassphrase(a.material.PrivateKey, pass)
	if errors.Is(err, x509.IncorrectPasswordError) {
		return nil, conn_errors.NewConfiguration("unlock private key", a.host, "incorrect passphrase for private key")
	} else if err != nil {
		return nil, conn_errors.New(conn_errors.KindConfiguration, "unlock private key", a.host, err)
	}
	return signer, nil
}

// methods builds the auth methods offered to the server, in order of
// preference.  The returned cleanup releases an agent socket, if one was used.
func (a *hopAuth) methods(ctx context.Context, rec *handshakeRecorder) ([]ssh.AuthMethod, func(), error) {
	var authMethods []ssh.AuthMethod
	cleanup := func() {}

	switch {
	case a.identity != nil:
		log.Debugf("Using %s identity for %s", a.identity.Mode(), a.host)
		authMethods = append(authMethods, ssh.PublicKeys(rec.wrap(a.identity.Signer(ctx))))
	case a.keySigner != nil:
		authMethods = append(authMethods, ssh.PublicKeys(rec.wrap(a.keySigner)))
	case len(a.material.PrivateKey) > 0:
		authMethods = append(authMethods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			signer, err := a.unlockKey(ctx)
			if err != nil {
				return nil, rec.record(err)
			}
			return []ssh.Signer{signer}, nil
		}))
	}

	if a.material.UseAgent {
		method, closer, err := agentAuth(ctx)
		if err != nil {
			log.Warnf("SSH agent unavailable for %s: %v", a.host, err)
		} else {
			authMethods = append(authMethods, method)
			cleanup = func() { closer.Close() }
		}
	}

	if password := a.material.Password; password != "" {
		authMethods = append(authMethods, ssh.Password(password))
		rounds := 0
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				if len(questions) == 0 {
					return nil, nil
				}
				rounds++
				if rounds > maxInteractiveRounds {
					return nil, errors.New("keyboard-interactive authentication failed: too many prompts")
				}
				log.Debugf("Answering %d keyboard-interactive prompt(s) for %s with the password", len(questions), user)
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if len(authMethods) == 0 {
		cleanup()
		return nil, nil, conn_errors.NewConfiguration("authenticate", a.host, "no usable authentication methods")
	}
	return authMethods, cleanup, nil
}

// agentAuth offers the keys held by the agent at $SSH_AUTH_SOCK.
func agentAuth(ctx context.Context) (ssh.AuthMethod, io.Closer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK environment variable not set")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to SSH agent")
	}
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), conn, nil
}
