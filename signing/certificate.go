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
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/hopshell/hopshell/sshwire"
)

// CertificateIdentity signs with the private key matching an OpenSSH
// certificate.  The private key stays encoded (and possibly encrypted) until
// a signature is requested.
type CertificateIdentity struct {
	cert       *ssh.Certificate
	privateKey []byte
	passphrase PassphraseFunc
	comment    string
}

// CertificateConfig carries the certificate-mode material supplied by the vault.
type CertificateConfig struct {
	// Certificate is either the wire blob or an authorized_keys style line.
	Certificate []byte
	// PrivateKey is the PEM/OpenSSH encoded private key.
	PrivateKey []byte
	Passphrase PassphraseFunc
	Comment    string
}

// ParseCertificate accepts a certificate as a raw wire blob or as a
// "<type> <base64> [comment]" line.
func ParseCertificate(data []byte) (*ssh.Certificate, string, error) {
	var (
		pub     ssh.PublicKey
		comment string
		err     error
	)
	pub, err = ssh.ParsePublicKey(data)
	if err != nil {
		pub, comment, _, _, err = ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to parse certificate")
		}
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, "", errors.Errorf("key of type %s is not a certificate", pub.Type())
	}
	return cert, comment, nil
}

func NewCertificateIdentity(cfg CertificateConfig) (*CertificateIdentity, error) {
	if len(cfg.PrivateKey) == 0 {
		return nil, newSigningError(ModeCertificate, "no private key supplied", nil)
	}
	cert, comment, err := ParseCertificate(cfg.Certificate)
	if err != nil {
		return nil, newSigningError(ModeCertificate, "invalid certificate", err)
	}
	if cfg.Comment != "" {
		comment = cfg.Comment
	}
	if comment == "" {
		comment = cert.KeyId
	}
	return &CertificateIdentity{
		cert:       cert,
		privateKey: cfg.PrivateKey,
		passphrase: cfg.Passphrase,
		comment:    comment,
	}, nil
}

func (c *CertificateIdentity) Mode() Mode {
	return ModeCertificate
}

func (c *CertificateIdentity) PublicKey() ssh.PublicKey {
	return c.cert
}

func (c *CertificateIdentity) Comment() string {
	return c.comment
}

func (c *CertificateIdentity) parseKey(ctx context.Context) (interface{}, error) {
	key, err := ParseRawPrivateKey(c.privateKey)
	var passErr *ssh.PassphraseMissingError
	if err == nil || !errors.As(err, &passErr) {
		return key, err
	}
	if c.passphrase == nil {
		return nil, err
	}
	pass, err := c.passphrase(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to obtain key passphrase")
	}
	defer func() {
		for i := range pass {
			pass[i] = 0
		}
	}()
	return ParseRawPrivateKeyWithPassphrase(c.privateKey, pass)
}

func (c *CertificateIdentity) Sign(ctx context.Context, data []byte, algorithm string) (*ssh.Signature, error) {
	raw, err := c.parseKey(ctx)
	if err != nil {
		return nil, newSigningError(ModeCertificate, "unable to load private key", err)
	}

	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, newSigningError(ModeCertificate, "unsupported private key", err)
	}
	if !bytes.Equal(signer.PublicKey().Marshal(), c.cert.Key.Marshal()) {
		return nil, newSigningError(ModeCertificate, "private key does not match certificate", nil)
	}

	base := BaseAlgorithm(c.cert.Type())
	log.Debugf("Signing %d bytes with certificate %q (%s)", len(data), c.comment, base)

	switch key := raw.(type) {
	case *ecdsa.PrivateKey:
		return signECDSA(key, base, data)
	case *dsa.PrivateKey:
		// The library's DSA signer already emits the fixed-width r||s body.
		sig, err := signer.Sign(rand.Reader, data)
		if err != nil {
			return nil, newSigningError(ModeCertificate, "DSA signature failed", err)
		}
		return sig, nil
	}

	if algorithm == "" {
		algorithm = base
	}
	if as, ok := signer.(ssh.AlgorithmSigner); ok {
		sig, err := as.SignWithAlgorithm(rand.Reader, data, algorithm)
		if err != nil {
			return nil, newSigningError(ModeCertificate, "signature failed", err)
		}
		return sig, nil
	}
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		return nil, newSigningError(ModeCertificate, "signature failed", err)
	}
	return sig, nil
}

// signECDSA produces the DER signature natively and converts it into the SSH
// (mpint r, mpint s) body.
func signECDSA(key *ecdsa.PrivateKey, format string, data []byte) (*ssh.Signature, error) {
	var h crypto.Hash
	switch key.Curve {
	case elliptic.P256():
		h = crypto.SHA256
	case elliptic.P384():
		h = crypto.SHA384
	case elliptic.P521():
		h = crypto.SHA512
	default:
		return nil, newSigningError(ModeCertificate, "unsupported ECDSA curve "+key.Curve.Params().Name, nil)
	}
	var digest []byte
	switch h {
	case crypto.SHA256:
		d := sha256.Sum256(data)
		digest = d[:]
	case crypto.SHA384:
		d := sha512.Sum384(data)
		digest = d[:]
	default:
		d := sha512.Sum512(data)
		digest = d[:]
	}

	der, err := ecdsa.SignASN1(rand.Reader, key, digest)
	if err != nil {
		return nil, newSigningError(ModeCertificate, "ECDSA signature failed", err)
	}
	blob, err := sshwire.ECDSADERToSSH(der)
	if err != nil {
		return nil, newSigningError(ModeCertificate, "ECDSA signature conversion failed", err)
	}
	return &ssh.Signature{Format: format, Blob: blob}, nil
}
