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
	"context"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/hopshell/hopshell/param"
	"github.com/hopshell/hopshell/sshwire"
)

// WebAuthnSKECDSA is the signature format OpenSSH accepts for security keys
// exercised through a WebAuthn ceremony.
const WebAuthnSKECDSA = "webauthn-sk-ecdsa-sha2-nistp256@openssh.com"

type UserVerification string

const (
	UserVerificationRequired    UserVerification = "required"
	UserVerificationPreferred   UserVerification = "preferred"
	UserVerificationDiscouraged UserVerification = "discouraged"
)

type (
	// AssertionRequest is handed to the platform authenticator.
	AssertionRequest struct {
		RelyingPartyID   string           `json:"rpId"`
		CredentialID     []byte           `json:"credentialId"`
		Challenge        []byte           `json:"challenge"`
		UserVerification UserVerification `json:"userVerification"`
		Timeout          time.Duration    `json:"timeout"`
	}

	// Assertion is the result of a WebAuthn get-assertion ceremony.
	Assertion struct {
		Origin            string `json:"origin"`
		AuthenticatorData []byte `json:"authenticatorData"`
		ClientDataJSON    []byte `json:"clientDataJSON"`
		Signature         []byte `json:"signature"`
	}

	// Authenticator performs the user-interactive WebAuthn ceremony.  It may
	// block for minutes while waiting for the user.
	Authenticator interface {
		GetAssertion(ctx context.Context, req *AssertionRequest) (*Assertion, error)
	}

	// HardwareConfig carries the hardware identity fields supplied by the vault.
	HardwareConfig struct {
		// PublicKey is the sk-ecdsa-sha2-nistp256@openssh.com key, as wire blob
		// or authorized_keys line.
		PublicKey        []byte           `json:"publicKey"`
		CredentialID     []byte           `json:"credentialId"`
		RelyingPartyID   string           `json:"rpId"`
		UserVerification UserVerification `json:"userVerification,omitempty"`
		Comment          string           `json:"comment,omitempty"`
		// Timeout bounds the ceremony; zero uses Client.HardwareAuthTimeout.
		Timeout time.Duration `json:"timeout,omitempty"`
	}

	HardwareKeyIdentity struct {
		publicKey     ssh.PublicKey
		credentialID  []byte
		rpID          string
		uv            UserVerification
		comment       string
		timeout       time.Duration
		authenticator Authenticator
	}
)

func parsePublicKey(data []byte) (ssh.PublicKey, string, error) {
	if pub, err := ssh.ParsePublicKey(data); err == nil {
		return pub, "", nil
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	return pub, comment, err
}

func NewHardwareKeyIdentity(cfg HardwareConfig, authenticator Authenticator) (*HardwareKeyIdentity, error) {
	if authenticator == nil {
		return nil, newSigningError(ModeHardware, "no authenticator available", nil)
	}
	if cfg.RelyingPartyID == "" || len(cfg.CredentialID) == 0 {
		return nil, newSigningError(ModeHardware, "relying party id and credential id are required", nil)
	}
	pub, comment, err := parsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, newSigningError(ModeHardware, "invalid public key", err)
	}
	if pub.Type() != ssh.KeyAlgoSKECDSA256 {
		return nil, newSigningError(ModeHardware, "public key must be of type "+ssh.KeyAlgoSKECDSA256+", not "+pub.Type(), nil)
	}
	if cfg.Comment != "" {
		comment = cfg.Comment
	}
	uv := cfg.UserVerification
	if uv == "" {
		uv = UserVerificationPreferred
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = param.Client_HardwareAuthTimeout.GetDuration()
	}
	return &HardwareKeyIdentity{
		publicKey:     pub,
		credentialID:  append([]byte(nil), cfg.CredentialID...),
		rpID:          cfg.RelyingPartyID,
		uv:            uv,
		comment:       comment,
		timeout:       timeout,
		authenticator: authenticator,
	}, nil
}

func (h *HardwareKeyIdentity) Mode() Mode {
	return ModeHardware
}

func (h *HardwareKeyIdentity) PublicKey() ssh.PublicKey {
	return h.publicKey
}

func (h *HardwareKeyIdentity) Comment() string {
	return h.comment
}

func (h *HardwareKeyIdentity) Sign(ctx context.Context, data []byte, _ string) (*ssh.Signature, error) {
	challenge := sha256.Sum256(data)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	log.Debugf("Requesting WebAuthn assertion from authenticator for relying party %s", h.rpID)
	assertion, err := h.authenticator.GetAssertion(ctx, &AssertionRequest{
		RelyingPartyID:   h.rpID,
		CredentialID:     h.credentialID,
		Challenge:        challenge[:],
		UserVerification: h.uv,
		Timeout:          h.timeout,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Wrap(ctxErr, err.Error())
		}
		return nil, newSigningError(ModeHardware, "authenticator did not return an assertion", err)
	}
	if assertion == nil {
		return nil, newSigningError(ModeHardware, "authenticator returned an empty assertion", nil)
	}
	if assertion.Origin == "" {
		assertion.Origin = "https://" + h.rpID
	}

	sig, err := BuildWebAuthnSignature(assertion)
	if err != nil {
		return nil, newSigningError(ModeHardware, "malformed assertion", err)
	}
	if h.uv == UserVerificationRequired && sig.Rest[0]&sshwire.FlagUserVerified == 0 {
		return nil, newSigningError(ModeHardware, "authenticator did not verify the user", nil)
	}
	return sig, nil
}

// BuildWebAuthnSignature assembles the OpenSSH webauthn-sk-ecdsa signature.
// Blob holds the (mpint r, mpint s) body; Rest holds the flags byte, the
// counter, and the origin, clientDataJSON and extensions strings, so that
// ssh.Marshal of the result is the complete wire signature.
func BuildWebAuthnSignature(a *Assertion) (*ssh.Signature, error) {
	ad, err := sshwire.ParseAuthenticatorData(a.AuthenticatorData)
	if err != nil {
		return nil, err
	}
	ecdsaSig, err := sshwire.ECDSADERToSSH(a.Signature)
	if err != nil {
		return nil, err
	}

	rest := make([]byte, 0, 1+4+12+len(a.Origin)+len(a.ClientDataJSON)+len(ad.Extensions))
	rest = append(rest, ad.Flags)
	rest = sshwire.AppendUint32(rest, ad.Counter)
	rest = sshwire.AppendString(rest, []byte(a.Origin))
	rest = sshwire.AppendString(rest, a.ClientDataJSON)
	rest = sshwire.AppendString(rest, ad.Extensions)

	return &ssh.Signature{Format: WebAuthnSKECDSA, Blob: ecdsaSig, Rest: rest}, nil
}

// WebAuthnSignatureBody returns the signature without its format name: the
// length-prefixed ECDSA body followed by flags, counter, origin,
// clientDataJSON and extensions.
func WebAuthnSignatureBody(sig *ssh.Signature) []byte {
	body := sshwire.AppendString(nil, sig.Blob)
	return append(body, sig.Rest...)
}
