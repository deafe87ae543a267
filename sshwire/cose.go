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

package sshwire

import (
	"crypto/ecdh"

	"golang.org/x/crypto/ssh"
)

// COSE key parameters (RFC 8152 section 13) used by WebAuthn credentials.
const (
	coseKeyKty = 1
	coseKeyAlg = 3
	coseKeyCrv = -1
	coseKeyX   = -2
	coseKeyY   = -3

	coseKtyEC2      = 2
	coseCrvP256     = 1
	coseAlgES256    = -7
	p256CoordLength = 32

	// SKECDSACurveName is the curve identifier inside an sk-ecdsa key blob.
	SKECDSACurveName = "nistp256"
)

// EC2Key is a P-256 public key extracted from a COSE_Key.
type EC2Key struct {
	X []byte
	Y []byte
}

// Uncompressed returns the SEC1 uncompressed point 0x04||X||Y.
func (k *EC2Key) Uncompressed() []byte {
	point := make([]byte, 0, 1+2*p256CoordLength)
	point = append(point, 0x04)
	point = append(point, k.X...)
	return append(point, k.Y...)
}

// ParseCOSEKey decodes a CBOR COSE_Key and checks that it is an ES256 P-256
// EC2 key whose point lies on the curve.
func ParseCOSEKey(b []byte) (*EC2Key, error) {
	v, err := DecodeCBOR(b)
	if err != nil {
		return nil, err
	}
	if v.Kind != CBORMap {
		return nil, newCodecError("cose", "COSE key is not a map")
	}

	kty, ok := v.Lookup(coseKeyKty)
	if n, isInt := kty.AsInt(); !ok || !isInt || n != coseKtyEC2 {
		return nil, newCodecError("cose", "COSE key type is not EC2")
	}
	crv, ok := v.Lookup(coseKeyCrv)
	if n, isInt := crv.AsInt(); !ok || !isInt || n != coseCrvP256 {
		return nil, newCodecError("cose", "COSE key curve is not P-256")
	}
	if alg, ok := v.Lookup(coseKeyAlg); ok {
		if n, isInt := alg.AsInt(); !isInt || n != coseAlgES256 {
			return nil, newCodecError("cose", "COSE key algorithm is not ES256")
		}
	}

	x, ok := v.Lookup(coseKeyX)
	if !ok || x.Kind != CBORBytes || len(x.Bytes) != p256CoordLength {
		return nil, newCodecError("cose", "COSE key x coordinate missing or malformed")
	}
	y, ok := v.Lookup(coseKeyY)
	if !ok || y.Kind != CBORBytes || len(y.Bytes) != p256CoordLength {
		return nil, newCodecError("cose", "COSE key y coordinate missing or malformed")
	}

	key := &EC2Key{X: x.Bytes, Y: y.Bytes}
	if _, err := ecdh.P256().NewPublicKey(key.Uncompressed()); err != nil {
		return nil, &CodecError{Codec: "cose", Msg: "point is not on P-256", Err: err}
	}
	return key, nil
}

// SKECDSAPublicKeyBlob builds the wire encoding of an
// sk-ecdsa-sha2-nistp256@openssh.com public key for the given relying party.
func SKECDSAPublicKeyBlob(key *EC2Key, application string) []byte {
	return ssh.Marshal(struct {
		Name        string
		Curve       string
		Point       []byte
		Application string
	}{ssh.KeyAlgoSKECDSA256, SKECDSACurveName, key.Uncompressed(), application})
}

// COSEKeyToSKECDSA converts a WebAuthn credential public key into an OpenSSH
// security-key public key.
func COSEKeyToSKECDSA(coseKey []byte, application string) (ssh.PublicKey, error) {
	key, err := ParseCOSEKey(coseKey)
	if err != nil {
		return nil, err
	}
	pub, err := ssh.ParsePublicKey(SKECDSAPublicKeyBlob(key, application))
	if err != nil {
		return nil, &CodecError{Codec: "cose", Msg: "invalid sk-ecdsa key", Err: err}
	}
	return pub, nil
}
