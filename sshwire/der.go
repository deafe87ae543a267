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
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// ParseECDSASignatureDER extracts (r, s) from an ASN.1 DER
// SEQUENCE { INTEGER r, INTEGER s } as produced by authenticators and by
// ecdsa.SignASN1.  Any bytes after the sequence are rejected.
func ParseECDSASignatureDER(der []byte) (r, s *big.Int, err error) {
	input := cryptobyte.String(der)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) {
		return nil, nil, newCodecError("der", "malformed ECDSA signature sequence")
	}
	if !input.Empty() {
		return nil, nil, newCodecError("der", "trailing bytes after ECDSA signature")
	}

	r, s = new(big.Int), new(big.Int)
	if !inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) {
		return nil, nil, newCodecError("der", "malformed ECDSA signature integer")
	}
	if !inner.Empty() {
		return nil, nil, newCodecError("der", "trailing bytes inside ECDSA signature")
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return nil, nil, newCodecError("der", "ECDSA signature integers must be positive")
	}
	return r, s, nil
}

// ECDSASignatureBlob is the SSH encoding of an ECDSA signature body:
// mpint r followed by mpint s.
func ECDSASignatureBlob(r, s *big.Int) []byte {
	blob := MpintBig(r)
	return append(blob, MpintBig(s)...)
}

// ECDSADERToSSH converts a DER ECDSA signature into the SSH signature body.
func ECDSADERToSSH(der []byte) ([]byte, error) {
	r, s, err := ParseECDSASignatureDER(der)
	if err != nil {
		return nil, err
	}
	return ECDSASignatureBlob(r, s), nil
}
