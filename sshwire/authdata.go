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
	"encoding/binary"
)

// WebAuthn authenticator data flags.
const (
	FlagUserPresent   byte = 0x01
	FlagUserVerified  byte = 0x04
	FlagAttestedData  byte = 0x40
	FlagExtensionData byte = 0x80

	authDataMinLength = 37
)

// AuthenticatorData is the parsed form of a WebAuthn assertion's
// authenticatorData: 32-byte RP id hash, flags, signature counter and
// optional extensions.
type AuthenticatorData struct {
	RPIDHash   []byte
	Flags      byte
	Counter    uint32
	Extensions []byte
}

func ParseAuthenticatorData(b []byte) (*AuthenticatorData, error) {
	if len(b) < authDataMinLength {
		return nil, newCodecError("authenticator data", "too short")
	}
	ad := &AuthenticatorData{
		RPIDHash:   b[:32],
		Flags:      b[32],
		Counter:    binary.BigEndian.Uint32(b[33:37]),
		Extensions: []byte{},
	}
	if ad.Flags&FlagExtensionData != 0 {
		ad.Extensions = b[authDataMinLength:]
	}
	return ad, nil
}

func (ad *AuthenticatorData) UserPresent() bool {
	return ad.Flags&FlagUserPresent != 0
}

func (ad *AuthenticatorData) UserVerified() bool {
	return ad.Flags&FlagUserVerified != 0
}
