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

// Package sshwire contains the binary codecs used when building OpenSSH
// signatures and keys: SSH wire primitives, DER ECDSA signatures, CBOR/COSE
// keys and WebAuthn authenticator data.
package sshwire

import (
	"encoding/binary"
	"math/big"

	"github.com/hopshell/hopshell/conn_errors"
)

// CodecError reports malformed binary input.
type CodecError struct {
	Codec string
	Msg   string
	Err   error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return e.Codec + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Codec + ": " + e.Msg
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func (e *CodecError) ErrorKind() conn_errors.Kind {
	return conn_errors.KindProtocol
}

func newCodecError(codec, msg string) *CodecError {
	return &CodecError{Codec: codec, Msg: msg}
}

// AppendUint32 appends v in network byte order.
func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// AppendString appends s as an SSH string (uint32 length followed by the bytes).
func AppendString(dst, s []byte) []byte {
	dst = AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// Mpint returns the SSH mpint encoding of the unsigned big-endian integer b,
// including its length prefix.  Leading zero bytes are stripped and a single
// zero byte is re-added when the high bit of the first byte is set.
func Mpint(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) == 0 {
		return AppendUint32(nil, 0)
	}
	out := make([]byte, 0, 5+len(b))
	if b[0]&0x80 != 0 {
		out = AppendUint32(out, uint32(len(b)+1))
		out = append(out, 0)
	} else {
		out = AppendUint32(out, uint32(len(b)))
	}
	return append(out, b...)
}

// MpintBig encodes a non-negative integer as an SSH mpint.
func MpintBig(n *big.Int) []byte {
	return Mpint(n.Bytes())
}

// ReadUint32 consumes a big-endian uint32 from b.
func ReadUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, newCodecError("ssh wire", "short buffer reading uint32")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

// ReadString consumes an SSH string from b.
func ReadString(b []byte) ([]byte, []byte, error) {
	n, rest, err := ReadUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, newCodecError("ssh wire", "string length exceeds buffer")
	}
	return rest[:n], rest[n:], nil
}
