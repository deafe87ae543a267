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

package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/hopshell/hopshell/sshwire"
)

var (
	hwkeyRPID    string
	hwkeyComment string

	hwkeyCmd = &cobra.Command{
		Use:   "hwkey",
		Short: "Utilities for hardware-backed keys",
	}

	coseToSSHCmd = &cobra.Command{
		Use:   "cose-to-ssh <cose-key-file>",
		Short: "Print the authorized_keys line for a WebAuthn credential public key",
		Long: `Convert the COSE public key of a WebAuthn credential into an OpenSSH
sk-ecdsa-sha2-nistp256@openssh.com key.  The file may hold the raw CBOR key
or its base64 or base64url text.`,
		Args: cobra.ExactArgs(1),
		RunE: runCoseToSSH,
	}
)

func init() {
	coseToSSHCmd.Flags().StringVar(&hwkeyRPID, "rp-id", "", "Relying party ID the credential was created for")
	coseToSSHCmd.Flags().StringVar(&hwkeyComment, "comment", "", "Comment appended to the key")
	if err := coseToSSHCmd.MarkFlagRequired("rp-id"); err != nil {
		panic(err)
	}
	hwkeyCmd.AddCommand(coseToSSHCmd)
}

// decodeCOSEInput accepts raw CBOR or base64 text in either alphabet.
func decodeCOSEInput(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, errors.New("empty key")
	}
	// A CBOR map header has the top three bits set to major type 5.
	if data[0]>>5 == 5 {
		return data, nil
	}
	text = strings.TrimRight(text, "=")
	if decoded, err := base64.RawStdEncoding.DecodeString(text); err == nil {
		return decoded, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return nil, errors.New("key is neither CBOR nor base64")
	}
	return decoded, nil
}

func runCoseToSSH(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", args[0])
	}
	raw, err := decodeCOSEInput(data)
	if err != nil {
		return err
	}
	pub, err := sshwire.COSEKeyToSKECDSA(raw, hwkeyRPID)
	if err != nil {
		return err
	}
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))
	if hwkeyComment != "" {
		line = append(line, ' ')
		line = append(line, hwkeyComment...)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(line))
	return nil
}
