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
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hopshell/hopshell/config"
)

var (
	keyringCmd = &cobra.Command{
		Use:   "keyring",
		Short: "Manage stored key passphrases",
	}

	keyringAddCmd = &cobra.Command{
		Use:   "add <name>",
		Short: "Store a key passphrase for use with --passphrase-ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := promptSecret(fmt.Sprintf("Passphrase to store as '%s': ", args[0]))
			if err != nil {
				return err
			}
			if len(secret) == 0 {
				return errors.New("refusing to store an empty passphrase")
			}
			return config.NewCredentialStore().Store(args[0], secret)
		},
	}
)

func init() {
	keyringCmd.AddCommand(keyringAddCmd)
}
