//go:build linux && amd64

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

package config

import (
	"context"

	"github.com/jsipprell/keyctl"
	"github.com/pkg/errors"
)

// KeyringStore keeps passphrases in the kernel session keyring, where they
// survive across invocations for the lifetime of the login session.
type KeyringStore struct{}

func NewCredentialStore() CredentialStore {
	return KeyringStore{}
}

func (KeyringStore) Passphrase(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyring, err := keyctl.SessionKeyring()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open the session keyring")
	}
	key, err := keyring.Search(keyringName(ref))
	if err != nil {
		return nil, errors.Wrapf(err, "no passphrase stored as %q", ref)
	}
	return key.Get()
}

func (KeyringStore) Store(ref string, secret []byte) error {
	keyring, err := keyctl.SessionKeyring()
	if err != nil {
		return errors.Wrap(err, "failed to open the session keyring")
	}
	key, err := keyring.Add(keyringName(ref), secret)
	if err != nil {
		return errors.Wrapf(err, "failed to store %q", ref)
	}
	// Unencrypted secrets stay in kernel memory for about a day.
	return key.ExpireAfter(uint(keyringTTL.Seconds()))
}
