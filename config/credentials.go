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
	"sync"
	"time"

	"github.com/pkg/errors"
)

const keyringTTL = 100000 * time.Second

// CredentialStore holds key passphrases by reference name.
type CredentialStore interface {
	Passphrase(ctx context.Context, ref string) ([]byte, error)
	Store(ref string, secret []byte) error
}

// MemoryStore is a process-local CredentialStore.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func keyringName(ref string) string {
	return "hopshell:" + ref
}

func (m *MemoryStore) Passphrase(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[keyringName(ref)]
	if !ok {
		return nil, errors.Errorf("no passphrase stored as %q", ref)
	}
	return append([]byte(nil), secret...), nil
}

func (m *MemoryStore) Store(ref string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[keyringName(ref)] = append([]byte(nil), secret...)
	return nil
}
