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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	secret := []byte("open sesame")
	require.NoError(t, store.Store("work", secret))
	secret[0] = 'X'

	got, err := store.Passphrase(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "open sesame", string(got))

	got[0] = 'Y'
	again, err := store.Passphrase(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "open sesame", string(again))

	_, err = store.Passphrase(context.Background(), "home")
	assert.ErrorContains(t, err, "home")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Passphrase(ctx, "work")
	assert.ErrorIs(t, err, context.Canceled)
}
