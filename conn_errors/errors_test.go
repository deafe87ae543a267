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

package conn_errors

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/ssh"
)

type fakeKinded struct{}

func (fakeKinded) Error() string   { return "custom" }
func (fakeKinded) ErrorKind() Kind { return KindProtocol }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"cancelled", errors.Wrap(context.Canceled, "dialing"), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, KindNetwork},
		{"reset", errors.Wrap(syscall.ECONNRESET, "read"), KindNetwork},
		{"ssh auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"), KindAuthentication},
		{"no common algorithm", errors.New("ssh: handshake failed: ssh: no common algorithm for key exchange"), KindProtocol},
		{"passphrase missing", &ssh.PassphraseMissingError{}, KindConfiguration},
		{"typed", errors.Wrap(fakeKinded{}, "outer"), KindProtocol},
		{"already classified", New(KindConfiguration, "connect", "a", errors.New("x")), KindConfiguration},
		{"unknown text", errors.New("something odd"), KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := errors.Wrap(New(KindAuthentication, "connect", "bastion", errors.New("denied")), "hop 1")
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.True(t, IsAuthentication(err))
	assert.False(t, IsCancelled(err))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "connect", "h"))

	wrapped := Wrap(syscall.ECONNREFUSED, "connect", "example.com")
	assert.Equal(t, KindNetwork, wrapped.Kind)
	assert.Equal(t, "network error during connect to example.com: connection refused", wrapped.Error())
	assert.Equal(t, "connection refused", wrapped.Message())

	orig := New(KindProtocol, "", "", errors.New("bad DER"))
	again := Wrap(errors.Wrap(orig, "signing"), "sign", "host")
	assert.Same(t, orig, again)
	assert.Equal(t, "sign", again.Op)
	assert.Equal(t, "host", again.Host)
}

func TestNewConfiguration(t *testing.T) {
	err := NewConfiguration("connect", "jump1", "hop %d has no auth material", 2)
	assert.Equal(t, KindConfiguration, Classify(err))
	assert.Contains(t, err.Error(), "hop 2 has no auth material")
	assert.Equal(t, "configuration", KindConfiguration.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
