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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopshell/hopshell/events"
	"github.com/hopshell/hopshell/proxysock"
	"github.com/hopshell/hopshell/tunnel"
)

func TestParseDestination(t *testing.T) {
	cases := []struct {
		in   string
		want destination
	}{
		{"alice@example.com", destination{"alice", "example.com", 0}},
		{"example.com:2222", destination{"me", "example.com", 2222}},
		{"bob@[::1]:22", destination{"bob", "::1", 22}},
		{"::1", destination{"me", "::1", 0}},
		{"[fe80::1]", destination{"me", "fe80::1", 0}},
		{"a@b@host", destination{"a@b", "host", 0}},
	}
	for _, tc := range cases {
		got, err := parseDestination(tc.in, "me")
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"alice@", "host:abc", "host:70000", "[::1]:0"} {
		_, err := parseDestination(bad, "me")
		assert.Error(t, err, bad)
	}
	_, err := parseDestination("host", "")
	assert.Error(t, err)
}

func TestParseJumpHosts(t *testing.T) {
	hops, err := parseJumpHosts("jump1, bob@jump2:2200,", "alice")
	require.NoError(t, err)
	assert.Equal(t, []destination{{"alice", "jump1", 0}, {"bob", "jump2", 2200}}, hops)

	hops, err = parseJumpHosts("", "alice")
	require.NoError(t, err)
	assert.Empty(t, hops)

	_, err = parseJumpHosts("jump1,x:y", "alice")
	assert.Error(t, err)
}

func TestConnectFlagsBuild(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "pw")
	require.NoError(t, os.WriteFile(pwFile, []byte("s3cret\r\n"), 0600))

	f := connectFlags{
		port:         2022,
		passwordFile: pwFile,
		jump:         "j1,carol@j2:2200",
		proxy:        "socks5://u:p@proxy.local:1081",
	}
	hops, target, proxyDesc, err := f.build("dave@target.local:22")
	require.NoError(t, err)

	assert.Equal(t, "target.local", target.Host)
	assert.Equal(t, 2022, target.Port)
	assert.Equal(t, "dave", target.User)
	assert.Equal(t, "s3cret", target.Auth.Password)
	assert.False(t, target.Auth.UseAgent)

	require.Len(t, hops, 2)
	assert.Equal(t, "dave", hops[0].User)
	assert.Equal(t, "j1", hops[0].Host)
	assert.Equal(t, "carol", hops[1].User)
	assert.Equal(t, 2200, hops[1].Port)
	assert.Equal(t, "s3cret", hops[1].Auth.Password)

	require.NotNil(t, proxyDesc)
	assert.Equal(t, proxysock.KindSOCKS5, proxyDesc.Kind)
	assert.Equal(t, "proxy.local", proxyDesc.Host)
	assert.Equal(t, 1081, proxyDesc.Port)
	assert.Equal(t, "u", proxyDesc.Username)
}

func TestConnectFlagsDefaultsToAgent(t *testing.T) {
	var f connectFlags
	hops, target, proxyDesc, err := f.build("erin@host")
	require.NoError(t, err)
	assert.Empty(t, hops)
	assert.Nil(t, proxyDesc)
	assert.True(t, target.Auth.UseAgent)

	f = connectFlags{identity: filepath.Join(t.TempDir(), "missing")}
	_, _, _, err = f.build("erin@host")
	assert.Error(t, err)
}

func TestConnectFlagsPassphraseSource(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, []byte("key material"), 0600))

	f := connectFlags{identity: keyFile}
	_, target, _, err := f.build("erin@host")
	require.NoError(t, err)
	assert.Equal(t, []byte("key material"), target.Auth.PrivateKey)
	assert.NotNil(t, target.Auth.PassphraseFunc)
	assert.False(t, target.Auth.UseAgent)

	f.passphraseRef = "work"
	_, target, _, err = f.build("erin@host")
	require.NoError(t, err)
	assert.Equal(t, "work", target.Auth.PassphraseRef)
	assert.Nil(t, target.Auth.PassphraseFunc)
}

func TestParseForwardSpec(t *testing.T) {
	spec, err := parseForwardSpec(tunnel.KindLocal, "8080:db.internal:5432")
	require.NoError(t, err)
	assert.Equal(t, tunnel.Spec{Kind: tunnel.KindLocal, BindPort: 8080, TargetHost: "db.internal", TargetPort: 5432}, spec)

	spec, err = parseForwardSpec(tunnel.KindRemote, "[::1]:0:[fe80::2]:22")
	require.NoError(t, err)
	assert.Equal(t, "::1", spec.BindAddress)
	assert.Equal(t, 0, spec.BindPort)
	assert.Equal(t, "fe80::2", spec.TargetHost)

	spec, err = parseForwardSpec(tunnel.KindDynamic, "0.0.0.0:1080")
	require.NoError(t, err)
	assert.Equal(t, tunnel.Spec{Kind: tunnel.KindDynamic, BindAddress: "0.0.0.0", BindPort: 1080}, spec)

	spec, err = parseForwardSpec(tunnel.KindDynamic, "1080")
	require.NoError(t, err)
	assert.Equal(t, 1080, spec.BindPort)

	for _, bad := range []string{"8080", "8080:host", "a:b:c:d:e", "8080:host:0", "x:host:22", "[::1:8080:h:1"} {
		_, err := parseForwardSpec(tunnel.KindLocal, bad)
		assert.Error(t, err, bad)
	}
	_, err = parseForwardSpec(tunnel.KindDynamic, "1:2:3")
	assert.Error(t, err)
}

func TestCollectForwardSpecs(t *testing.T) {
	defer func() { localForwards, remoteForwards, dynamicForward = nil, nil, nil }()

	_, err := collectForwardSpecs()
	assert.Error(t, err)

	localForwards = []string{"1:h:2"}
	dynamicForward = []string{"3"}
	specs, err := collectForwardSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, tunnel.KindLocal, specs[0].Kind)
	assert.Equal(t, tunnel.KindDynamic, specs[1].Kind)

	remoteForwards = []string{"bogus"}
	_, err = collectForwardSpecs()
	assert.ErrorContains(t, err, "remote")
}

func TestDecodeCOSEInput(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	raw, err := cbor.Marshal(map[int]interface{}{
		1:  2,
		3:  -7,
		-1: 1,
		-2: key.X.FillBytes(make([]byte, 32)),
		-3: key.Y.FillBytes(make([]byte, 32)),
	})
	require.NoError(t, err)

	for name, input := range map[string][]byte{
		"raw":        raw,
		"std":        []byte(base64.StdEncoding.EncodeToString(raw) + "\n"),
		"url":        []byte(base64.RawURLEncoding.EncodeToString(raw)),
		"padded url": []byte(base64.URLEncoding.EncodeToString(raw)),
	} {
		got, err := decodeCOSEInput(input)
		require.NoError(t, err, name)
		assert.Equal(t, raw, got, name)
	}

	_, err = decodeCOSEInput([]byte("  \n"))
	assert.Error(t, err)
	_, err = decodeCOSEInput([]byte("not*base64"))
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(&exitStatusError{code: 3}))
	assert.Equal(t, 1, exitCode(assert.AnError))
}

func TestHandleCLIVersion(t *testing.T) {
	assert.NoError(t, handleCLI([]string{"hopshell", "shell", "--version"}))
}

func TestChainProgress(t *testing.T) {
	var nilProgress *chainProgress
	nilProgress.update(events.Progress{HopIndex: 1, TotalHops: 1, Status: events.HopConnecting})
	nilProgress.done()

	var out bytes.Buffer
	progress := newChainProgressTo(&out)
	sink := progress.Sink()
	for _, p := range []events.Progress{
		{HopIndex: 1, TotalHops: 2, Label: "jump", Status: events.HopConnecting},
		{HopIndex: 1, TotalHops: 2, Label: "jump", Status: events.HopConnected},
		{HopIndex: 1, TotalHops: 2, Label: "jump", Status: events.HopForwarding},
		{HopIndex: 2, TotalHops: 2, Label: "target", Status: events.HopConnecting},
		{HopIndex: 2, TotalHops: 2, Label: "target", Status: events.HopConnected},
		{HopIndex: 1, TotalHops: 1, Label: "other", Status: events.HopConnecting},
		{HopIndex: 1, TotalHops: 1, Label: "other", Status: events.HopError},
	} {
		sink.ChainProgress(p)
	}
	sink.Data("ignored", []byte("x"))

	finished := make(chan struct{})
	go func() {
		progress.done()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("progress did not finish")
	}
	assert.Contains(t, out.String(), "hops")
}
