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
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopshell/hopshell/param"
)

func resetConfig(t *testing.T) {
	viper.Reset()
	level := log.GetLevel()
	t.Cleanup(func() {
		param.Reset()
		log.SetLevel(level)
	})
}

func TestInitConfigFromFileAndEnv(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "hopshell.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
Client:
  ConnectTimeout: 5s
  KnownHostsFile: /tmp/hopshell_known_hosts
Session:
  FlushThreshold: 1024
Logging:
  Level: warn
`), 0600))
	t.Setenv("HOPSHELL_SESSION_FLUSHINTERVAL", "20ms")

	require.NoError(t, InitConfig(file))
	assert.Equal(t, 5*time.Second, param.Client_ConnectTimeout.GetDuration())
	assert.Equal(t, 1024, param.Session_FlushThreshold.GetInt())
	assert.Equal(t, 20*time.Millisecond, param.Session_FlushInterval.GetDuration())
	assert.Equal(t, "/tmp/hopshell_known_hosts", param.Client_KnownHostsFile.GetString())
	assert.Equal(t, 10*time.Second, param.Tunnel_DialTimeout.GetDuration())
	assert.Equal(t, log.WarnLevel, log.GetLevel())
}

func TestInitConfigDefaults(t *testing.T) {
	resetConfig(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOPSHELL_DEBUG", "true")

	require.NoError(t, InitConfig(""))
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "known_hosts"), param.Client_KnownHostsFile.GetString())
	assert.Equal(t, "xterm-256color", param.Session_DefaultTerm.GetString())
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestInitConfigErrors(t *testing.T) {
	resetConfig(t)
	assert.Error(t, InitConfig(filepath.Join(t.TempDir(), "missing.yaml")))

	resetConfig(t)
	t.Setenv("HOPSHELL_LOGGING_LEVEL", "chatty")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	assert.Error(t, InitConfig(""))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ExpandHome("~/.ssh/id_ed25519")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), got)

	got, err = ExpandHome("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", got)
}
