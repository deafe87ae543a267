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

package param

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	Reset()
	defer Reset()

	assert.Equal(t, 30*time.Second, Client_ConnectTimeout.GetDuration())
	assert.Equal(t, 5*time.Minute, Client_HardwareAuthTimeout.GetDuration())
	assert.Equal(t, 8*time.Millisecond, Session_FlushInterval.GetDuration())
	assert.Equal(t, 32768, Session_FlushThreshold.GetInt())
	assert.Equal(t, "xterm-256color", Session_DefaultTerm.GetString())
	assert.False(t, Client_AutoAddHostKey.GetBool())
	assert.False(t, Client_KnownHostsFile.IsSet())
}

func TestHardwareTimeoutIsLonger(t *testing.T) {
	Reset()
	defer Reset()
	assert.GreaterOrEqual(t, Client_HardwareAuthTimeout.GetDuration(), 10*Client_ConnectTimeout.GetDuration())
}

func TestDurationForms(t *testing.T) {
	Reset()
	defer Reset()

	Set("Client.ConnectTimeout", "2m")
	assert.Equal(t, 2*time.Minute, Client_ConnectTimeout.GetDuration())

	// Bare integers are seconds
	Set("Client.ConnectTimeout", 15)
	assert.Equal(t, 15*time.Second, Client_ConnectTimeout.GetDuration())

	Set("Client.ConnectTimeout", 1.5)
	assert.Equal(t, 1500*time.Millisecond, Client_ConnectTimeout.GetDuration())
}

func TestEnvOverride(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("HOPSHELL_SESSION_FLUSHTHRESHOLD", "4096")
	BindAllParameters(viper.GetViper())
	assert.Equal(t, 4096, Session_FlushThreshold.GetInt())
	assert.Equal(t, "HOPSHELL_SESSION_FLUSHTHRESHOLD", Session_FlushThreshold.GetEnvVarName())
	assert.Equal(t, "Session.FlushThreshold", Session_FlushThreshold.GetName())
}

func TestByteSizeParam(t *testing.T) {
	Reset()
	defer Reset()

	Set("Session.FlushThreshold", "64KiB")
	assert.Equal(t, 64*1024, Session_FlushThreshold.GetInt())
	Set("Session.FlushThreshold", "1MB")
	assert.Equal(t, 1000*1000, Session_FlushThreshold.GetInt())
	Set("Session.FlushThreshold", 512)
	assert.Equal(t, 512, Session_FlushThreshold.GetInt())
	Set("Session.FlushThreshold", "lots")
	assert.Equal(t, 32*1024, Session_FlushThreshold.GetInt())
}
