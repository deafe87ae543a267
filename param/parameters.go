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
	"time"

	"github.com/spf13/viper"
)

var (
	Bridge_ListenAddress = StringParam{"Bridge.ListenAddress"}

	Client_AutoAddHostKey      = BoolParam{"Client.AutoAddHostKey"}
	Client_ConnectTimeout      = DurationParam{"Client.ConnectTimeout"}
	Client_HardwareAuthTimeout = DurationParam{"Client.HardwareAuthTimeout"}
	Client_KeepaliveInterval   = DurationParam{"Client.KeepaliveInterval"}
	Client_KeepaliveMaxMissed  = IntParam{"Client.KeepaliveMaxMissed"}
	Client_KnownHostsFile      = StringParam{"Client.KnownHostsFile"}

	Debug = BoolParam{"Debug"}

	Logging_Level       = StringParam{"Logging.Level"}
	Logging_LogLocation = StringParam{"Logging.LogLocation"}

	Session_DefaultTerm    = StringParam{"Session.DefaultTerm"}
	Session_FlushInterval  = DurationParam{"Session.FlushInterval"}
	Session_FlushThreshold = ByteSizeParam{"Session.FlushThreshold"}

	Tunnel_DialTimeout = DurationParam{"Tunnel.DialTimeout"}
)

var allParameterNames = []string{
	"Bridge.ListenAddress",
	"Client.AutoAddHostKey",
	"Client.ConnectTimeout",
	"Client.HardwareAuthTimeout",
	"Client.KeepaliveInterval",
	"Client.KeepaliveMaxMissed",
	"Client.KnownHostsFile",
	"Debug",
	"Logging.Level",
	"Logging.LogLocation",
	"Session.DefaultTerm",
	"Session.FlushInterval",
	"Session.FlushThreshold",
	"Tunnel.DialTimeout",
}

// Client.KnownHostsFile has no static default; config.InitConfig derives it
// from the user's home directory.
var defaults = map[string]interface{}{
	"Bridge.ListenAddress":       "127.0.0.1:0",
	"Client.AutoAddHostKey":      false,
	"Client.ConnectTimeout":      30 * time.Second,
	"Client.HardwareAuthTimeout": 5 * time.Minute,
	"Client.KeepaliveInterval":   30 * time.Second,
	"Client.KeepaliveMaxMissed":  3,
	"Debug":                      false,
	"Logging.Level":              "info",
	"Logging.LogLocation":        "",
	"Session.DefaultTerm":        "xterm-256color",
	"Session.FlushInterval":      8 * time.Millisecond,
	"Session.FlushThreshold":     32 * 1024,
	"Tunnel.DialTimeout":         10 * time.Second,
}

func init() {
	// Packages used as a library (without config.InitConfig) still see sane values.
	SetDefaults(viper.GetViper())
}
