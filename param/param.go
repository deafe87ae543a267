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

// Package param exposes typed accessors for every configuration key known to
// hopshell.  Values are read from viper's global instance.
package param

import (
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type (
	StringParam struct {
		name string
	}

	BoolParam struct {
		name string
	}

	IntParam struct {
		name string
	}

	DurationParam struct {
		name string
	}

	// ByteSizeParam holds a byte count, given either as a bare integer or
	// with a unit ("32KiB", "1MB").
	ByteSizeParam struct {
		name string
	}
)

const envPrefix = "HOPSHELL"

// paramNameToEnvVar converts a parameter name (e.g., "Session.FlushInterval")
// to its environment variable (e.g., "HOPSHELL_SESSION_FLUSHINTERVAL").
func paramNameToEnvVar(paramName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(paramName, ".", "_"))
}

// BindAllParameters binds all known configuration keys to environment
// variables so that env-only overrides are visible to AllSettings().
func BindAllParameters(v *viper.Viper) {
	if v == nil {
		return
	}
	for _, key := range allParameterNames {
		_ = v.BindEnv(key, paramNameToEnvVar(key))
	}
}

// SetDefaults installs the default value of every parameter into v.
func SetDefaults(v *viper.Viper) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// Set updates a single configuration key on the global viper instance.
func Set(key string, value interface{}) {
	viper.Set(key, value)
}

// Reset clears the global viper instance and reinstalls the defaults; it is
// intended for tests.
func Reset() {
	viper.Reset()
	SetDefaults(viper.GetViper())
}

func (sP StringParam) GetString() string {
	return viper.GetString(sP.name)
}

func (sP StringParam) GetName() string {
	return sP.name
}

func (sP StringParam) IsSet() bool {
	return viper.IsSet(sP.name)
}

func (sP StringParam) GetEnvVarName() string {
	return paramNameToEnvVar(sP.name)
}

func (bP BoolParam) GetBool() bool {
	return viper.GetBool(bP.name)
}

func (bP BoolParam) GetName() string {
	return bP.name
}

func (bP BoolParam) IsSet() bool {
	return viper.IsSet(bP.name)
}

func (bP BoolParam) GetEnvVarName() string {
	return paramNameToEnvVar(bP.name)
}

func (iP IntParam) GetInt() int {
	return viper.GetInt(iP.name)
}

func (iP IntParam) GetName() string {
	return iP.name
}

func (iP IntParam) IsSet() bool {
	return viper.IsSet(iP.name)
}

func (iP IntParam) GetEnvVarName() string {
	return paramNameToEnvVar(iP.name)
}

// GetDuration accepts either a duration string ("8ms") or a bare integer,
// which is interpreted as seconds.
func (dP DurationParam) GetDuration() time.Duration {
	raw := viper.Get(dP.name)
	switch val := raw.(type) {
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	}
	return viper.GetDuration(dP.name)
}

func (dP DurationParam) GetName() string {
	return dP.name
}

func (dP DurationParam) IsSet() bool {
	return viper.IsSet(dP.name)
}

func (dP DurationParam) GetEnvVarName() string {
	return paramNameToEnvVar(dP.name)
}

// GetInt returns the size in bytes.  An unparseable value is logged and
// replaced by the default.
func (bP ByteSizeParam) GetInt() int {
	raw := strings.TrimSpace(viper.GetString(bP.name))
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	n, err := units.ParseStrictBytes(raw)
	if err != nil {
		log.Warningf("Invalid size %q for %s: %v", raw, bP.name, err)
		if def, ok := defaults[bP.name].(int); ok {
			return def
		}
		return 0
	}
	return int(n)
}

func (bP ByteSizeParam) GetName() string {
	return bP.name
}

func (bP ByteSizeParam) IsSet() bool {
	return viper.IsSet(bP.name)
}

func (bP ByteSizeParam) GetEnvVarName() string {
	return paramNameToEnvVar(bP.name)
}

// ParameterNames lists every known configuration key.
func ParameterNames() []string {
	return append([]string(nil), allParameterNames...)
}
