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
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/hopshell/hopshell/param"
)

// validateConfigKeys returns the keys set in the config file or through
// HOPSHELL_* environment variables that hopshell does not recognize.
func validateConfigKeys() []string {
	known := make(map[string]bool)
	for _, name := range param.ParameterNames() {
		known[strings.ToLower(name)] = true
	}

	keys := viper.AllKeys()
	// Env-only settings do not show up in AllKeys until something reads them.
	prefix := strings.ToUpper(configName) + "_"
	for _, env := range os.Environ() {
		name := strings.SplitN(env, "=", 2)[0]
		if !strings.HasPrefix(name, prefix) || name == configEnvFile {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		keys = append(keys, strings.ReplaceAll(key, "_", "."))
	}

	seen := make(map[string]bool)
	var unknown []string
	for _, key := range keys {
		if known[key] || seen[key] {
			continue
		}
		seen[key] = true
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return unknown
}
