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

// Package config loads hopshell's configuration into viper and sets up
// logging to match it.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/hopshell/hopshell/logging"
	"github.com/hopshell/hopshell/param"
)

const (
	configName    = "hopshell"
	configEnvFile = "HOPSHELL_CONFIG"
)

// ConfigDir returns the directory searched for hopshell.yaml.
func ConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to locate user config directory")
	}
	return filepath.Join(dir, configName), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// InitConfig reads configuration from, in increasing precedence: built-in
// defaults, the config file, HOPSHELL_* environment variables and flags
// already bound to viper.  configFile overrides the search path; an explicit
// file that does not exist is an error, a missing default file is not.
func InitConfig(configFile string) error {
	v := viper.GetViper()
	param.SetDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	param.BindAllParameters(v)

	if configFile == "" {
		configFile = os.Getenv(configEnvFile)
	}
	if configFile != "" {
		expanded, err := ExpandHome(configFile)
		if err != nil {
			return err
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", expanded)
		}
	} else {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return errors.Wrap(err, "failed to read config file")
			}
		}
	}

	if known := param.Client_KnownHostsFile.GetString(); known != "" {
		expanded, err := ExpandHome(known)
		if err != nil {
			return err
		}
		v.Set(param.Client_KnownHostsFile.GetName(), expanded)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get home directory")
		}
		v.SetDefault(param.Client_KnownHostsFile.GetName(), filepath.Join(home, ".ssh", "known_hosts"))
	}

	if err := setLogLevel(); err != nil {
		return err
	}
	for _, key := range validateConfigKeys() {
		log.Warningf("Unknown configuration key %q is ignored", key)
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Debugf("Loaded configuration from %s", used)
	}
	return nil
}

func setLogLevel() error {
	if param.Debug.GetBool() {
		logging.SetLevel(log.DebugLevel)
		return nil
	}
	level, err := log.ParseLevel(param.Logging_Level.GetString())
	if err != nil {
		return errors.Wrapf(err, "invalid %s", param.Logging_Level.GetName())
	}
	logging.SetLevel(level)
	return nil
}
