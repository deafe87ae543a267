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

package chain

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hopshell/hopshell/param"
)

const hostKeyAlgorithmTTL = 5 * time.Minute

// HostKeyVerifier checks server host keys against a known_hosts file and
// optionally records keys of hosts it has not seen before.
type HostKeyVerifier struct {
	path    string
	autoAdd bool

	mu         sync.Mutex
	algorithms *ttlcache.Cache[string, []string]
}

func NewHostKeyVerifier(path string, autoAdd bool) *HostKeyVerifier {
	return &HostKeyVerifier{
		path:    path,
		autoAdd: autoAdd,
		algorithms: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](hostKeyAlgorithmTTL),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
	}
}

// NewHostKeyVerifierFromConfig uses Client.KnownHostsFile, falling back to
// ~/.ssh/known_hosts, and Client.AutoAddHostKey.
func NewHostKeyVerifierFromConfig() (*HostKeyVerifier, error) {
	path := param.Client_KnownHostsFile.GetString()
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(homeDir, ".ssh", "known_hosts")
	}
	return NewHostKeyVerifier(path, param.Client_AutoAddHostKey.GetBool()), nil
}

func (v *HostKeyVerifier) Path() string {
	return v.path
}

// Callback returns a host key callback reflecting the current file contents.
func (v *HostKeyVerifier) Callback() (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(v.path); os.IsNotExist(err) {
		log.Warnf("Known hosts file %s does not exist; creating empty file", v.path)
		if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create known_hosts directory")
		}
		if err := os.WriteFile(v.path, []byte{}, 0600); err != nil {
			return nil, errors.Wrap(err, "failed to create known_hosts file")
		}
	}

	callback, err := knownhosts.New(v.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse known_hosts file")
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Debugf("Verifying host key for %s (key type: %s)", hostname, key.Type())
		err := callback(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			log.Errorf("SSH host key mismatch for %s", hostname)
			log.Errorf("  Normalized hostname: %q", knownhosts.Normalize(hostname))
			log.Errorf("  Server offered key type: %s", key.Type())
			log.Errorf("  Server offered fingerprint: %s", ssh.FingerprintSHA256(key))
			log.Errorf("  Known hosts file: %s", v.path)
			for i, want := range keyErr.Want {
				log.Errorf("    #%d: %s:%d type=%s fingerprint=%s",
					i+1, want.Filename, want.Line, want.Key.Type(), ssh.FingerprintSHA256(want.Key))
			}
			return errors.Wrapf(err, "host key verification failed for %s: host key has changed", hostname)
		}
		if !v.autoAdd {
			log.Errorf("SSH host %s is not in known_hosts file. Key fingerprint: %s",
				hostname, ssh.FingerprintSHA256(key))
			log.Errorf("Add it with: ssh-keyscan -p <port> <host> >> %s, or set Client.AutoAddHostKey", v.path)
			return errors.Wrapf(err, "host %s is not in known_hosts file", hostname)
		}
		log.Warnf("SSH host %s is not in known_hosts file but Client.AutoAddHostKey is enabled. Key fingerprint: %s",
			hostname, ssh.FingerprintSHA256(key))
		if appendErr := v.appendKey(hostname, key); appendErr != nil {
			return errors.Wrap(appendErr, "failed to add host key to known_hosts")
		}
		log.Infof("Added host key for %s to known_hosts file", hostname)
		return nil
	}, nil
}

func (v *HostKeyVerifier) appendKey(hostname string, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to open known_hosts file")
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err, "failed to write to known_hosts file")
	}
	v.algorithms.Delete(knownhosts.Normalize(hostname))
	return nil
}

// PreferredAlgorithms lists host key algorithms for which known_hosts already
// holds a key for host:port, so that the server is asked for a key we can
// verify.  Hashed entries and marker lines are not considered.
func (v *HostKeyVerifier) PreferredAlgorithms(host string, port int) []string {
	addr := host
	if port != 0 && port != 22 {
		addr = fmt.Sprintf("[%s]:%d", host, port)
	}
	normalizedHost := knownhosts.Normalize(addr)

	if item := v.algorithms.Get(normalizedHost); item != nil {
		return item.Value()
	}

	algorithms := v.scanAlgorithms(host, normalizedHost)
	v.algorithms.Set(normalizedHost, algorithms, ttlcache.DefaultTTL)
	return algorithms
}

func (v *HostKeyVerifier) scanAlgorithms(host, normalizedHost string) []string {
	file, err := os.Open(v.path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var preferred []string
	seen := make(map[string]bool)
	add := func(algo string) {
		if !seen[algo] {
			seen[algo] = true
			preferred = append(preferred, algo)
		}
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "@") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		keyType := fields[1]
		for _, pattern := range strings.Split(fields[0], ",") {
			pattern = strings.TrimSpace(pattern)
			if strings.HasPrefix(pattern, "|1|") {
				continue
			}
			normalized := knownhosts.Normalize(pattern)
			if normalized != normalizedHost && normalized != host {
				continue
			}
			log.Debugf("Found known host key algorithm for %s: %s", host, keyType)
			if keyType == ssh.KeyAlgoRSA {
				add(ssh.KeyAlgoRSASHA512)
				add(ssh.KeyAlgoRSASHA256)
			}
			add(keyType)
		}
	}
	return preferred
}
