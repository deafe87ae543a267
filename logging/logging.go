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

// Package logging configures logrus for hopshell.  Log entries produced
// before the configuration is read are buffered and replayed once the
// destination is known.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

type bufferedLogHook struct {
	mu      sync.Mutex
	entries []*log.Entry
	flushed atomic.Bool
}

var (
	bufferedHook atomic.Pointer[bufferedLogHook]
	logFile      *os.File
)

func (hook *bufferedLogHook) Fire(entry *log.Entry) error {
	if hook.flushed.Load() {
		return nil
	}
	hook.mu.Lock()
	hook.entries = append(hook.entries, entry)
	hook.mu.Unlock()
	return nil
}

func (hook *bufferedLogHook) Levels() []log.Level {
	return log.AllLevels
}

// SetupLogBuffering holds log output until FlushLogs is called.
func SetupLogBuffering() {
	log.SetOutput(io.Discard)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})

	hook := &bufferedLogHook{}
	if bufferedHook.CompareAndSwap(nil, hook) {
		log.AddHook(hook)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// FlushLogs directs logging to location (stderr when empty) and replays
// anything buffered since SetupLogBuffering.  Calling it again only changes
// the destination.
func FlushLogs(location string) error {
	var out io.Writer = os.Stderr
	if location != "" {
		if err := os.MkdirAll(filepath.Dir(location), 0750); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
		f, err := os.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return errors.Wrap(err, "failed to open log file")
		}
		if logFile != nil {
			_ = logFile.Close()
		}
		logFile = f
		out = f
	}
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:          true,
		ForceColors:            isTerminal(out),
		DisableColors:          !isTerminal(out),
		DisableLevelTruncation: true,
	})

	hook := bufferedHook.Swap(nil)
	if hook == nil || hook.flushed.Swap(true) {
		return nil
	}
	hook.mu.Lock()
	entries := hook.entries
	hook.entries = nil
	hook.mu.Unlock()
	for _, entry := range entries {
		if !log.IsLevelEnabled(entry.Level) {
			continue
		}
		if formatted, err := entry.String(); err == nil {
			_, _ = io.WriteString(out, formatted)
		}
	}
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	return nil
}

func SetLevel(level log.Level) {
	log.SetLevel(level)
}

// CloseLogger closes the log file opened by FlushLogs, if any.
func CloseLogger() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
