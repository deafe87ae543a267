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

package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedLogsReplayedToFile(t *testing.T) {
	level := log.GetLevel()
	t.Cleanup(func() {
		CloseLogger()
		log.SetOutput(os.Stderr)
		log.SetLevel(level)
	})
	SetLevel(log.InfoLevel)

	SetupLogBuffering()
	log.Info("buffered before configuration")
	log.Debug("too verbose to keep")

	path := filepath.Join(t.TempDir(), "logs", "hopshell.log")
	require.NoError(t, FlushLogs(path))
	log.Info("written after flush")
	require.NoError(t, FlushLogs(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "buffered before configuration")
	assert.Contains(t, string(content), "written after flush")
	assert.NotContains(t, string(content), "too verbose to keep")
}
