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

package test_utils

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hopshell/hopshell/events"
)

func TestContext(ictx context.Context, t *testing.T) (ctx context.Context, cancel context.CancelFunc, egrp *errgroup.Group) {
	if deadline, ok := t.Deadline(); ok {
		ctx, cancel = context.WithDeadline(ictx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ictx)
	}
	egrp, ctx = errgroup.WithContext(ctx)
	return
}

// WriteKnownHosts writes a known_hosts file trusting every given server.
func WriteKnownHosts(t *testing.T, servers ...*SSHServer) string {
	lines := make([]string, 0, len(servers))
	for _, s := range servers {
		lines = append(lines, s.KnownHostsLine())
	}
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))
	return path
}

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// CollectUntil drains sink until pred matches an event, returning everything
// received so far (including the matching event).
func CollectUntil(t *testing.T, sink *events.ChanSink, timeout time.Duration, pred func(events.Event) bool) []events.Event {
	var got []events.Event
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-sink.Events():
			got = append(got, ev)
			if pred(ev) {
				return got
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for event; received %d events", len(got))
			return got
		}
	}
}
