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
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ssh"
)

const keepaliveRequest = "keepalive@openssh.com"

// keepalive probes one SSH connection and closes it once maxMissed
// consecutive probes went unanswered.
type keepalive struct {
	client    *ssh.Client
	label     string
	interval  time.Duration
	maxMissed int
	last      atomic.Time
	missed    atomic.Int32
}

func newKeepalive(client *ssh.Client, label string, interval time.Duration, maxMissed int) *keepalive {
	if maxMissed < 1 {
		maxMissed = 1
	}
	k := &keepalive{client: client, label: label, interval: interval, maxMissed: maxMissed}
	k.last.Store(time.Now())
	return k
}

func (k *keepalive) run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.probe(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				missed := int(k.missed.Inc())
				log.Warnf("SSH keepalive to %s failed (%d/%d): %v", k.label, missed, k.maxMissed, err)
				if missed >= k.maxMissed {
					log.Warnf("SSH keepalive to %s missed %d times (last reply %v ago), closing connection",
						k.label, missed, time.Since(k.last.Load()).Round(time.Millisecond))
					k.client.Close()
					return
				}
				continue
			}
			k.missed.Store(0)
			k.last.Store(time.Now())
			log.Tracef("SSH keepalive to %s successful", k.label)
		}
	}
}

// probe sends one keepalive and waits at most one interval for the reply.
func (k *keepalive) probe(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := k.client.SendRequest(keepaliveRequest, true, nil)
		done <- err
	}()
	timer := time.NewTimer(k.interval)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
