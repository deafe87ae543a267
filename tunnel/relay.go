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

package tunnel

import (
	"io"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/hopshell/hopshell/metrics"
)

type closeWriter interface {
	CloseWrite() error
}

// countingWriter tallies bytes written into a tunnel counter and the
// matching metric.
type countingWriter struct {
	w       io.Writer
	counter *atomic.Int64
	kind    string
	dir     string
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.counter.Add(int64(n))
	metrics.TunnelBytesTotal.WithLabelValues(c.kind, c.dir).Add(float64(n))
	return n, err
}

// relay copies in both directions until both sides are done, half-closing
// each destination when its source reaches EOF, then closes both.
func (t *Tunnel) relay(local, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	kind := string(t.Spec.Kind)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&countingWriter{w: remote, counter: &t.bytesOut, kind: kind, dir: metrics.DirectionOut}, local)
		if cw, ok := remote.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			remote.Close()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&countingWriter{w: local, counter: &t.bytesIn, kind: kind, dir: metrics.DirectionIn}, remote)
		if cw, ok := local.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			local.Close()
		}
	}()
	wg.Wait()
	local.Close()
	remote.Close()
}
