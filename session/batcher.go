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

package session

import (
	"io"
	"sync"
	"time"

	"github.com/hopshell/hopshell/metrics"
)

// batcher coalesces output into data events.  Bytes are buffered until the
// flush interval has passed since the first unflushed write, or until the
// buffer reaches the threshold, whichever comes first.  Chunks are handed to
// emit from a single goroutine in the order they were written.
type batcher struct {
	interval  time.Duration
	threshold int

	mu     sync.Mutex
	buf    []byte
	timer  *time.Timer
	closed bool

	out  chan []byte
	done chan struct{}
}

func newBatcher(interval time.Duration, threshold int, emit func([]byte)) *batcher {
	b := &batcher{
		interval:  interval,
		threshold: threshold,
		out:       make(chan []byte, 16),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		for chunk := range b.out {
			metrics.SessionFlushesTotal.Inc()
			emit(chunk)
		}
	}()
	return b
}

func (b *batcher) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.buf = append(b.buf, p...)
	if b.threshold > 0 && len(b.buf) >= b.threshold {
		b.flushLocked()
		return len(p), nil
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	}
	return len(p), nil
}

func (b *batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked()
}

// flushLocked hands the buffer to the emitter; b.mu must be held.
func (b *batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		return
	}
	b.out <- b.buf
	b.buf = nil
}

// Close flushes what is left and waits until every chunk has been emitted.
func (b *batcher) Close() {
	b.mu.Lock()
	if !b.closed {
		b.flushLocked()
		b.closed = true
		close(b.out)
	}
	b.mu.Unlock()
	<-b.done
}
