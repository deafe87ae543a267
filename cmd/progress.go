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

package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/atomic"
	"golang.org/x/term"

	"github.com/hopshell/hopshell/events"
)

// chainProgress draws a bar on stderr while a chain is being built.
type chainProgress struct {
	p *mpb.Progress

	// label is read by the render goroutine.
	label atomic.String

	mu       sync.Mutex
	bar      *mpb.Bar
	finished bool
}

// newChainProgress returns nil when stderr is not a terminal; a nil
// chainProgress ignores every call.
func newChainProgress() *chainProgress {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return newChainProgressTo(os.Stderr)
}

func newChainProgressTo(out io.Writer) *chainProgress {
	return &chainProgress{p: mpb.New(mpb.WithOutput(out), mpb.WithWidth(30))}
}

func (c *chainProgress) currentLabel(decor.Statistics) string {
	return c.label.Load()
}

func (c *chainProgress) update(p events.Progress) {
	if c == nil {
		return
	}
	c.label.Store(fmt.Sprintf("%s %s", p.Label, p.Status))
	c.mu.Lock()
	// Each new chain gets its own bar.
	if c.bar == nil || c.finished {
		c.finished = false
		c.bar = c.p.AddBar(int64(p.TotalHops),
			mpb.PrependDecorators(
				decor.Name("hops", decor.WCSyncSpaceR),
				decor.CountersNoUnit("%d/%d", decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.Any(c.currentLabel),
			),
		)
	}
	bar := c.bar
	switch p.Status {
	case events.HopConnected:
		c.finished = p.HopIndex == p.TotalHops
		bar.Increment()
	case events.HopError:
		c.finished = true
		bar.Abort(false)
	}
	c.mu.Unlock()
}

// Sink passes chain progress to the bar and drops everything else.
func (c *chainProgress) Sink() events.Sink {
	return events.FuncSink(func(ev events.Event) {
		if ev.Type == events.TypeChainProgress && ev.Progress != nil {
			c.update(*ev.Progress)
		}
	})
}

// done finishes the bar, aborting it if the chain was not completed, and
// waits for the final render.
func (c *chainProgress) done() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.bar != nil && !c.finished {
		c.bar.Abort(false)
	}
	c.mu.Unlock()
	c.p.Wait()
}
