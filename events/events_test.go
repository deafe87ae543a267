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

package events

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanSinkOrder(t *testing.T) {
	sink := NewChanSink(16)
	var s Sink = Multi(sink, LogSink{}, Discard)

	s.ChainProgress(Progress{HopIndex: 1, TotalHops: 2, Label: "jump", Status: HopConnecting})
	s.Data("s1", []byte("hello"))
	s.AuthFailed("s1", "target", errors.New("denied"))
	s.PortForwardStatus("t1", TunnelActive, nil)
	s.Exit("s1", 0, nil)

	got := make([]Event, 0, 5)
	for i := 0; i < 5; i++ {
		got = append(got, <-sink.Events())
	}
	require.Equal(t, TypeChainProgress, got[0].Type)
	assert.Equal(t, "(1,2,jump,connecting)", got[0].Progress.String())
	assert.Equal(t, Event{Type: TypeData, SessionID: "s1", Data: []byte("hello")}, got[1])
	assert.Equal(t, Event{Type: TypeAuthFailed, SessionID: "s1", Hostname: "target", Error: "denied"}, got[2])
	assert.Equal(t, Event{Type: TypePortForwardStatus, TunnelID: "t1", Status: TunnelActive}, got[3])
	assert.Equal(t, Event{Type: TypeExit, SessionID: "s1"}, got[4])
}

func TestFuncSinkFlattens(t *testing.T) {
	var got []Event
	var s Sink = FuncSink(func(ev Event) { got = append(got, ev) })

	s.Exit("s2", 1, errors.New("connection refused"))
	s.ChainProgress(Progress{SessionID: "s2", HopIndex: 2, TotalHops: 2, Label: "t", Status: HopError, Error: "boom"})

	require.Len(t, got, 2)
	assert.Equal(t, Event{Type: TypeExit, SessionID: "s2", Code: 1, Error: "connection refused"}, got[0])
	assert.Equal(t, "s2", got[1].SessionID)
	assert.Equal(t, HopError, got[1].Progress.Status)
}
