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

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/hopshell/hopshell/conn_errors"
)

func TestRecordChainAttempt(t *testing.T) {
	before := testutil.ToFloat64(ChainAttemptsTotal.WithLabelValues("authentication"))
	RecordChainAttempt(conn_errors.ErrAuthentication)
	assert.Equal(t, before+1, testutil.ToFloat64(ChainAttemptsTotal.WithLabelValues("authentication")))

	before = testutil.ToFloat64(ChainAttemptsTotal.WithLabelValues("cancelled"))
	RecordChainAttempt(context.Canceled)
	assert.Equal(t, before+1, testutil.ToFloat64(ChainAttemptsTotal.WithLabelValues("cancelled")))

	before = testutil.ToFloat64(ChainAttemptsTotal.WithLabelValues(ResultSuccess))
	RecordChainAttempt(nil)
	assert.Equal(t, before+1, testutil.ToFloat64(ChainAttemptsTotal.WithLabelValues(ResultSuccess)))
}

func TestRecordHandshake(t *testing.T) {
	RecordHandshake("password", false, 20*time.Millisecond)
	RecordHandshake("certificate", true, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(HandshakeDuration), 2)
}
