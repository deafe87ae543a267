/***************************************************************
 *
 * Copyright (C) 2023, Pelican Project, Morgridge Institute for Research
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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Level orders component health from worst to best. The zero value is not a
// valid level.
type Level int

const (
	StatusCritical Level = iota + 1
	StatusWarning
	StatusOK
	// StatusUnknown is reported when no component has checked in yet.
	StatusUnknown
)

func (l Level) String() string {
	switch l {
	case StatusCritical:
		return "critical"
	case StatusWarning:
		return "warning"
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	}
	return invalidLevel
}

const invalidLevel = "invalid"

// Component names a part of the engine that reports its own health.
type Component string

const (
	Engine_Bridge        Component = "bridge"
	Engine_KnownHosts    Component = "known-hosts"
	Engine_Authenticator Component = "authenticator"
)

func (c Component) String() string {
	return string(c)
}

type (
	// ComponentStatus is one entry of the /health response.
	ComponentStatus struct {
		Status     string `json:"status"`
		Message    string `json:"message,omitempty"`
		LastUpdate int64  `json:"last_update"`
	}

	// HealthStatus is the /health response. OverallStatus is the worst
	// level among the reporting components.
	HealthStatus struct {
		OverallStatus   string                     `json:"status"`
		ComponentStatus map[string]ComponentStatus `json:"components"`
	}

	report struct {
		level   Level
		message string
		at      time.Time
	}
)

var (
	reportsMu sync.RWMutex
	reports   = map[Component]report{}

	HealthStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hopshell_component_health_status",
		Help: "Health level per component: 1 critical, 2 warning, 3 ok, 4 unknown.",
	}, []string{"component"})

	HealthLastUpdate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hopshell_component_health_status_last_update",
		Help: "Unix time of the last health report per component.",
	}, []string{"component"})
)

// SetComponentHealthStatus replaces the health report for c.
func SetComponentHealthStatus(c Component, level Level, msg string) {
	now := time.Now()
	reportsMu.Lock()
	reports[c] = report{level: level, message: msg, at: now}
	reportsMu.Unlock()

	HealthStatusGauge.WithLabelValues(c.String()).Set(float64(level))
	HealthLastUpdate.WithLabelValues(c.String()).Set(float64(now.Unix()))
}

// DeleteComponentHealthStatus forgets c, including its gauge series.
func DeleteComponentHealthStatus(c Component) {
	reportsMu.Lock()
	delete(reports, c)
	reportsMu.Unlock()

	HealthStatusGauge.DeleteLabelValues(c.String())
	HealthLastUpdate.DeleteLabelValues(c.String())
}

// GetHealthStatus snapshots every component. With nothing reported the
// overall status is unknown.
func GetHealthStatus() HealthStatus {
	reportsMu.RLock()
	defer reportsMu.RUnlock()

	overall := StatusUnknown
	status := HealthStatus{ComponentStatus: make(map[string]ComponentStatus, len(reports))}
	for c, r := range reports {
		status.ComponentStatus[c.String()] = ComponentStatus{
			Status:     r.level.String(),
			Message:    r.message,
			LastUpdate: r.at.Unix(),
		}
		if r.level < overall {
			overall = r.level
		}
	}
	status.OverallStatus = overall.String()
	return status
}
