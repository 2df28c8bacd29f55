/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// SandboxBuckets covers sandbox round trips, from fast shell calls up to the transport timeout.
var SandboxBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// RequestsTotal counts gateway HTTP requests by route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersandbox_requests_total",
			Help: "Gateway requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records gateway request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usersandbox_request_duration_seconds",
			Help:    "Gateway request duration",
			Buckets: SandboxBuckets,
		},
		[]string{"method", "route"},
	)

	// ProvisionTotal counts provisioning attempts by outcome.
	ProvisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersandbox_provision_total",
			Help: "Sandbox provisioning attempts",
		},
		[]string{"result"},
	)

	// TeardownTotal counts sandbox teardowns by trigger.
	TeardownTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersandbox_teardown_total",
			Help: "Sandbox teardowns",
		},
		[]string{"trigger"},
	)

	// DispatchTotal counts routed requests by kind and outcome.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersandbox_dispatch_total",
			Help: "Requests routed to sandboxes",
		},
		[]string{"kind", "outcome"},
	)

	// DispatchDuration records the sandbox round trip in seconds.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usersandbox_dispatch_duration_seconds",
			Help:    "Sandbox round trip duration",
			Buckets: SandboxBuckets,
		},
		[]string{"kind"},
	)

	// RejectedTotal counts requests refused by the concurrency limiter.
	RejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usersandbox_rejected_total",
			Help: "Requests rejected by the concurrency limit",
		},
	)
)

const (
	ProvisionSuccess       = "success"
	ProvisionUnitFailed    = "unit_failed"
	ProvisionAddressFailed = "address_failed"

	TeardownRequested = "requested"
	TeardownExpired   = "expired"
	TeardownInactive  = "inactive"

	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeUpstream    = "upstream"
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ProvisionTotal,
		TeardownTotal,
		DispatchTotal,
		DispatchDuration,
		RejectedTotal,
	)
}

// GinMiddleware records RequestsTotal and RequestDuration for every request.
// The route label is the registered pattern so path parameters do not explode cardinality.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status()/100) + "xx"
		RequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
