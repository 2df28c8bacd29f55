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

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
	"github.com/volcano-sh/usersandbox/pkg/metrics"
	"github.com/volcano-sh/usersandbox/pkg/store"
)

const (
	// DefaultTransportTimeout bounds one sandbox round trip
	DefaultTransportTimeout = 60 * time.Second
	// MinTransportTimeout stays above the sandbox's own 5s/10s execution bounds
	MinTransportTimeout = 15 * time.Second

	maxResponseBytes = 32 << 20
)

// Config contains configuration parameters for the Dispatcher
type Config struct {
	// SandboxPort is the port of the execution contract on every sandbox
	SandboxPort int32

	// Timeout bounds one round trip; values below MinTransportTimeout are raised
	Timeout time.Duration

	// MaxIdleConns sets the maximum number of idle connections in the connection pool
	MaxIdleConns int

	// MaxConnsPerHost sets the maximum number of connections per host (0 = unlimited)
	MaxConnsPerHost int
}

// Result is a validated sandbox response. Body holds the sandbox bytes unchanged.
type Result struct {
	Kind       types.Kind
	StatusCode int
	Body       json.RawMessage
}

// Dispatcher routes typed requests to the sandbox of their user
type Dispatcher struct {
	resolver EndpointResolver
	leases   store.Store
	signer   *RequestSigner
	client   *http.Client
	port     int32
}

// NewDispatcher creates a Dispatcher. leases and signer may be nil.
func NewDispatcher(resolver EndpointResolver, leases store.Store, signer *RequestSigner, cfg Config) *Dispatcher {
	if leases == nil {
		leases = store.NewNoneStore()
	}
	port := cfg.SandboxPort
	if port == 0 {
		port = types.SandboxPort
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTransportTimeout
	}
	if timeout < MinTransportTimeout {
		klog.Warningf("sandbox timeout %v is below %v, using %v", timeout, MinTransportTimeout, MinTransportTimeout)
		timeout = MinTransportTimeout
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	// Create a reusable HTTP transport for connection pooling
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: 2,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Dispatcher{
		resolver: resolver,
		leases:   leases,
		signer:   signer,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		port:     port,
	}
}

// Timeout returns the effective round trip bound
func (d *Dispatcher) Timeout() time.Duration {
	return d.client.Timeout
}

// Dispatch resolves the user's sandbox, forwards req to it and validates the answer.
// On failure the error is a *DispatchError: SandboxUnavailable when the user has no
// routable sandbox, Upstream for cluster, transport and response failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req RoutedRequest) (*Result, error) {
	kind := req.Kind()
	userID := req.User()
	start := time.Now()

	ip, err := d.resolver.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNeverProvisioned) || errors.Is(err, ErrNotReady) {
			klog.V(2).Infof("dispatch %s for %s: sandbox unavailable: %v", kind, userID, err)
			metrics.DispatchTotal.WithLabelValues(string(kind), metrics.OutcomeUnavailable).Inc()
			return nil, sandboxUnavailableError(err)
		}
		// cluster failures say nothing about whether the sandbox exists
		klog.Errorf("dispatch %s for %s: resolve failed: %v", kind, userID, err)
		metrics.DispatchTotal.WithLabelValues(string(kind), metrics.OutcomeUpstream).Inc()
		return nil, upstreamError("failed to resolve sandbox", err)
	}

	body, err := d.roundTrip(ctx, ip, req)
	metrics.DispatchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		klog.Errorf("dispatch %s for %s to %s failed: %v", kind, userID, ip, err)
		metrics.DispatchTotal.WithLabelValues(string(kind), metrics.OutcomeUpstream).Inc()
		return nil, err
	}

	metrics.DispatchTotal.WithLabelValues(string(kind), metrics.OutcomeOK).Inc()
	d.touch(ctx, userID)
	return &Result{Kind: kind, StatusCode: http.StatusOK, Body: json.RawMessage(body)}, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, ip string, req RoutedRequest) ([]byte, error) {
	payload, contentType, err := req.encode()
	if err != nil {
		return nil, upstreamError("failed to encode sandbox request", err)
	}

	url := "http://" + net.JoinHostPort(ip, strconv.Itoa(int(d.port))) + req.Kind().Path()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, upstreamError("failed to build sandbox request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", contentTypeJSON)

	if d.signer != nil {
		if err := d.signer.SignRequest(httpReq, req.User(), payload); err != nil {
			return nil, upstreamError("failed to sign sandbox request", err)
		}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, upstreamError(transportFailureMessage(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, upstreamError("failed to read sandbox response", err)
	}
	if len(body) > maxResponseBytes {
		return nil, upstreamError("sandbox response too large", nil)
	}

	if err := validateResponse(req.Kind(), body); err != nil {
		return nil, upstreamError(fmt.Sprintf("invalid sandbox response (status %d)", resp.StatusCode), err)
	}
	return body, nil
}

// touch bumps the last activity of the user's lease. Users without a lease are ignored.
func (d *Dispatcher) touch(ctx context.Context, userID string) {
	err := d.leases.UpdateLastActivity(ctx, userID, time.Now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		klog.Warningf("failed to update last activity of %s: %v", userID, err)
	}
}

func transportFailureMessage(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "sandbox timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return "sandbox unreachable"
}
