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
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNeverProvisioned indicates that the user has no service address.
	ErrNeverProvisioned = errors.New("sandbox was never provisioned")

	// ErrNotReady indicates that the service address exists but has no IP yet.
	ErrNotReady = errors.New("sandbox address has no IP allocated yet")
)

// DispatchErrorKind classifies a failed dispatch.
type DispatchErrorKind string

const (
	// SandboxUnavailable means the sandbox could not be resolved. No request was sent.
	SandboxUnavailable DispatchErrorKind = "SandboxUnavailable"
	// Upstream means the sandbox was unreachable or answered with an invalid body.
	Upstream DispatchErrorKind = "Upstream"
)

// DispatchError is returned by Dispatcher.Dispatch.
type DispatchError struct {
	Kind    DispatchErrorKind
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error kind to the HTTP status seen by gateway clients.
func (e *DispatchError) StatusCode() int {
	if e.Kind == SandboxUnavailable {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func sandboxUnavailableError(err error) *DispatchError {
	return &DispatchError{Kind: SandboxUnavailable, Message: "Pod not found", Err: err}
}

func upstreamError(message string, err error) *DispatchError {
	return &DispatchError{Kind: Upstream, Message: message, Err: err}
}
