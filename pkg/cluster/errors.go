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

package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Reason classifies an orchestration failure.
type Reason string

const (
	ReasonAlreadyExists Reason = "AlreadyExists"
	ReasonNotFound      Reason = "NotFound"
	ReasonInvalid       Reason = "Invalid"
	ReasonTransient     Reason = "Transient"
	ReasonUnknown       Reason = "Unknown"
)

var (
	// ErrAlreadyExists matches an OrchestrationError caused by a duplicate name.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrNotFound matches an OrchestrationError caused by a missing resource.
	ErrNotFound = errors.New("resource not found")
)

// OrchestrationError is returned by every Client operation that the cluster API rejects.
type OrchestrationError struct {
	Op       string
	Resource string
	Name     string
	Reason   Reason
	Err      error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s %s %q: %s: %v", e.Op, e.Resource, e.Name, e.Reason, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is lets callers match on ErrAlreadyExists and ErrNotFound.
func (e *OrchestrationError) Is(target error) bool {
	switch target {
	case ErrAlreadyExists:
		return e.Reason == ReasonAlreadyExists
	case ErrNotFound:
		return e.Reason == ReasonNotFound
	}
	return false
}

// Transient reports whether the failure may succeed if issued again.
func (e *OrchestrationError) Transient() bool {
	return e.Reason == ReasonTransient
}

func newOrchestrationError(op, resource, name string, err error) *OrchestrationError {
	return &OrchestrationError{
		Op:       op,
		Resource: resource,
		Name:     name,
		Reason:   classify(err),
		Err:      err,
	}
}

// ReasonOf returns the Reason of err, or ReasonUnknown when err is not an OrchestrationError.
func ReasonOf(err error) Reason {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Reason
	}
	return ReasonUnknown
}

func classify(err error) Reason {
	switch {
	case apierrors.IsAlreadyExists(err):
		return ReasonAlreadyExists
	case apierrors.IsNotFound(err):
		return ReasonNotFound
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return ReasonInvalid
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return ReasonTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonTransient
	}
	return ReasonUnknown
}
