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

package provisioner

import (
	"fmt"

	"github.com/volcano-sh/usersandbox/pkg/cluster"
)

// Stage names the provisioning step that failed.
type Stage string

const (
	StageUnit    Stage = "unit"
	StageAddress Stage = "address"
)

// ProvisionError reports where provisioning stopped. When Stage is StageAddress
// the compute unit was created and is left in place.
type ProvisionError struct {
	Stage       Stage
	UnitCreated bool
	Reason      cluster.Reason
	Err         error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed at %s stage (unit created: %t, reason: %s): %v",
		e.Stage, e.UnitCreated, e.Reason, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func newProvisionError(stage Stage, unitCreated bool, err error) *ProvisionError {
	reason := cluster.ReasonOf(err)
	if reason == cluster.ReasonUnknown && isContextError(err) {
		reason = cluster.ReasonTransient
	}
	return &ProvisionError{
		Stage:       stage,
		UnitCreated: unitCreated,
		Reason:      reason,
		Err:         err,
	}
}
