// Copyright The Enclave Host Allocator Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hugepages

import (
	"errors"
	"fmt"

	"github.com/enclave-host/allocator/pkg/sysfs"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// ErrInsufficientMemory indicates that the requested amount could not be
// reserved from any combination of hugepage sizes on the node. The prior
// reservation state has been restored.
var ErrInsufficientMemory = errors.New("insufficient hugepage memory")

// ClearError indicates a failed counter write during the clear phase. The
// node must be considered unusable for the current attempt.
type ClearError struct {
	Node idset.ID
	Size sysfs.HugepageSize
	Err  error
}

func (e *ClearError) Error() string {
	return fmt.Sprintf("clear phase: node #%d, size %s: %v", e.Node, e.Size, e.Err)
}

func (e *ClearError) Unwrap() error {
	return e.Err
}

// SetError indicates a failed counter write or read-back during the fill
// phase. The prior reservation state has been restored.
type SetError struct {
	Node idset.ID
	Size sysfs.HugepageSize
	Err  error
}

func (e *SetError) Error() string {
	return fmt.Sprintf("set phase: node #%d, size %s: %v", e.Node, e.Size, e.Err)
}

func (e *SetError) Unwrap() error {
	return e.Err
}

// RollbackError indicates that restoring the pre-call reservation state
// failed or could not be verified. Unlike the other failures it leaves the
// host hugepage state possibly matching neither the pre-call nor the intended
// post-call configuration.
type RollbackError struct {
	Node idset.ID
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback: node #%d: %v (host hugepage state may be inconsistent)",
		e.Node, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
