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
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	idset "github.com/intel/goresctrl/pkg/utils"

	logger "github.com/enclave-host/allocator/pkg/log"
	"github.com/enclave-host/allocator/pkg/sysfs"
)

// CounterStore is the kernel hugepage reservation counter surface the
// allocator mutates. sysfs.HugepageCounters implements it against a live
// host; tests substitute an in-memory store.
type CounterStore interface {
	// List returns the hugepage sizes supported on the given node.
	List(node idset.ID) ([]sysfs.HugepageSize, error)
	// Pages reads the current reservation counter for the node and size.
	Pages(node idset.ID, size sysfs.HugepageSize) (int64, error)
	// SetPages writes the reservation counter for the node and size. The
	// kernel may grant fewer pages than written, never more.
	SetPages(node idset.ID, size sysfs.HugepageSize, count int64) error
}

// Allocator reserves hugepage memory on a single NUMA node with a greedy
// multi-tier fill and all-or-nothing semantics. The kernel counters have no
// native transaction support, so the allocator snapshots them before any
// write and replays the snapshot verbatim on failure.
type Allocator struct {
	logger.Logger
	store CounterStore
}

// snapshot holds the per-size page counts captured before any mutation.
type snapshot map[string]int64

// Our logger instance.
var log = logger.NewLogger("hugepages")

// NewAllocator returns a hugepage allocator mutating the given counter store.
func NewAllocator(store CounterStore) *Allocator {
	return &Allocator{
		Logger: log,
		store:  store,
	}
}

// Allocate reserves mib MiB of hugepage memory on the given NUMA node,
// preferring the largest page sizes the node supports. Existing reservations
// on the node are always cleared first, so repeating a call replaces prior
// state instead of accumulating on top of it. On any failure after the clear
// phase the pre-call counters are restored and verified.
func (a *Allocator) Allocate(node idset.ID, mib int64) error {
	if mib < 0 {
		return fmt.Errorf("invalid hugepage request: %d MiB", mib)
	}

	sizes, err := a.store.List(node)
	if err != nil {
		return fmt.Errorf("failed to list hugepage sizes of node #%d: %w", node, err)
	}

	// largest first, inert (unparsable) sizes last
	sort.Slice(sizes, func(i, j int) bool {
		return sizes[i].Bytes > sizes[j].Bytes
	})

	requested := mib << 20
	if smallest := smallestPageSize(sizes); smallest > 0 && requested > 0 {
		// round up so that the request is exactly representable
		requested = (requested + smallest - 1) / smallest * smallest
	}

	a.Debug("reserving %d bytes on node #%d from sizes %v", requested, node, sizes)

	saved, err := a.snapshot(node, sizes)
	if err != nil {
		return fmt.Errorf("failed to snapshot hugepage counters of node #%d: %w", node, err)
	}

	if err := a.clear(node, sizes); err != nil {
		return err
	}

	remaining := requested
	for _, size := range sizes {
		if size.Bytes <= 0 || remaining < size.Bytes {
			continue
		}

		need := remaining / size.Bytes
		if err := a.store.SetPages(node, size, need); err != nil {
			return a.fillFailed(node, sizes, saved, &SetError{Node: node, Size: size, Err: err})
		}

		// The kernel grants what it can find; fragmentation can leave us
		// short of what we asked for.
		granted, err := a.store.Pages(node, size)
		if err != nil {
			return a.fillFailed(node, sizes, saved, &SetError{Node: node, Size: size, Err: err})
		}
		if granted > need {
			granted = need
		}

		a.Debug("node #%d: size %s: requested %d pages, granted %d", node, size, need, granted)

		remaining -= size.Bytes * granted
		if remaining == 0 {
			break
		}
	}

	if remaining != 0 {
		a.Info("node #%d: %d of %d bytes left unreserved, rolling back", node, remaining, requested)
		if err := a.rollback(node, sizes, saved); err != nil {
			return &RollbackError{Node: node, Err: err}
		}
		return fmt.Errorf("%w: node #%d: %d of %d bytes unreserved",
			ErrInsufficientMemory, node, remaining, requested)
	}

	a.Info("reserved %d bytes of hugepages on node #%d", requested, node)

	return nil
}

// snapshot reads every counter prior to mutating any of them.
func (a *Allocator) snapshot(node idset.ID, sizes []sysfs.HugepageSize) (snapshot, error) {
	saved := make(snapshot, len(sizes))
	for _, size := range sizes {
		count, err := a.store.Pages(node, size)
		if err != nil {
			return nil, err
		}
		saved[size.Label] = count
	}
	return saved, nil
}

// clear zeroes every reservation counter on the node.
func (a *Allocator) clear(node idset.ID, sizes []sysfs.HugepageSize) error {
	for _, size := range sizes {
		if err := a.store.SetPages(node, size, 0); err != nil {
			return &ClearError{Node: node, Size: size, Err: err}
		}
	}
	return nil
}

// fillFailed handles a mid-fill failure: the snapshot is restored and the
// original error reported, unless the restore itself fails, which takes
// precedence as the more severe condition.
func (a *Allocator) fillFailed(node idset.ID, sizes []sysfs.HugepageSize, saved snapshot, failure error) error {
	if err := a.rollback(node, sizes, saved); err != nil {
		return &RollbackError{Node: node, Err: multierror.Append(failure, err)}
	}
	return failure
}

// rollback clears the node and replays the snapshot, reading back every
// counter to verify exact equality.
func (a *Allocator) rollback(node idset.ID, sizes []sysfs.HugepageSize, saved snapshot) error {
	var errs *multierror.Error

	for _, size := range sizes {
		if err := a.store.SetPages(node, size, 0); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("size %s: clear: %w", size, err))
		}
	}

	for _, size := range sizes {
		count := saved[size.Label]
		if err := a.store.SetPages(node, size, count); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("size %s: restore to %d: %w", size, count, err))
			continue
		}

		restored, err := a.store.Pages(node, size)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("size %s: verify: %w", size, err))
			continue
		}
		if restored != count {
			errs = multierror.Append(errs,
				fmt.Errorf("size %s: verification mismatch: restored %d, expected %d",
					size, restored, count))
		}
	}

	return errs.ErrorOrNil()
}

func smallestPageSize(sizes []sysfs.HugepageSize) int64 {
	smallest := int64(0)
	for _, size := range sizes {
		if size.Bytes > 0 && (smallest == 0 || size.Bytes < smallest) {
			smallest = size.Bytes
		}
	}
	return smallest
}
