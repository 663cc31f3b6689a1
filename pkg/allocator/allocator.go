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

package allocator

import (
	"fmt"

	"github.com/gofrs/flock"
	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/pkg/errors"

	"github.com/enclave-host/allocator/pkg/cpupool"
	"github.com/enclave-host/allocator/pkg/hugepages"
	logger "github.com/enclave-host/allocator/pkg/log"
	"github.com/enclave-host/allocator/pkg/sysfs"
	"github.com/enclave-host/allocator/pkg/utils/cpuset"
)

// ErrInvalidTopology indicates an explicitly given CPU list spanning more
// than one NUMA node, which would break CPU/memory co-location.
var ErrInvalidTopology = errors.New("CPU list spans multiple NUMA nodes")

// PoolController writes the selected CPU pool to the kernel.
// sysfs.CPUPoolFile implements it against a live host.
type PoolController interface {
	SetCPUPool(cset cpuset.CPUSet) error
}

// Reservation describes a completed host resource reservation.
type Reservation struct {
	// CPUPool is the reserved CPU set as a list/range expression.
	CPUPool string `json:"cpu_pool"`
	// NUMANode is the node the CPUs (and memory, if any) were taken from.
	// -1 for an explicit CPU list with no memory request, where no node
	// resolution takes place.
	NUMANode idset.ID `json:"numa_node"`
	// MemoryMiB is the amount of hugepage memory reserved, 0 for none.
	MemoryMiB int64 `json:"memory_mib"`
}

// Allocator is the single entry point for preparing host resources for
// enclave workloads. Every call is self-contained: topology is inspected
// fresh, and re-running with the same arguments replaces any prior
// reservation instead of stacking on top of it.
//
// The kernel counters and the pool setting are host-wide singletons without
// isolation between concurrent writers. An optional lock file serializes
// invocations between cooperating processes; a held lock fails the call
// immediately rather than queueing behind an allocation of unknown duration.
type Allocator struct {
	logger.Logger
	sys      sysfs.System
	pool     PoolController
	mem      *hugepages.Allocator
	lockFile string
}

// Option modifies an Allocator.
type Option func(*Allocator)

// WithLockFile makes reservations take an advisory lock on the given file.
func WithLockFile(path string) Option {
	return func(a *Allocator) {
		a.lockFile = path
	}
}

// Our logger instance.
var log = logger.NewLogger("allocator")

// New returns an allocator driving the given topology snapshot, pool
// controller and hugepage allocator.
func New(sys sysfs.System, pool PoolController, mem *hugepages.Allocator, options ...Option) *Allocator {
	a := &Allocator{
		Logger: log,
		sys:    sys,
		pool:   pool,
		mem:    mem,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// ReserveByCPUCount reserves count CPUs on a NUMA node that can also satisfy
// the optional hugepage memory request, and writes the resulting pool to the
// kernel. Nodes are tried in ascending id order; a node whose memory
// allocation fails is abandoned as a whole.
func (a *Allocator) ReserveByCPUCount(count int, mib int64) (*Reservation, error) {
	unlock, err := a.lockHost()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var commit cpupool.CommitFn
	if mib > 0 {
		commit = func(node idset.ID) error {
			return a.mem.Allocate(node, mib)
		}
	}

	pool, node, err := cpupool.NewSelector(a.sys).Select(count, commit)
	if err != nil {
		return nil, err
	}

	if err := a.pool.SetCPUPool(pool); err != nil {
		return nil, errors.Wrap(err, "failed to commit CPU pool")
	}

	return a.reserved(pool, node, mib), nil
}

// ReserveByCPUList reserves the explicitly listed CPUs and writes them to the
// kernel. Validation of the list is purely syntactic; the kernel is
// authoritative on accepting or rejecting the set. When memory is requested
// all listed CPUs must resolve to a single NUMA node so the reservation can
// be co-located.
func (a *Allocator) ReserveByCPUList(list string, mib int64) (*Reservation, error) {
	unlock, err := a.lockHost()
	if err != nil {
		return nil, err
	}
	defer unlock()

	pool, err := cpupool.ParseCPUList(list)
	if err != nil {
		return nil, err
	}

	node := idset.ID(-1)
	if mib > 0 {
		if node, err = a.resolveNode(pool); err != nil {
			return nil, err
		}
		if err := a.mem.Allocate(node, mib); err != nil {
			return nil, err
		}
	}

	if err := a.pool.SetCPUPool(pool); err != nil {
		return nil, errors.Wrap(err, "failed to commit CPU pool")
	}

	return a.reserved(pool, node, mib), nil
}

// resolveNode maps an explicit CPU list to its single owning NUMA node.
func (a *Allocator) resolveNode(pool cpuset.CPUSet) (idset.ID, error) {
	node := idset.ID(-1)
	for _, id := range pool.List() {
		cpu := a.sys.CPU(id)
		if cpu == nil {
			return -1, fmt.Errorf("%w: unknown CPU #%d", sysfs.ErrTopologyUnavailable, id)
		}
		switch {
		case node == -1:
			node = cpu.NodeID()
		case node != cpu.NodeID():
			return -1, fmt.Errorf("%w: CPU #%d on node #%d, others on node #%d",
				ErrInvalidTopology, id, cpu.NodeID(), node)
		}
	}
	return node, nil
}

func (a *Allocator) reserved(pool cpuset.CPUSet, node idset.ID, mib int64) *Reservation {
	r := &Reservation{
		CPUPool:   pool.String(),
		NUMANode:  node,
		MemoryMiB: mib,
	}
	a.Info("reserved CPUs %s, %d MiB hugepages, node #%d", r.CPUPool, r.MemoryMiB, r.NUMANode)
	return r
}

// lockHost takes the advisory host-wide allocation lock, if one is
// configured. The lock only coordinates cooperating invocations of this
// allocator; the kernel resources themselves have no locking.
func (a *Allocator) lockHost() (func(), error) {
	if a.lockFile == "" {
		return func() {}, nil
	}

	lock := flock.New(a.lockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock %s", a.lockFile)
	}
	if !locked {
		return nil, errors.Errorf("%s is locked, another allocation is in flight", a.lockFile)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			a.Warn("failed to unlock %s: %v", a.lockFile, err)
		}
	}, nil
}
