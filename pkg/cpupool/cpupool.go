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

package cpupool

import (
	"errors"
	"fmt"

	"github.com/enclave-host/allocator/pkg/utils/cpuset"

	logger "github.com/enclave-host/allocator/pkg/log"
	"github.com/enclave-host/allocator/pkg/sysfs"
	idset "github.com/intel/goresctrl/pkg/utils"
)

var (
	// ErrInvalidCount indicates an out-of-range or core-misaligned CPU count.
	ErrInvalidCount = errors.New("invalid CPU count")
	// ErrInvalidCPUList indicates a malformed CPU list expression.
	ErrInvalidCPUList = errors.New("invalid CPU list")
	// ErrResourceExhausted indicates that no NUMA node can satisfy the CPU
	// and memory constraints together.
	ErrResourceExhausted = errors.New("no NUMA node satisfies the request")
)

// Our logger instance.
var log = logger.NewLogger("cpupool")

// ParseCPUList parses a CPU list/range expression ("2,3,6-9") into a CPUSet.
// Parsing is purely syntactic; the kernel remains authoritative on whether an
// explicitly given pool is acceptable.
func ParseCPUList(list string) (cpuset.CPUSet, error) {
	cset, err := cpuset.Parse(list)
	if err != nil {
		return cpuset.New(), fmt.Errorf("%w: %q: %v", ErrInvalidCPUList, list, err)
	}
	return cset, nil
}

// CommitFn is invoked with the candidate NUMA node once enough CPUs have been
// collected on it, before the node is accepted. A non-nil error abandons the
// node entirely and selection moves on to the next one.
type CommitFn func(node idset.ID) error

// Selector picks enclave CPU pools from the host topology.
type Selector struct {
	logger.Logger
	sys sysfs.System
}

// NewSelector returns a CPU pool selector for the given topology snapshot.
func NewSelector(sys sysfs.System) *Selector {
	return &Selector{
		Logger: log,
		sys:    sys,
	}
}

// Select picks count CPUs forming whole cores on a single NUMA node. Nodes
// and CPUs are scanned in ascending id order, so identical topology and
// request always yield the identical pool. CPU 0 and its whole core are never
// eligible: the host needs them to remain schedulable.
func (s *Selector) Select(count int, commit CommitFn) (cpuset.CPUSet, idset.ID, error) {
	none := cpuset.New()

	if count <= 0 || count > s.sys.CPUCount() {
		return none, -1, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidCount, count, s.sys.CPUCount())
	}

	threads := s.sys.ThreadsPerCore()
	if count%threads != 0 {
		return none, -1, fmt.Errorf("%w: %d is not a multiple of %d threads per core",
			ErrInvalidCount, count, threads)
	}

	zero := s.sys.CPU(0)
	if zero == nil {
		return none, -1, fmt.Errorf("%w: CPU 0 not present", sysfs.ErrTopologyUnavailable)
	}
	reservedNode := zero.NodeID()

	for _, nodeID := range s.sys.NodeIDs() {
		nodeCPUs := s.sys.Node(nodeID).CPUSet()

		capacity := nodeCPUs.Size()
		if nodeID == reservedNode {
			// CPU 0's whole core stays with the host
			capacity -= threads
		}
		if capacity < count {
			s.Debug("skipping node #%d: %d usable CPUs < %d requested", nodeID, capacity, count)
			continue
		}

		pool := s.collectCores(nodeID, nodeCPUs, count)
		if pool.Size() != count {
			s.Debug("node #%d: only %d whole-core CPUs available", nodeID, pool.Size())
			continue
		}

		if commit != nil {
			if err := commit(nodeID); err != nil {
				// never retry a smaller subset of the same node
				s.Info("abandoning node #%d: %v", nodeID, err)
				continue
			}
		}

		s.Info("selected pool %s on node #%d", pool, nodeID)

		return pool, nodeID, nil
	}

	return none, -1, fmt.Errorf("%w: %d whole-core CPUs", ErrResourceExhausted, count)
}

// collectCores accumulates whole cores from the node in ascending CPU id
// order until count CPUs have been gathered. A core qualifies only if all of
// its thread siblings are on this node and none of them is CPU 0; a core with
// a mismatched thread count (an offline sibling, say) is skipped, not an
// error.
func (s *Selector) collectCores(nodeID idset.ID, nodeCPUs cpuset.CPUSet, count int) cpuset.CPUSet {
	threads := s.sys.ThreadsPerCore()
	pool := cpuset.New()

	for _, id := range nodeCPUs.List() {
		if id == 0 || pool.Contains(id) {
			continue
		}

		cpu := s.sys.CPU(id)
		if cpu == nil {
			// listed by the node but not online
			continue
		}

		siblings := cpu.ThreadSiblings()
		if siblings.Contains(0) {
			continue
		}
		if siblings.Size() != threads || !siblings.Intersection(nodeCPUs).Equals(siblings) {
			s.Debug("node #%d: skipping partial core of CPU #%d (threads %s)",
				nodeID, id, siblings)
			continue
		}

		pool = pool.Union(siblings)
		if pool.Size() >= count {
			break
		}
	}

	return pool
}
