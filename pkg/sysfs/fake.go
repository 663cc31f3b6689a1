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

package sysfs

import (
	"sort"

	"github.com/enclave-host/allocator/pkg/utils/cpuset"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// FakeSystem is a canned topology snapshot for tests.
type FakeSystem struct {
	// Threads is the number of hyperthreads per core.
	Threads int
	// CPUs describes the online CPUs.
	CPUs []FakeCPU
	// NodeCPUs lists the CPU ids claimed by each NUMA node.
	NodeCPUs map[idset.ID][]idset.ID
	// Hugepages lists the supported hugepage sizes per node.
	Hugepages map[idset.ID][]HugepageSize
}

// FakeCPU describes one online CPU of a FakeSystem.
type FakeCPU struct {
	ID       idset.ID
	Node     idset.ID
	Core     idset.ID
	Siblings []idset.ID
}

var _ System = &FakeSystem{}

// FakeCores appends numCores whole cores of the given thread count to a fake
// node, with consecutive CPU ids starting at first.
func FakeCores(node idset.ID, first idset.ID, numCores, threads int) []FakeCPU {
	cpus := []FakeCPU{}
	for c := 0; c < numCores; c++ {
		core := first + idset.ID(c*threads)
		siblings := []idset.ID{}
		for t := 0; t < threads; t++ {
			siblings = append(siblings, core+idset.ID(t))
		}
		for t := 0; t < threads; t++ {
			cpus = append(cpus, FakeCPU{
				ID:       core + idset.ID(t),
				Node:     node,
				Core:     core,
				Siblings: siblings,
			})
		}
	}
	return cpus
}

func (s *FakeSystem) Path() string {
	return "/fake/sys"
}

func (s *FakeSystem) CPUCount() int {
	return len(s.CPUs)
}

func (s *FakeSystem) NUMANodeCount() int {
	return len(s.NodeCPUs)
}

func (s *FakeSystem) ThreadsPerCore() int {
	return s.Threads
}

func (s *FakeSystem) CPUIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(s.CPUs))
	for _, cpu := range s.CPUs {
		ids = append(ids, cpu.ID)
	}
	sort.Ints(ids)
	return ids
}

func (s *FakeSystem) NodeIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(s.NodeCPUs))
	for id := range s.NodeCPUs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *FakeSystem) CPUSet() cpuset.CPUSet {
	return cpuset.New(s.CPUIDs()...)
}

func (s *FakeSystem) CPU(id idset.ID) CPU {
	for i := range s.CPUs {
		if s.CPUs[i].ID == id {
			return &fakeCPU{data: &s.CPUs[i]}
		}
	}
	return nil
}

func (s *FakeSystem) Node(id idset.ID) Node {
	if cpus, ok := s.NodeCPUs[id]; ok {
		return &fakeNode{sys: s, id: id, cpus: cpus}
	}
	return nil
}

type fakeCPU struct {
	data *FakeCPU
}

func (c *fakeCPU) ID() idset.ID {
	return c.data.ID
}

func (c *fakeCPU) NodeID() idset.ID {
	return c.data.Node
}

func (c *fakeCPU) CoreID() idset.ID {
	return c.data.Core
}

func (c *fakeCPU) ThreadSiblings() cpuset.CPUSet {
	return cpuset.New(c.data.Siblings...)
}

type fakeNode struct {
	sys  *FakeSystem
	id   idset.ID
	cpus []idset.ID
}

func (n *fakeNode) ID() idset.ID {
	return n.id
}

func (n *fakeNode) CPUSet() cpuset.CPUSet {
	return cpuset.New(n.cpus...)
}

func (n *fakeNode) HugepageSizes() ([]HugepageSize, error) {
	return n.sys.Hugepages[n.id], nil
}
