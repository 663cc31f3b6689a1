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
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/enclave-host/allocator/pkg/utils/cpuset"

	logger "github.com/enclave-host/allocator/pkg/log"
	idset "github.com/intel/goresctrl/pkg/utils"
)

const (
	// sysfs devices/cpu subdirectory path
	sysfsCPUPath = "devices/system/cpu"
	// sysfs devices/node subdirectory path
	sysfsNumaNodePath = "devices/system/node"
)

// Our logger instance.
var log = logger.NewLogger("sysfs")

// ErrTopologyUnavailable marks missing or inconsistent hardware topology data.
// A pool computed from partial topology could violate isolation constraints,
// so discovery never substitutes defaults for entries it cannot read.
var ErrTopologyUnavailable = errors.New("hardware topology unavailable")

// System provides a read-only snapshot of the host CPU and NUMA topology.
type System interface {
	// Path returns the sysfs mount path the snapshot was discovered from.
	Path() string
	// CPUCount returns the number of online CPUs.
	CPUCount() int
	// NUMANodeCount returns the number of NUMA nodes.
	NUMANodeCount() int
	// ThreadsPerCore returns the number of hyperthreads per physical core.
	ThreadsPerCore() int
	// CPUIDs returns the ids of all CPUs in ascending order.
	CPUIDs() []idset.ID
	// NodeIDs returns the ids of all NUMA nodes in ascending order.
	NodeIDs() []idset.ID
	// CPUSet returns all CPUs as a CPUSet.
	CPUSet() cpuset.CPUSet
	// CPU returns the CPU with the given id, nil if there is none.
	CPU(id idset.ID) CPU
	// Node returns the NUMA node with the given id, nil if there is none.
	Node(id idset.ID) Node
}

// CPU is a single logical CPU (hardware thread).
type CPU interface {
	ID() idset.ID
	// NodeID returns the NUMA node id of this CPU.
	NodeID() idset.ID
	// CoreID returns the physical core id of this CPU (lowest CPU id of all
	// thread siblings).
	CoreID() idset.ID
	// ThreadSiblings returns all hardware threads of this CPU's core,
	// including the CPU itself.
	ThreadSiblings() cpuset.CPUSet
}

// Node represents a NUMA node.
type Node interface {
	ID() idset.ID
	// CPUSet returns all CPUs in this node.
	CPUSet() cpuset.CPUSet
	// HugepageSizes returns the hugepage sizes supported on this node in
	// ascending byte size order.
	HugepageSizes() ([]HugepageSize, error)
}

type system struct {
	logger.Logger
	path    string
	cpus    map[idset.ID]*cpu
	nodes   map[idset.ID]*node
	threads int
}

type cpu struct {
	path    string
	id      idset.ID
	node    idset.ID
	core    idset.ID
	threads idset.IDSet
}

type node struct {
	path string
	id   idset.ID
	cpus idset.IDSet
}

// DiscoverSystem takes a fresh topology snapshot from sysfs mounted at /sys.
func DiscoverSystem() (System, error) {
	return DiscoverSystemAt("/sys")
}

// DiscoverSystemAt takes a fresh topology snapshot from sysfs mounted at path.
func DiscoverSystemAt(path string) (System, error) {
	sys := &system{
		Logger: log,
		path:   path,
		cpus:   make(map[idset.ID]*cpu),
		nodes:  make(map[idset.ID]*node),
	}

	if err := sys.discoverCPUs(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyUnavailable, err)
	}
	if err := sys.discoverNodes(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyUnavailable, err)
	}
	if err := sys.verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyUnavailable, err)
	}

	if sys.DebugEnabled() {
		sys.dump()
	}

	return sys, nil
}

func (sys *system) Path() string {
	return sys.path
}

func (sys *system) CPUCount() int {
	return len(sys.cpus)
}

func (sys *system) NUMANodeCount() int {
	return len(sys.nodes)
}

func (sys *system) ThreadsPerCore() int {
	return sys.threads
}

func (sys *system) CPUIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(sys.cpus))
	for id := range sys.cpus {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (sys *system) NodeIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(sys.nodes))
	for id := range sys.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (sys *system) CPUSet() cpuset.CPUSet {
	return cpuset.New(sys.CPUIDs()...)
}

func (sys *system) CPU(id idset.ID) CPU {
	if c, ok := sys.cpus[id]; ok {
		return c
	}
	return nil
}

func (sys *system) Node(id idset.ID) Node {
	if n, ok := sys.nodes[id]; ok {
		return n
	}
	return nil
}

// Discover the online CPUs present in the system.
func (sys *system) discoverCPUs() error {
	var online idset.IDSet

	base := filepath.Join(sys.path, sysfsCPUPath)
	if _, err := readSysfsEntry(base, "online", &online); err != nil {
		return err
	}

	for _, id := range online.SortedMembers() {
		path := filepath.Join(base, fmt.Sprintf("cpu%d", id))
		if err := sys.discoverCPU(path); err != nil {
			return fmt.Errorf("failed to discover cpu for entry %s: %v", path, err)
		}
	}

	if len(sys.cpus) == 0 {
		return fmt.Errorf("no online CPUs found under %s", base)
	}

	return nil
}

// Discover details of the given CPU.
func (sys *system) discoverCPU(path string) error {
	cpu := &cpu{path: path, id: getEnumeratedID(path)}
	if cpu.id < 0 {
		return fmt.Errorf("invalid CPU entry %s", path)
	}

	if _, err := readSysfsEntry(path, "topology/core_id", &cpu.core); err != nil {
		return err
	}
	if _, err := readSysfsEntry(path, "topology/core_cpus_list", &cpu.threads); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if _, err := readSysfsEntry(path, "topology/thread_siblings_list", &cpu.threads); err != nil {
			return err
		}
	}

	nodes, _ := filepath.Glob(filepath.Join(path, "node[0-9]*"))
	if len(nodes) != 1 {
		return fmt.Errorf("exactly one node per cpu allowed, %s has %d", path, len(nodes))
	}
	cpu.node = getEnumeratedID(nodes[0])

	if sys.threads < 1 {
		sys.threads = 1
	}
	if cpu.threads.Size() > sys.threads {
		sys.threads = cpu.threads.Size()
	}

	sys.cpus[cpu.id] = cpu

	return nil
}

// Discover the NUMA nodes present in the system.
func (sys *system) discoverNodes() error {
	base := filepath.Join(sys.path, sysfsNumaNodePath)
	entries, _ := filepath.Glob(filepath.Join(base, "node[0-9]*"))
	if len(entries) == 0 {
		return fmt.Errorf("no NUMA nodes found under %s", base)
	}

	for _, entry := range entries {
		node := &node{path: entry, id: getEnumeratedID(entry)}
		if node.id < 0 {
			return fmt.Errorf("invalid node entry %s", entry)
		}
		if _, err := readSysfsEntry(entry, "cpulist", &node.cpus); err != nil {
			return err
		}
		sys.nodes[node.id] = node
	}

	return nil
}

// Cross-check the discovered CPU and node data for consistency.
func (sys *system) verify() error {
	for _, cpu := range sys.cpus {
		node, ok := sys.nodes[cpu.node]
		if !ok {
			return fmt.Errorf("cpu #%d references unknown node #%d", cpu.id, cpu.node)
		}
		if !node.cpus.Has(cpu.id) {
			return fmt.Errorf("cpu #%d missing from cpulist of node #%d", cpu.id, cpu.node)
		}
	}

	return nil
}

func (sys *system) dump() {
	sys.Debug("sysfs mount point: %s", sys.path)
	sys.Debug("%d CPUs, %d NUMA nodes, %d threads/core",
		sys.CPUCount(), sys.NUMANodeCount(), sys.ThreadsPerCore())
	for _, id := range sys.NodeIDs() {
		sys.Debug("node #%d: cpus %s", id, sys.nodes[id].CPUSet())
	}
	for _, id := range sys.CPUIDs() {
		cpu := sys.cpus[id]
		sys.Debug("CPU #%d: node #%d, core #%d, threads %s",
			id, cpu.node, cpu.core, cpu.ThreadSiblings())
	}
}

func (c *cpu) ID() idset.ID {
	return c.id
}

func (c *cpu) NodeID() idset.ID {
	return c.node
}

func (c *cpu) CoreID() idset.ID {
	return c.core
}

func (c *cpu) ThreadSiblings() cpuset.CPUSet {
	return CPUSetFromIDSet(c.threads)
}

func (n *node) ID() idset.ID {
	return n.id
}

func (n *node) CPUSet() cpuset.CPUSet {
	return CPUSetFromIDSet(n.cpus)
}

func (n *node) HugepageSizes() ([]HugepageSize, error) {
	return enumerateHugepageSizes(n.path)
}
