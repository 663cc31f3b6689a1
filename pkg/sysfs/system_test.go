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

package sysfs_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/enclave-host/allocator/pkg/sysfs"
	"github.com/enclave-host/allocator/pkg/utils/cpuset"
	idset "github.com/intel/goresctrl/pkg/utils"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type ID = idset.ID

var (
	sampleRoots = map[string]string{}
	sampleSysfs = map[string]sysfs.System{}
)

// sampleTopology describes one generated sysfs tree.
type sampleTopology struct {
	threads   int
	nodeCPUs  map[int][]int
	hugepages map[int]map[string]int64
}

var samples = map[string]sampleTopology{
	// 1 NUMA node, 8 CPUs, 2 threads per core
	"sample1": {
		threads:  2,
		nodeCPUs: map[int][]int{0: {0, 1, 2, 3, 4, 5, 6, 7}},
		hugepages: map[int]map[string]int64{
			0: {"2048kB": 0, "1048576kB": 0, "banana": 0},
		},
	},
	// 2 NUMA nodes, 16 CPUs, 2 threads per core
	"sample2": {
		threads: 2,
		nodeCPUs: map[int][]int{
			0: {0, 1, 2, 3, 4, 5, 6, 7},
			1: {8, 9, 10, 11, 12, 13, 14, 15},
		},
		hugepages: map[int]map[string]int64{
			0: {"2048kB": 0},
			1: {"2048kB": 0},
		},
	},
}

// writeSample generates a fake sysfs tree for the given topology.
func writeSample(root string, topo sampleTopology) {
	write := func(elems ...string) {
		path := filepath.Join(elems[:len(elems)-1]...)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(elems[len(elems)-1]+"\n"), 0644)).To(Succeed())
	}

	cpuBase := filepath.Join(root, "devices/system/cpu")
	nodeBase := filepath.Join(root, "devices/system/node")

	maxCPU := 0
	for node, cpus := range topo.nodeCPUs {
		nodeDir := filepath.Join(nodeBase, fmt.Sprintf("node%d", node))
		write(nodeDir, "cpulist", rangeString(cpus))

		for label, count := range topo.hugepages[node] {
			write(nodeDir, "hugepages", "hugepages-"+label, "nr_hugepages",
				fmt.Sprintf("%d", count))
		}

		for _, id := range cpus {
			if id > maxCPU {
				maxCPU = id
			}
			core := (id / topo.threads) * topo.threads
			siblings := []int{}
			for t := 0; t < topo.threads; t++ {
				siblings = append(siblings, core+t)
			}

			cpuDir := filepath.Join(cpuBase, fmt.Sprintf("cpu%d", id))
			write(cpuDir, "topology", "core_id", fmt.Sprintf("%d", core))
			write(cpuDir, "topology", "thread_siblings_list", rangeString(siblings))
			Expect(os.MkdirAll(filepath.Join(cpuDir, fmt.Sprintf("node%d", node)), 0755)).To(Succeed())
		}
	}

	write(cpuBase, "online", fmt.Sprintf("0-%d", maxCPU))
}

func rangeString(ids []int) string {
	return fmt.Sprintf("%d-%d", ids[0], ids[len(ids)-1])
}

var _ = BeforeSuite(func() {
	for name, topo := range samples {
		root, err := os.MkdirTemp("", "allocator-sysfs-test-")
		Expect(err).To(BeNil())

		writeSample(root, topo)

		sys, err := sysfs.DiscoverSystemAt(root)
		Expect(err).To(BeNil())
		Expect(sys).ToNot(BeNil())

		sampleRoots[name] = root
		sampleSysfs[name] = sys
	}
})

var _ = AfterSuite(func() {
	for _, root := range sampleRoots {
		os.RemoveAll(root)
	}
})

var _ = DescribeTable("topology discovery",
	func(sample string, cpus, nodes, threads int) {
		sys := sampleSysfs[sample]
		Expect(sys).ToNot(BeNil())
		Expect(sys.CPUCount()).To(Equal(cpus))
		Expect(sys.NUMANodeCount()).To(Equal(nodes))
		Expect(sys.ThreadsPerCore()).To(Equal(threads))
	},

	Entry("sample1 counts", "sample1", 8, 1, 2),
	Entry("sample2 counts", "sample2", 16, 2, 2),
)

var _ = DescribeTable("node CPU membership",
	func(sample string, node ID, cpus string) {
		sys := sampleSysfs[sample]
		Expect(sys).ToNot(BeNil())
		n := sys.Node(node)
		Expect(n).ToNot(BeNil())
		Expect(n.CPUSet().String()).To(Equal(cpus))
	},

	Entry("sample1 node #0", "sample1", 0, "0-7"),
	Entry("sample2 node #0", "sample2", 0, "0-7"),
	Entry("sample2 node #1", "sample2", 1, "8-15"),
)

var _ = DescribeTable("CPU details",
	func(sample string, cpu, node, core ID, siblings string) {
		sys := sampleSysfs[sample]
		Expect(sys).ToNot(BeNil())
		c := sys.CPU(cpu)
		Expect(c).ToNot(BeNil())
		Expect(c.NodeID()).To(Equal(node))
		Expect(c.CoreID()).To(Equal(core))
		Expect(c.ThreadSiblings().String()).To(Equal(siblings))
	},

	Entry("sample1 CPU #0", "sample1", 0, 0, 0, "0-1"),
	Entry("sample1 CPU #3", "sample1", 3, 0, 2, "2-3"),
	Entry("sample1 CPU #7", "sample1", 7, 0, 6, "6-7"),
	Entry("sample2 CPU #8", "sample2", 8, 1, 8, "8-9"),
	Entry("sample2 CPU #15", "sample2", 15, 1, 14, "14-15"),
)

var _ = Describe("hugepage catalog", func() {
	It("lists supported sizes in ascending byte size order", func() {
		sys := sampleSysfs["sample1"]
		Expect(sys).ToNot(BeNil())

		sizes, err := sys.Node(0).HugepageSizes()
		Expect(err).To(BeNil())
		Expect(sizes).To(Equal([]sysfs.HugepageSize{
			{Label: "banana", Bytes: 0},
			{Label: "2048kB", Bytes: 2048 * 1024},
			{Label: "1048576kB", Bytes: 1048576 * 1024},
		}))
	})
})

var _ = Describe("hugepage counters", func() {
	It("reads and writes the per-node, per-size page counts", func() {
		counters := sysfs.NewHugepageCounters(sampleRoots["sample2"], nil)
		size := sysfs.HugepageSize{Label: "2048kB", Bytes: 2048 * 1024}

		count, err := counters.Pages(1, size)
		Expect(err).To(BeNil())
		Expect(count).To(Equal(int64(0)))

		Expect(counters.SetPages(1, size, 128)).To(Succeed())

		count, err = counters.Pages(1, size)
		Expect(err).To(BeNil())
		Expect(count).To(Equal(int64(128)))

		// the other node's counter is untouched
		count, err = counters.Pages(0, size)
		Expect(err).To(BeNil())
		Expect(count).To(Equal(int64(0)))

		Expect(counters.SetPages(1, size, 0)).To(Succeed())
	})

	It("lists the same sizes as the catalog", func() {
		counters := sysfs.NewHugepageCounters(sampleRoots["sample1"], nil)
		sizes, err := counters.List(0)
		Expect(err).To(BeNil())
		Expect(sizes).To(HaveLen(3))
	})
})

var _ = Describe("CPU pool file", func() {
	It("writes the pool as a list/range expression", func() {
		root, err := os.MkdirTemp("", "allocator-pool-test-")
		Expect(err).To(BeNil())
		defer os.RemoveAll(root)

		entry := "module/test_enclaves/parameters/cpus"
		path := filepath.Join(root, entry)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte("\n"), 0644)).To(Succeed())

		pool := sysfs.NewCPUPoolFile(root, entry, nil)
		Expect(pool.SetCPUPool(cpuset.MustParse("2-3,6"))).To(Succeed())

		blob, err := os.ReadFile(path)
		Expect(err).To(BeNil())
		Expect(string(blob)).To(Equal("2-3,6\n"))
	})
})

var _ = Describe("discovery failures", func() {
	It("fails fast on missing topology entries", func() {
		root, err := os.MkdirTemp("", "allocator-sysfs-test-")
		Expect(err).To(BeNil())
		defer os.RemoveAll(root)

		// online CPUs but no per-CPU topology, no nodes
		path := filepath.Join(root, "devices/system/cpu")
		Expect(os.MkdirAll(path, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(path, "online"), []byte("0-3\n"), 0644)).To(Succeed())

		_, err = sysfs.DiscoverSystemAt(root)
		Expect(err).ToNot(BeNil())
		Expect(errors.Is(err, sysfs.ErrTopologyUnavailable)).To(BeTrue())
	})

	It("fails fast on an empty sysfs tree", func() {
		root, err := os.MkdirTemp("", "allocator-sysfs-test-")
		Expect(err).To(BeNil())
		defer os.RemoveAll(root)

		_, err = sysfs.DiscoverSystemAt(root)
		Expect(err).ToNot(BeNil())
		Expect(errors.Is(err, sysfs.ErrTopologyUnavailable)).To(BeTrue())
	})
})
