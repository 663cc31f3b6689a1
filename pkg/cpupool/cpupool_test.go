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
	"testing"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclave-host/allocator/pkg/sysfs"
)

// 1 NUMA node, 8 CPUs, 2 threads per core, CPU 0's core is {0,1}.
func singleNodeSystem() *sysfs.FakeSystem {
	return &sysfs.FakeSystem{
		Threads: 2,
		CPUs:    sysfs.FakeCores(0, 0, 4, 2),
		NodeCPUs: map[idset.ID][]idset.ID{
			0: {0, 1, 2, 3, 4, 5, 6, 7},
		},
	}
}

// 2 NUMA nodes, 8 CPUs each, 2 threads per core.
func dualNodeSystem() *sysfs.FakeSystem {
	return &sysfs.FakeSystem{
		Threads: 2,
		CPUs:    append(sysfs.FakeCores(0, 0, 4, 2), sysfs.FakeCores(1, 8, 4, 2)...),
		NodeCPUs: map[idset.ID][]idset.ID{
			0: {0, 1, 2, 3, 4, 5, 6, 7},
			1: {8, 9, 10, 11, 12, 13, 14, 15},
		},
	}
}

func TestParseCPUList(t *testing.T) {
	tcs := []struct {
		list     string
		expected string
		invalid  bool
	}{
		{list: "2,3,6-9", expected: "2-3,6-9"},
		{list: "4", expected: "4"},
		{list: "0-3", expected: "0-3"},
		{list: "", expected: ""},
		{list: "2,", invalid: true},
		{list: "a-b", invalid: true},
		{list: "3-1", invalid: true},
	}

	for _, tc := range tcs {
		t.Run(tc.list, func(t *testing.T) {
			cset, err := ParseCPUList(tc.list)
			if tc.invalid {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidCPUList))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cset.String())
		})
	}
}

func TestSelectLowestRemainingCore(t *testing.T) {
	// CPU 0's core {0,1} is withheld, the lowest remaining whole core wins
	s := NewSelector(singleNodeSystem())

	pool, node, err := s.Select(2, nil)
	require.NoError(t, err)
	assert.Equal(t, idset.ID(0), node)
	assert.Equal(t, "2-3", pool.String())
}

func TestSelectWholeCores(t *testing.T) {
	s := NewSelector(singleNodeSystem())

	pool, _, err := s.Select(6, nil)
	require.NoError(t, err)
	assert.Equal(t, "2-7", pool.String())
}

func TestInvalidCount(t *testing.T) {
	tcs := []struct {
		name  string
		count int
	}{
		{name: "zero", count: 0},
		{name: "negative", count: -2},
		{name: "not a multiple of threads per core", count: 3},
		{name: "more than present", count: 10},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := NewSelector(singleNodeSystem()).Select(tc.count, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCount))
		})
	}
}

func TestReservedNodeCapacity(t *testing.T) {
	// all 8 CPUs of the only node cannot be had, CPU 0's core is withheld
	_, _, err := NewSelector(singleNodeSystem()).Select(8, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))
}

func TestSpillToSecondNode(t *testing.T) {
	// 8 CPUs only fit on node #1, where no core is withheld
	pool, node, err := NewSelector(dualNodeSystem()).Select(8, nil)
	require.NoError(t, err)
	assert.Equal(t, idset.ID(1), node)
	assert.Equal(t, "8-15", pool.String())
}

func TestDeterminism(t *testing.T) {
	first, firstNode, err := NewSelector(dualNodeSystem()).Select(4, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		pool, node, err := NewSelector(dualNodeSystem()).Select(4, nil)
		require.NoError(t, err)
		assert.Equal(t, firstNode, node)
		assert.True(t, pool.Equals(first))
	}
}

func TestPartialCoreSkipped(t *testing.T) {
	// CPU 5's sibling is offline: core {4,5} shows a single thread and is
	// skipped, not an error
	sys := singleNodeSystem()
	cpus := []sysfs.FakeCPU{}
	for _, cpu := range sys.CPUs {
		if cpu.ID == 5 {
			continue
		}
		if cpu.ID == 4 {
			cpu.Siblings = []idset.ID{4}
		}
		cpus = append(cpus, cpu)
	}
	sys.CPUs = cpus

	pool, _, err := NewSelector(sys).Select(4, nil)
	require.NoError(t, err)
	assert.Equal(t, "2-3,6-7", pool.String())
}

func TestCommitFailureAbandonsNode(t *testing.T) {
	attempted := []idset.ID{}
	commit := func(node idset.ID) error {
		attempted = append(attempted, node)
		if node == 0 {
			return fmt.Errorf("no hugepages on node #%d", node)
		}
		return nil
	}

	pool, node, err := NewSelector(dualNodeSystem()).Select(4, commit)
	require.NoError(t, err)
	assert.Equal(t, idset.ID(1), node)
	assert.Equal(t, "8-11", pool.String())
	assert.Equal(t, []idset.ID{0, 1}, attempted)
}

func TestCommitFailureEverywhere(t *testing.T) {
	commit := func(node idset.ID) error {
		return fmt.Errorf("no hugepages on node #%d", node)
	}

	_, _, err := NewSelector(dualNodeSystem()).Select(4, commit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))
}
