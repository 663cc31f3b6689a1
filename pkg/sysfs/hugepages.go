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
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	logger "github.com/enclave-host/allocator/pkg/log"
	idset "github.com/intel/goresctrl/pkg/utils"
)

const (
	// per-node hugepage subdirectory and entry names
	hugepagesSubdir  = "hugepages"
	hugepagesPrefix  = "hugepages-"
	nrHugepagesEntry = "nr_hugepages"
)

// HugepageSize is one hugepage size supported on a NUMA node. Bytes is 0 if
// the kernel-provided size label cannot be parsed; such entries stay listed
// but are never used to satisfy an allocation.
type HugepageSize struct {
	// Label is the size label as it appears in sysfs, e.g. "2048kB".
	Label string
	// Bytes is the page size in bytes parsed from the label.
	Bytes int64
}

func (s HugepageSize) String() string {
	return s.Label
}

// parseHugepageSize parses a sysfs hugepage size label into bytes. The label
// is a number followed by a base-1024 unit suffix (kB, MB, GB).
func parseHugepageSize(label string) int64 {
	idx := strings.IndexFunc(label, func(r rune) bool {
		return r < '0' || r > '9'
	})
	if idx <= 0 {
		return 0
	}

	val, err := strconv.ParseInt(label[:idx], 10, 64)
	if err != nil {
		return 0
	}

	switch strings.ToLower(label[idx:]) {
	case "kb", "k":
		return val << 10
	case "mb", "m":
		return val << 20
	case "gb", "g":
		return val << 30
	}

	return 0
}

// enumerateHugepageSizes lists the hugepage sizes supported under the given
// NUMA node sysfs path, in ascending byte size order.
func enumerateHugepageSizes(nodePath string) ([]HugepageSize, error) {
	pattern := filepath.Join(nodePath, hugepagesSubdir, hugepagesPrefix+"*")
	entries, err := filepath.Glob(pattern)
	if err != nil {
		return nil, sysfsError(pattern, "failed to enumerate hugepage sizes: %v", err)
	}

	sizes := make([]HugepageSize, 0, len(entries))
	for _, entry := range entries {
		label := strings.TrimPrefix(filepath.Base(entry), hugepagesPrefix)
		sizes = append(sizes, HugepageSize{
			Label: label,
			Bytes: parseHugepageSize(label),
		})
	}

	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].Bytes != sizes[j].Bytes {
			return sizes[i].Bytes < sizes[j].Bytes
		}
		return sizes[i].Label < sizes[j].Label
	})

	return sizes, nil
}

// HugepageCounters accesses the kernel per-node, per-size hugepage reservation
// counters. Writes go through EntryOps since they require elevated privilege.
type HugepageCounters struct {
	logger.Logger
	path string
	ops  EntryOps
}

// NewHugepageCounters returns a hugepage counter store for sysfs mounted at
// path. A nil ops defaults to direct filesystem access.
func NewHugepageCounters(path string, ops EntryOps) *HugepageCounters {
	if ops == nil {
		ops = DirectEntryOps()
	}
	return &HugepageCounters{
		Logger: log,
		path:   path,
		ops:    ops,
	}
}

// List returns the hugepage sizes supported on the given node.
func (c *HugepageCounters) List(node idset.ID) ([]HugepageSize, error) {
	return enumerateHugepageSizes(c.nodePath(node))
}

// Pages reads the current reservation counter for the given node and size.
func (c *HugepageCounters) Pages(node idset.ID, size HugepageSize) (int64, error) {
	path := c.counterPath(node, size)

	value, err := c.ops.ReadEntry(path)
	if err != nil {
		return 0, sysfsError(path, "failed to read page count: %v", err)
	}

	count, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, sysfsError(path, "failed to parse page count '%s': %v", value, err)
	}

	return count, nil
}

// SetPages writes the reservation counter for the given node and size. The
// kernel may grant fewer pages than requested; callers read back the counter
// to learn the granted amount.
func (c *HugepageCounters) SetPages(node idset.ID, size HugepageSize, count int64) error {
	path := c.counterPath(node, size)

	c.Debug("setting %s to %d", path, count)

	if err := c.ops.WriteEntry(path, strconv.FormatInt(count, 10)); err != nil {
		return sysfsError(path, "failed to write page count %d: %v", count, err)
	}

	return nil
}

func (c *HugepageCounters) nodePath(node idset.ID) string {
	return filepath.Join(c.path, sysfsNumaNodePath, fmt.Sprintf("node%d", node))
}

func (c *HugepageCounters) counterPath(node idset.ID, size HugepageSize) string {
	return filepath.Join(c.nodePath(node), hugepagesSubdir,
		hugepagesPrefix+size.Label, nrHugepagesEntry)
}
