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
	"path/filepath"

	"github.com/enclave-host/allocator/pkg/utils/cpuset"

	logger "github.com/enclave-host/allocator/pkg/log"
)

// DefaultCPUPoolEntry is the enclave kernel module parameter accepting the
// CPU pool as a comma-separated list/range expression, relative to the sysfs
// mount point.
const DefaultCPUPoolEntry = "module/nitro_enclaves/parameters/ne_cpus"

// CPUPoolFile writes the enclave CPU pool through a single writable sysfs
// text entry. The kernel is authoritative on accepting or rejecting the set.
type CPUPoolFile struct {
	logger.Logger
	path string
	ops  EntryOps
}

// NewCPUPoolFile returns a CPU pool control surface for the given sysfs mount
// point and pool entry. Empty entry selects DefaultCPUPoolEntry, nil ops
// direct filesystem access.
func NewCPUPoolFile(path, entry string, ops EntryOps) *CPUPoolFile {
	if entry == "" {
		entry = DefaultCPUPoolEntry
	}
	if ops == nil {
		ops = DirectEntryOps()
	}
	return &CPUPoolFile{
		Logger: log,
		path:   filepath.Join(path, entry),
		ops:    ops,
	}
}

// SetCPUPool replaces the enclave CPU pool with the given set.
func (p *CPUPoolFile) SetCPUPool(cset cpuset.CPUSet) error {
	p.Info("setting CPU pool %s to %s", p.path, cset)

	if err := p.ops.WriteEntry(p.path, cset.String()); err != nil {
		return sysfsError(p.path, "failed to write CPU pool '%s': %v", cset, err)
	}

	return nil
}
