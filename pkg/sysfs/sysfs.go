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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/enclave-host/allocator/pkg/utils/cpuset"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// EntryOps performs privileged sysfs entry accesses on behalf of the caller.
// The default implementation accesses the filesystem directly; callers running
// without the necessary privileges can substitute their own escalation scheme.
type EntryOps interface {
	// ReadEntry reads the contents of the given sysfs entry.
	ReadEntry(path string) (string, error)
	// WriteEntry writes the given value to the given sysfs entry.
	WriteEntry(path, value string) error
}

// fsOps implements EntryOps using plain filesystem access.
type fsOps struct{}

// DirectEntryOps returns EntryOps for direct, unescalated filesystem access.
func DirectEntryOps() EntryOps {
	return fsOps{}
}

func (fsOps) ReadEntry(path string) (string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.Trim(string(blob), "\n"), nil
}

func (fsOps) WriteEntry(path, value string) error {
	return os.WriteFile(path, []byte(value+"\n"), 0644)
}

// Read a sysfs entry into a value of a supported type.
func readSysfsEntry(base, entry string, ptr interface{}, args ...interface{}) (string, error) {
	var buf string

	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sysfs: %s: failed to read entry: %w", path, err)
	}

	buf = strings.Trim(string(blob), "\n")

	if ptr == nil {
		return buf, nil
	}

	switch ptr := ptr.(type) {
	case *string:
		*ptr = buf

	case *int:
		val, err := strconv.ParseInt(buf, 0, 0)
		if err != nil {
			return "", sysfsError(path, "failed to parse '%s': %v", buf, err)
		}
		*ptr = int(val)

	case *int64:
		val, err := strconv.ParseInt(buf, 0, 64)
		if err != nil {
			return "", sysfsError(path, "failed to parse '%s': %v", buf, err)
		}
		*ptr = val

	case *idset.IDSet:
		cset, err := cpuset.Parse(buf)
		if err != nil {
			return "", sysfsError(path, "failed to parse id set '%s': %v", buf, err)
		}
		*ptr = idset.NewIDSet(cset.List()...)

	case *cpuset.CPUSet:
		cset, err := cpuset.Parse(buf)
		if err != nil {
			return "", sysfsError(path, "failed to parse CPU set '%s': %v", buf, err)
		}
		*ptr = cset

	default:
		return "", sysfsError(path, "unsupported entry type %T", ptr)
	}

	return buf, nil
}

// Look up the enumerated id of a sysfs entry (cpuN, nodeN).
func getEnumeratedID(path string) idset.ID {
	name := filepath.Base(path)

	idx := strings.IndexAny(name, "0123456789")
	if idx < 0 {
		return idset.ID(-1)
	}

	id, err := strconv.ParseInt(name[idx:], 10, 0)
	if err != nil {
		return idset.ID(-1)
	}

	return idset.ID(id)
}

// sysfsError returns a formatted sysfs-specific error.
func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs: %s: %s", path, fmt.Sprintf(format, args...))
}

// CPUSetFromIDSet converts an id set to a CPUSet.
func CPUSetFromIDSet(s idset.IDSet) cpuset.CPUSet {
	return cpuset.New(s.Members()...)
}

// IDSetFromCPUSet converts a CPUSet to an id set.
func IDSetFromCPUSet(cset cpuset.CPUSet) idset.IDSet {
	return idset.NewIDSet(cset.List()...)
}
