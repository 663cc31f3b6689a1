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

package config

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ErrInvalidProfile indicates a malformed or inconsistent allocation profile.
var ErrInvalidProfile = errors.New("invalid allocation profile")

// Profile is the operator-facing allocation profile, read before launching
// enclave workloads. Exactly one of CPUCount and CPUPool selects the CPU
// reservation mode.
type Profile struct {
	// MemoryMiB is the amount of hugepage memory to reserve, 0 for none.
	MemoryMiB int64 `json:"memory_mib,omitempty"`
	// CPUCount selects automatic pool selection of this many CPUs.
	CPUCount int `json:"cpu_count,omitempty"`
	// CPUPool selects an explicit pool given as a list/range expression.
	CPUPool string `json:"cpu_pool,omitempty"`
}

// Load reads and validates an allocation profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	p := &Profile{}
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return p, nil
}

// Validate checks the profile for consistency.
func (p *Profile) Validate() error {
	if p.MemoryMiB < 0 {
		return fmt.Errorf("%w: negative memory_mib %d", ErrInvalidProfile, p.MemoryMiB)
	}
	if p.CPUCount < 0 {
		return fmt.Errorf("%w: negative cpu_count %d", ErrInvalidProfile, p.CPUCount)
	}

	switch {
	case p.CPUCount == 0 && p.CPUPool == "":
		return fmt.Errorf("%w: one of cpu_count and cpu_pool is required", ErrInvalidProfile)
	case p.CPUCount != 0 && p.CPUPool != "":
		return fmt.Errorf("%w: cpu_count and cpu_pool are mutually exclusive", ErrInvalidProfile)
	}

	return nil
}
