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

package main

import (
	"flag"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"sigs.k8s.io/yaml"

	"github.com/enclave-host/allocator/pkg/allocator"
	"github.com/enclave-host/allocator/pkg/config"
	"github.com/enclave-host/allocator/pkg/hugepages"
	logger "github.com/enclave-host/allocator/pkg/log"
	"github.com/enclave-host/allocator/pkg/sysfs"
)

var log *logrus.Logger

func main() {
	var (
		profilePath string
		sysfsPath   string
		poolEntry   string
		lockFile    string
		verbose     bool
	)

	log = logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		PadLevelText: true,
	})

	flag.StringVar(&profilePath, "config", "/etc/enclave-allocator/allocator.yaml",
		"allocation profile to apply")
	flag.StringVar(&sysfsPath, "sysfs", "/sys", "sysfs mount point")
	flag.StringVar(&poolEntry, "cpu-pool-file", "",
		"CPU pool control entry, relative to the sysfs mount point")
	flag.StringVar(&lockFile, "lock-file", "/run/enclave-allocator.lock",
		"advisory lock serializing concurrent invocations, empty to disable")
	flag.BoolVar(&verbose, "verbose", false, "enable (more) verbose logging")
	flag.Parse()

	if verbose {
		logger.EnableDebug("all")
	}

	if unix.Geteuid() != 0 {
		log.Warn("not running as root, privileged sysfs writes will likely fail")
	}

	profile, err := config.Load(profilePath)
	if err != nil {
		log.Fatalf("failed to load allocation profile: %v", err)
	}

	sys, err := sysfs.DiscoverSystemAt(sysfsPath)
	if err != nil {
		log.Fatalf("failed to discover host topology: %v", err)
	}

	a := allocator.New(
		sys,
		sysfs.NewCPUPoolFile(sysfsPath, poolEntry, nil),
		hugepages.NewAllocator(sysfs.NewHugepageCounters(sysfsPath, nil)),
		allocator.WithLockFile(lockFile),
	)

	var reservation *allocator.Reservation
	if profile.CPUPool != "" {
		reservation, err = a.ReserveByCPUList(profile.CPUPool, profile.MemoryMiB)
	} else {
		reservation, err = a.ReserveByCPUCount(profile.CPUCount, profile.MemoryMiB)
	}
	if err != nil {
		log.Fatalf("allocation failed: %v", err)
	}

	dump("reservation", reservation)
}

// Dump an object as YAML with a tag prefix.
func dump(tag string, obj interface{}) {
	msg, err := yaml.Marshal(obj)
	if err != nil {
		log.Infof("%s: failed to dump object: %v", tag, err)
		return
	}

	log.Infof("%s:", tag)
	for _, line := range strings.Split(strings.TrimSpace(string(msg)), "\n") {
		log.Infof("  %s", line)
	}
}
