// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device describes where a composer runs: on the CPU or on a set of GPUs.
//
// The selected Device is passed explicitly to the composers and the training driver, instead of
// being published through process environment variables.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Kind of device.
type Kind int

const (
	CPU Kind = iota
	GPU
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Device is either the CPU, or a list of GPU ids.
type Device struct {
	Kind Kind
	IDs  []int
}

// Select returns a GPU device if gpuIDs is not empty, or the CPU otherwise.
func Select(gpuIDs []int) Device {
	if len(gpuIDs) == 0 {
		return Device{Kind: CPU}
	}
	return Device{Kind: GPU, IDs: append([]int(nil), gpuIDs...)}
}

// Validate checks that GPU ids are non-negative and not repeated.
func (d Device) Validate() error {
	if d.Kind == CPU {
		if len(d.IDs) != 0 {
			return errors.Errorf("cpu device can't have GPU ids %v", d.IDs)
		}
		return nil
	}
	seen := make(map[int]bool, len(d.IDs))
	for _, id := range d.IDs {
		if id < 0 {
			return errors.Errorf("invalid GPU id %d", id)
		}
		if seen[id] {
			return errors.Errorf("GPU id %d given more than once", id)
		}
		seen[id] = true
	}
	return nil
}

// IsGPU returns whether the device is a set of GPUs.
func (d Device) IsGPU() bool {
	return d.Kind == GPU
}

// Count returns the number of GPUs, 0 for the CPU.
func (d Device) Count() int {
	if d.Kind == CPU {
		return 0
	}
	return len(d.IDs)
}

// VisibleDevices returns the comma-separated GPU ids, the format used by CUDA_VISIBLE_DEVICES.
// It is empty for the CPU.
func (d Device) VisibleDevices() string {
	parts := make([]string, len(d.IDs))
	for ii, id := range d.IDs {
		parts[ii] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer. E.g.: "cpu" or "gpu:0,1".
func (d Device) String() string {
	if d.Kind == CPU {
		return d.Kind.String()
	}
	return d.Kind.String() + ":" + d.VisibleDevices()
}

// Description returns a human-readable description of the device, including the host CPU model.
func (d Device) Description() string {
	cpu := fmt.Sprintf("%s (%d cores, %d threads)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		cpu += ", AVX512"
	} else if cpuid.CPU.Supports(cpuid.AVX2) {
		cpu += ", AVX2"
	}
	if d.Kind == CPU {
		return "CPU: " + cpu
	}
	return fmt.Sprintf("GPUs [%s], host CPU: %s", d.VisibleDevices(), cpu)
}
