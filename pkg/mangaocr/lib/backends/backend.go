// Copyright 2025 Antfly, Inc.
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

package backends

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is an inference runtime that can create sessions.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime (CUDA)")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// SessionFactory returns the factory for creating sessions.
	SessionFactory() SessionFactory
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex

	defaultPriority = []BackendType{BackendONNX}
	configPriority  []BackendType
	priorityMu      sync.RWMutex
)

// RegisterBackend registers a backend. Later registrations for the same
// type overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListRegistered returns all registered backends sorted by Priority.
func ListRegistered() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	backends := make([]Backend, 0, len(registry))
	for _, b := range registry {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool {
		if backends[i].Priority() != backends[j].Priority() {
			return backends[i].Priority() < backends[j].Priority()
		}
		return backends[i].Type() < backends[j].Type()
	})
	return backends
}

// ListAvailable returns the usable backends, configured priority order first.
func ListAvailable() []Backend {
	priority := GetPriority()

	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	seen := make(map[BackendType]bool)
	for _, t := range priority {
		if b, ok := registry[t]; ok && b.Available() {
			result = append(result, b)
			seen[t] = true
		}
	}

	var rest []Backend
	for t, b := range registry {
		if !seen[t] && b.Available() {
			rest = append(rest, b)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Priority() < rest[j].Priority() })
	return append(result, rest...)
}

// SetPriority sets the backend selection priority order.
func SetPriority(order []BackendType) {
	priorityMu.Lock()
	defer priorityMu.Unlock()
	configPriority = append([]BackendType(nil), order...)
}

// GetPriority returns the configured priority, or the default when unset.
func GetPriority() []BackendType {
	priorityMu.RLock()
	defer priorityMu.RUnlock()
	if len(configPriority) > 0 {
		return append([]BackendType(nil), configPriority...)
	}
	return append([]BackendType(nil), defaultPriority...)
}

// GetDefaultBackend returns the first available backend according to
// priority order, or nil.
func GetDefaultBackend() Backend {
	if available := ListAvailable(); len(available) > 0 {
		return available[0]
	}
	return nil
}

// GetBackendWithFallback returns preferred if it is available, otherwise the
// default backend.
func GetBackendWithFallback(preferred BackendType) (Backend, BackendType, error) {
	if b, ok := GetBackend(preferred); ok && b.Available() {
		return b, preferred, nil
	}
	b := GetDefaultBackend()
	if b == nil {
		return nil, "", fmt.Errorf("no available backends (preferred: %s)", preferred)
	}
	return b, b.Type(), nil
}

// ParseBackendType parses a string into BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "onnx":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: onnx)", s)
	}
}

// ParseDeviceType parses a string into DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return DeviceAuto, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	case "cpu", "off":
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device type: %q (valid: auto, cuda, cpu)", s)
	}
}

// ParseBackendSpec parses a "backend" or "backend:device" string.
func ParseBackendSpec(s string) (BackendSpec, error) {
	name, device, hasDevice := strings.Cut(s, ":")

	backend, err := ParseBackendType(name)
	if err != nil {
		return BackendSpec{}, err
	}
	spec := BackendSpec{Backend: backend, Device: DeviceAuto}
	if hasDevice {
		if spec.Device, err = ParseDeviceType(device); err != nil {
			return BackendSpec{}, err
		}
	}
	return spec, nil
}

// ParseBackendPriority parses a list of backend:device strings.
func ParseBackendPriority(priority []string) ([]BackendSpec, error) {
	specs := make([]BackendSpec, 0, len(priority))
	for _, s := range priority {
		spec, err := ParseBackendSpec(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
