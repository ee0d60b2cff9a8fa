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
	"errors"
	"fmt"
	"sync"
)

// ErrNoBackend is returned when no registered backend can serve a request.
var ErrNoBackend = errors.New("no available backend")

// SessionManager picks session factories across backends according to a
// configured priority.
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendONNX, Device: DeviceCPU},
//	})
//
//	factory, backend, err := manager.GetSessionFactoryForModel(nil)
type SessionManager struct {
	priority []BackendSpec
	mu       sync.RWMutex
	closed   bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = append([]BackendSpec(nil), priority...)
}

// Priority returns the configured priority, or the global default with
// DeviceAuto when none is configured.
func (sm *SessionManager) Priority() []BackendSpec {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if len(sm.priority) > 0 {
		return append([]BackendSpec(nil), sm.priority...)
	}
	global := GetPriority()
	result := make([]BackendSpec, len(global))
	for i, bt := range global {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetSessionFactory returns the SessionFactory of the given backend.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.RLock()
	closed := sm.closed
	sm.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("session manager is closed")
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}
	return b.SessionFactory(), nil
}

// GetSessionFactoryForModel returns a SessionFactory for loading a model,
// trying backends in priority order. If modelBackends is non-empty, only
// those backends are considered. The returned spec names the backend and
// device preference that were chosen.
func (sm *SessionManager) GetSessionFactoryForModel(modelBackends []string) (SessionFactory, BackendSpec, error) {
	allowed := make(map[BackendType]bool, len(modelBackends))
	for _, b := range modelBackends {
		allowed[BackendType(b)] = true
	}

	var lastErr error
	for _, spec := range sm.Priority() {
		if len(allowed) > 0 && !allowed[spec.Backend] {
			continue
		}
		factory, err := sm.GetSessionFactory(spec.Backend)
		if err != nil {
			lastErr = err
			continue
		}
		return factory, spec, nil
	}

	if lastErr != nil {
		return nil, BackendSpec{}, fmt.Errorf("%w for %v: %w", ErrNoBackend, modelBackends, lastErr)
	}
	return nil, BackendSpec{}, fmt.Errorf("%w for %v", ErrNoBackend, modelBackends)
}

// Close marks the manager closed. Sessions already created stay valid and
// are closed by their owners.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closed = true
	return nil
}
